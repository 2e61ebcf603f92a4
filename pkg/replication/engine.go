package replication

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veloxdb/veloxdb/pkg/store"
	"github.com/veloxdb/veloxdb/pkg/txn"
	"github.com/veloxdb/veloxdb/pkg/veloxtype"
	"github.com/veloxdb/veloxdb/pkg/verror"
	"github.com/veloxdb/veloxdb/pkg/vevents"
	"github.com/veloxdb/veloxdb/pkg/vlog"
	"github.com/veloxdb/veloxdb/pkg/vmetrics"
	"github.com/veloxdb/veloxdb/pkg/wal"
)

// AckTimeout bounds how long the Primary waits for a Sync standby's
// Ack before degrading it to Failing and letting the commit proceed.
const AckTimeout = 5 * time.Second

// ReconnectBackoff bounds the exponential backoff a Standby (or the
// Primary's outbound dialer, if it owns the TCP connect direction)
// applies between reconnect attempts.
var ReconnectBackoff = struct {
	Initial time.Duration
	Max     time.Duration
}{Initial: 200 * time.Millisecond, Max: 30 * time.Second}

// Engine is one node's replication state. Constructed once per
// process and started in either Primary or Standby mode; a RoleChange
// frame (or an operator-triggered promotion) transitions it between
// them at runtime.
type Engine struct {
	nodeName string
	store    *store.Store
	txns     *txn.Manager
	wal      *wal.WAL
	events   *vevents.Broker
	tokens   *JoinTokenStore

	// joinToken is this node's own credential, presented in every
	// Hello it sends; requireToken makes a Primary reject standbys
	// whose Hello carries a token the store does not know. Both are
	// set once by ConfigureJoinToken before Start* spawns goroutines.
	joinToken    string
	requireToken bool

	roleMu sync.RWMutex
	role   Role
	epoch  atomic.Uint64

	lastAppliedLSN atomic.Value // veloxtype.LSN
	lastAppliedCSN atomic.Uint64

	primaryHintMu sync.RWMutex
	primaryHint   string

	// Primary-side state: one outbound connection per configured
	// standby.
	connsMu sync.Mutex
	conns   map[string]*standbyConn

	// Standby-side state: set by StartStandby, read by the applier
	// goroutine.
	standby *standbyState

	listener net.Listener
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewEngine constructs an Engine for nodeName over store s and
// transaction manager txns. w is the node's own WAL: a Primary reads
// it back to backfill reconnecting standbys, a Standby appends
// replicated records into it so its apply position survives a
// restart. events may be nil; w may be nil in tests that exercise
// neither path. The Engine starts in Witness-like idle state; call
// StartPrimary or StartStandby to join a topology.
func NewEngine(nodeName string, s *store.Store, txns *txn.Manager, w *wal.WAL, events *vevents.Broker) *Engine {
	e := &Engine{
		nodeName: nodeName,
		store:    s,
		txns:     txns,
		wal:      w,
		events:   events,
		tokens:   NewJoinTokenStore(),
		conns:    make(map[string]*standbyConn),
		stopCh:   make(chan struct{}),
	}
	e.lastAppliedLSN.Store(veloxtype.LSN{})
	e.role = RoleWitness
	return e
}

// IsPrimary implements dispatch.RoleProvider.
func (e *Engine) IsPrimary() bool {
	e.roleMu.RLock()
	defer e.roleMu.RUnlock()
	return e.role == RolePrimary
}

// PrimaryHint implements dispatch.RoleProvider: the node a ReadWrite
// caller on this (non-Primary) node should redirect to.
func (e *Engine) PrimaryHint() string {
	e.primaryHintMu.RLock()
	defer e.primaryHintMu.RUnlock()
	return e.primaryHint
}

// SetPrimaryHint records the node a ReadWrite caller on this node
// should redirect to, surfaced through NotPrimary.CurrentEpochLeaderHint.
func (e *Engine) SetPrimaryHint(hint string) {
	e.primaryHintMu.Lock()
	e.primaryHint = hint
	e.primaryHintMu.Unlock()
}

// Role reports the engine's current role.
func (e *Engine) Role() Role {
	e.roleMu.RLock()
	defer e.roleMu.RUnlock()
	return e.role
}

// Epoch reports the engine's current epoch.
func (e *Engine) Epoch() uint64 { return e.epoch.Load() }

// LastAppliedLSN reports the highest LSN this node has durably
// applied, whether as a Primary committing locally or a Standby
// applying a LogBatch.
func (e *Engine) LastAppliedLSN() veloxtype.LSN {
	return e.lastAppliedLSN.Load().(veloxtype.LSN)
}

// ConfigureJoinToken installs the shared cluster join token from
// configuration. This node presents it in every Hello it sends, and —
// acting as Primary — refuses standbys whose Hello carries a token the
// store cannot validate. Tokens minted at runtime with
// JoinTokenStore.Issue are accepted by the same check, so an operator
// can admit a new standby with a TTL-bounded credential instead of
// sharing the cluster secret. A Primary with no configured token
// accepts any standby, relying on mTLS (SSLConfiguration) alone.
func (e *Engine) ConfigureJoinToken(token string) {
	if token == "" {
		return
	}
	e.joinToken = token
	e.requireToken = true
	e.tokens.Seed(token)
}

// Tokens exposes the join-token store, for admin tooling that mints
// or revokes standby credentials at runtime.
func (e *Engine) Tokens() *JoinTokenStore { return e.tokens }

// authorizeStandby checks a connecting standby's Hello credential.
func (e *Engine) authorizeStandby(hello *HelloFrame) error {
	if !e.requireToken {
		return nil
	}
	return e.tokens.Validate(hello.JoinToken)
}

// hello builds this node's side of the Hello handshake.
func (e *Engine) hello() *HelloFrame {
	return &HelloFrame{
		NodeName:       e.nodeName,
		Epoch:          e.epoch.Load(),
		LastAppliedLSN: e.LastAppliedLSN(),
		LastAppliedCSN: veloxtype.CSN(e.lastAppliedCSN.Load()),
		JoinToken:      e.joinToken,
	}
}

func (e *Engine) setLastAppliedLSN(lsn veloxtype.LSN) {
	for {
		cur := e.LastAppliedLSN()
		if !cur.Less(lsn) {
			return
		}
		e.lastAppliedLSN.Store(lsn)
		return
	}
}

// Stop halts all background goroutines and closes the listener and
// any open connections. Safe to call once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		if e.listener != nil {
			e.listener.Close()
		}
		e.connsMu.Lock()
		for _, c := range e.conns {
			c.mu.Lock()
			if c.conn != nil {
				c.conn.Close()
			}
			c.mu.Unlock()
		}
		e.connsMu.Unlock()
		if e.standby != nil {
			e.standby.stop()
		}
	})
}

// ApplyRoleChange transitions this node's role and epoch in response
// to a RoleChangeFrame or an operator-triggered promotion. The new
// epoch must be strictly greater than the current one.
func (e *Engine) ApplyRoleChange(newRole Role, epoch uint64) error {
	if epoch <= e.epoch.Load() {
		return fmt.Errorf("replication: stale epoch %d (current %d)", epoch, e.epoch.Load())
	}
	e.roleMu.Lock()
	e.role = newRole
	e.roleMu.Unlock()
	e.epoch.Store(epoch)
	vmetrics.RoleChangesTotal.Inc()
	if e.events != nil {
		e.events.Publish(&vevents.Event{Type: vevents.EventRoleChanged, Message: fmt.Sprintf("role now %s at epoch %d", newRole, epoch)})
	}
	vlog.WithComponent("replication").Info().Str("role", string(newRole)).Uint64("epoch", epoch).Msg("role change applied")
	return nil
}

// SafeTruncationLSN bounds WAL truncation on a Primary: records are
// retained until every configured standby has acknowledged
// durable application through them, so a standby that is down (and has
// therefore acknowledged nothing beyond its last ack) holds truncation
// back rather than being forced Divergent on reconnect. With no
// configured standbys it returns upTo unchanged.
func (e *Engine) SafeTruncationLSN(upTo veloxtype.LSN) veloxtype.LSN {
	e.connsMu.Lock()
	defer e.connsMu.Unlock()

	out := upTo
	for _, c := range e.conns {
		c.mu.Lock()
		ack := c.lastAckLSN
		c.mu.Unlock()
		if ack.Less(out) {
			out = ack
		}
	}
	return out
}

// checkEpoch rejects a frame carrying an epoch older than this node's
// own — the split-brain guard: peers and clients carry the current
// epoch and refuse traffic from a stale primary.
func (e *Engine) checkEpoch(remoteEpoch uint64) error {
	if remoteEpoch < e.epoch.Load() {
		return &verror.NotPrimary{CurrentEpochLeaderHint: e.PrimaryHint()}
	}
	return nil
}
