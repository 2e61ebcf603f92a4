package replication

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/veloxdb/veloxdb/pkg/txn"
	"github.com/veloxdb/veloxdb/pkg/veloxtype"
	"github.com/veloxdb/veloxdb/pkg/vevents"
	"github.com/veloxdb/veloxdb/pkg/vlog"
	"github.com/veloxdb/veloxdb/pkg/vmetrics"
	"github.com/veloxdb/veloxdb/pkg/wal"
)

// standbyState is the Standby-side connection to a single Primary: the
// merge point that enforces strict apply order regardless of how many
// replication worker connections deliver batches.
type standbyState struct {
	primaryAddr string

	mu      sync.Mutex
	conn    net.Conn
	stopped bool
}

func (s *standbyState) stop() {
	s.mu.Lock()
	s.stopped = true
	c := s.conn
	s.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

func (s *standbyState) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// StartStandby puts the engine into Standby mode and connects to
// primaryAddr, applying incoming LogBatch frames in strict LSN order
// until Stop is called. Connection loss triggers reconnect with
// exponential backoff, resuming from LastAppliedLSN; a gap the primary
// cannot satisfy leaves the node Divergent.
func (e *Engine) StartStandby(primaryAddr string, epoch uint64) {
	e.roleMu.Lock()
	e.role = RoleStandby
	e.roleMu.Unlock()
	e.epoch.Store(epoch)
	e.SetPrimaryHint(primaryAddr)

	// Resume where local recovery left off: the transaction manager's
	// last committed CSN is whatever this node's own WAL replayed, and
	// it is the position the Hello handshake advertises so the primary
	// backfills only what is actually missing.
	e.lastAppliedCSN.Store(uint64(e.txns.CurrentCSN()))

	e.standby = &standbyState{primaryAddr: primaryAddr}
	go e.standbyLoop(e.standby)
}

func (e *Engine) standbyLoop(s *standbyState) {
	backoff := ReconnectBackoff.Initial
	for {
		if s.isStopped() {
			return
		}
		select {
		case <-e.stopCh:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", s.primaryAddr, 5*time.Second)
		if err != nil {
			vlog.WithComponent("replication").Warn().Err(err).Str("primary", s.primaryAddr).Msg("standby dial failed, backing off")
			if !sleepOrStop(e.stopCh, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = ReconnectBackoff.Initial

		if err := e.standbyHandshake(conn); err != nil {
			vlog.WithComponent("replication").Warn().Err(err).Msg("standby handshake failed")
			conn.Close()
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		e.applyLoop(conn)
		conn.Close()
	}
}

func (e *Engine) standbyHandshake(conn net.Conn) error {
	if err := WriteFrame(conn, &Frame{Type: FrameHello, Hello: e.hello()}); err != nil {
		return err
	}

	f, err := ReadFrame(conn)
	if err != nil {
		return err
	}
	if f.Type != FrameHello || f.Hello == nil {
		return fmt.Errorf("replication: expected Hello from primary, got %s", f.Type)
	}
	if err := e.checkEpoch(f.Hello.Epoch); err != nil {
		return err
	}
	return nil
}

// applyLoop reads frames from conn until it errors or the engine
// stops, applying LogBatch records strictly in LSN order and
// acknowledging after each batch is durably applied.
func (e *Engine) applyLoop(conn net.Conn) {
	for {
		f, err := ReadFrame(conn)
		if err != nil {
			vlog.WithComponent("replication").Warn().Err(err).Msg("standby connection lost")
			return
		}

		switch f.Type {
		case FrameLogBatch:
			if f.LogBatch == nil {
				continue
			}
			if err := e.applyBatch(f.LogBatch); err != nil {
				vlog.WithComponent("replication").Error().Err(err).Msg("failed to apply log batch, requesting resync")
				e.requestResync(conn)
				return
			}
			if err := WriteFrame(conn, &Frame{Type: FrameAck, Ack: &AckFrame{ThroughLSN: e.LastAppliedLSN()}}); err != nil {
				return
			}
		case FrameHeartbeat:
			if f.Heartbeat != nil {
				if err := e.checkEpoch(f.Heartbeat.Epoch); err != nil {
					vlog.WithComponent("replication").Error().Err(err).Msg("heartbeat from stale primary rejected")
				}
			}
		case FrameRoleChange:
			if f.RoleChange != nil {
				if err := e.ApplyRoleChange(f.RoleChange.NewRole, f.RoleChange.Epoch); err != nil {
					vlog.WithComponent("replication").Warn().Err(err).Msg("rejected role change")
				}
			}
		default:
			vlog.WithComponent("replication").Warn().Str("frame", f.Type.String()).Msg("unexpected frame from primary")
		}
	}
}

// applyBatch installs every record of batch into the local store in
// strict CSN order, refusing (without applying any of it) a record
// whose CSN does not immediately follow the last one this node
// applied — an out-of-order gap triggers a resync request rather than
// a partial, possibly-incoherent apply.
// CSN, not LSN, is the contiguity check: it is the gap-free commit
// ordinal, where LSN positions are merely monotonic (and the
// primary's LSNs are not this node's). Each applied record is also
// appended to this node's own WAL and flushed before the caller acks,
// so the apply position survives a standby restart.
func (e *Engine) applyBatch(batch *LogBatchFrame) error {
	lastCSN := veloxtype.CSN(e.lastAppliedCSN.Load())
	var localLSN veloxtype.LSN
	appended := false

	for _, rec := range batch.Records {
		if lastCSN != 0 && rec.Record.CSN <= lastCSN {
			continue // already applied, a retransmit
		}
		if lastCSN != 0 && rec.Record.CSN != lastCSN+1 {
			return fmt.Errorf("gap detected: expected CSN %d, got %d", lastCSN+1, rec.Record.CSN)
		}

		if err := txn.Replay(e.store, rec.Record); err != nil {
			return fmt.Errorf("replication: apply LSN %+v: %w", rec.LSN, err)
		}

		if e.wal != nil {
			payload, err := txn.EncodeLogRecord(rec.Record)
			if err != nil {
				return fmt.Errorf("replication: encode record CSN %d: %w", rec.Record.CSN, err)
			}
			lsn, err := e.wal.Append(wal.RecordCommit, payload)
			if err != nil {
				return fmt.Errorf("replication: append record CSN %d: %w", rec.Record.CSN, err)
			}
			localLSN = lsn
			appended = true
		}

		e.setLastAppliedLSN(rec.LSN)
		e.txns.SetLastCommittedCSN(rec.Record.CSN)
		lastCSN = rec.Record.CSN
		e.lastAppliedCSN.Store(uint64(lastCSN))
	}

	if appended {
		if err := e.wal.FlushThrough(localLSN); err != nil {
			return fmt.Errorf("replication: flush applied batch: %w", err)
		}
	}
	return nil
}

// requestResync closes the current connection; standbyLoop's dial
// handshake (which always advertises LastAppliedLSN) re-requests the
// primary resume from there. If the primary reports it cannot
// (truncated history), this node must be re-seeded from a full
// snapshot and is marked Divergent in the meantime.
func (e *Engine) requestResync(conn net.Conn) {
	vmetrics.StandbyState.WithLabelValues(e.nodeName, string(StandbyDivergent)).Set(1)
	if e.events != nil {
		e.events.Publish(&vevents.Event{
			Type:    vevents.EventStandbyDivergent,
			Message: "gap in replication stream could not be resolved by reconnect; snapshot re-seed required",
		})
	}
	conn.Close()
}
