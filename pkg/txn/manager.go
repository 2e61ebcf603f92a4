package txn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/veloxdb/veloxdb/pkg/store"
	"github.com/veloxdb/veloxdb/pkg/veloxtype"
	"github.com/veloxdb/veloxdb/pkg/verror"
	"github.com/veloxdb/veloxdb/pkg/vevents"
	"github.com/veloxdb/veloxdb/pkg/vlog"
	"github.com/veloxdb/veloxdb/pkg/vmetrics"
	"github.com/veloxdb/veloxdb/pkg/wal"
)

// Appender is the subset of *wal.WAL the commit pipeline needs. A
// narrow interface keeps txn from depending on wal's on-disk layout.
type Appender interface {
	Append(recordType wal.RecordType, payload []byte) (veloxtype.LSN, error)
	FlushThrough(lsn veloxtype.LSN) error
}

// ReplicatedRecord is one committed transaction handed to the
// Replicator after it has been appended (but not yet necessarily
// flushed) to the local WAL.
type ReplicatedRecord struct {
	LSN    veloxtype.LSN
	Record *veloxtype.LogRecord
}

// Replicator sends a batch of newly-appended records to configured
// standbys and applies the primary's durability/sync policy. It must
// not return an error for an ordinary Sync-standby timeout — that
// case degrades the standby to Failing and the commit proceeds;
// Replicate should only return an error for a primary-side fault that
// should abort the whole batch.
type Replicator interface {
	Replicate(batch []ReplicatedRecord) error
}

// GroupCommitOptions bounds how many pending commits the pipeline
// batches into one log flush and replication round-trip.
type GroupCommitOptions struct {
	MaxBatchSize  int
	MaxBatchDelay time.Duration
}

func DefaultGroupCommitOptions() GroupCommitOptions {
	return GroupCommitOptions{MaxBatchSize: 64, MaxBatchDelay: 2 * time.Millisecond}
}

type commitRequest struct {
	txn   *Txn
	reply chan commitResult
}

type commitResult struct {
	csn veloxtype.CSN
	err error
}

// Manager is the transaction manager: it hands out Txns and owns the
// single-threaded commit pipeline that gives every committed
// transaction a total CSN order.
type Manager struct {
	store      *store.Store
	wal        Appender
	replicator Replicator
	opts       GroupCommitOptions

	nextCSN atomic.Uint64

	// activeSnapshots counts in-flight transactions per snapshot CSN,
	// so the version garbage collector knows the oldest snapshot any
	// live reader might still observe.
	snapMu          sync.Mutex
	activeSnapshots map[veloxtype.CSN]int

	commitCh chan *commitRequest
	stopCh   chan struct{}
	events   *vevents.Broker
}

// NewManager constructs a Manager over store s, appending commit
// records to appender and optionally shipping them to replicator.
// events may be nil.
func NewManager(s *store.Store, appender Appender, replicator Replicator, events *vevents.Broker, opts GroupCommitOptions) *Manager {
	m := &Manager{
		store:           s,
		wal:             appender,
		replicator:      replicator,
		opts:            opts,
		activeSnapshots: make(map[veloxtype.CSN]int),
		commitCh:        make(chan *commitRequest, 1024),
		stopCh:          make(chan struct{}),
		events:          events,
	}
	go m.runCommitter()
	return m
}

// Stop halts the commit pipeline goroutine. In-flight commits already
// queued are processed before shutdown.
func (m *Manager) Stop() {
	close(m.stopCh)
}

// SetLastCommittedCSN initializes the CSN allocator after WAL
// recovery or a standby apply: last is the highest CSN already
// reflected in the store, so the next commit is assigned last+1 and
// the sequence stays gap-free.
func (m *Manager) SetLastCommittedCSN(last veloxtype.CSN) {
	m.nextCSN.Store(uint64(last))
}

// SetReplicator installs r as the destination for future committed
// batches. cmd/veloxdb uses this to break the construction cycle
// between the Manager and the Replication Engine: the Engine's
// constructor takes a *Manager (its standby applier advances the
// Manager's CSN allocator directly), so the Manager itself must come
// into being with a nil replicator and learn about the Engine
// afterward.
func (m *Manager) SetReplicator(r Replicator) {
	m.replicator = r
}

// CurrentCSN returns the highest CSN a new Read transaction would
// take as its snapshot right now. Used by pkg/checkpoint to pick the
// snapshot a checkpoint image is taken at.
func (m *Manager) CurrentCSN() veloxtype.CSN {
	return veloxtype.CSN(m.nextCSN.Load())
}

// Begin starts a new transaction. A Read transaction takes its
// snapshot CSN immediately; a ReadWrite transaction builds its
// write-set locally and only serializes inside the commit pipeline.
func (m *Manager) Begin(mode Mode) *Txn {
	snapshot := veloxtype.CSN(m.nextCSN.Load())
	m.trackSnapshot(snapshot)
	return &Txn{
		mgr:      m,
		mode:     mode,
		snapshot: snapshot,
		writes:   make(map[veloxtype.ObjectId]*pendingMutation),
	}
}

func (m *Manager) trackSnapshot(s veloxtype.CSN) {
	m.snapMu.Lock()
	m.activeSnapshots[s]++
	m.snapMu.Unlock()
}

func (m *Manager) releaseSnapshot(s veloxtype.CSN) {
	m.snapMu.Lock()
	if n := m.activeSnapshots[s]; n <= 1 {
		delete(m.activeSnapshots, s)
	} else {
		m.activeSnapshots[s] = n - 1
	}
	m.snapMu.Unlock()
}

// MinActiveSnapshot returns the oldest snapshot CSN any in-flight
// transaction still reads from, or the current CSN when none is
// active. Versions older than this are unobservable and safe for
// Store.PruneVersions to reclaim.
func (m *Manager) MinActiveSnapshot() veloxtype.CSN {
	min := m.CurrentCSN()
	m.snapMu.Lock()
	for s := range m.activeSnapshots {
		if s < min {
			min = s
		}
	}
	m.snapMu.Unlock()
	return min
}

func (m *Manager) submit(t *Txn) (veloxtype.CSN, error) {
	req := &commitRequest{txn: t, reply: make(chan commitResult, 1)}
	m.commitCh <- req
	res := <-req.reply
	return res.csn, res.err
}

// runCommitter is the dedicated committer goroutine: it drains the
// request channel in arrival order, batching up to MaxBatchSize
// requests (or until MaxBatchDelay elapses) into one log flush and
// one replication round-trip (group commit).
func (m *Manager) runCommitter() {
	timer := time.NewTimer(m.opts.MaxBatchDelay)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-m.stopCh:
			return
		case first := <-m.commitCh:
			batch := []*commitRequest{first}
			timer.Reset(m.opts.MaxBatchDelay)

		collect:
			for len(batch) < m.opts.MaxBatchSize {
				select {
				case req := <-m.commitCh:
					batch = append(batch, req)
				case <-timer.C:
					break collect
				default:
					break collect
				}
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}

			vmetrics.CommitQueueDepth.Set(float64(len(m.commitCh)))
			m.processBatch(batch)
		}
	}
}

// committed pairs a request that survived commitOne with the CSN it
// was assigned, deferring its reply until the batch's WAL flush and
// (on a Primary) replication acknowledgement have both settled — the
// client may not observe a commit before it is durable and, for every
// Sync standby, replicated.
type committed struct {
	req *commitRequest
	csn veloxtype.CSN
}

func (m *Manager) processBatch(batch []*commitRequest) {
	var ok []committed
	var replicated []ReplicatedRecord
	var lastLSN veloxtype.LSN
	haveLSN := false

	for _, req := range batch {
		timer := vmetrics.NewTimer()
		csn, lsn, err := m.commitOne(req.txn)
		timer.ObserveDuration(vmetrics.CommitDuration)

		if err != nil {
			vmetrics.TransactionsTotal.WithLabelValues(outcomeLabel(err)).Inc()
			req.reply <- commitResult{err: err}
			continue
		}

		ok = append(ok, committed{req: req, csn: csn})
		replicated = append(replicated, ReplicatedRecord{LSN: lsn, Record: req.txn.builtRecord})
		lastLSN = lsn
		haveLSN = true
	}

	if !haveLSN {
		return
	}

	if err := m.wal.FlushThrough(lastLSN); err != nil {
		vlog.WithComponent("txn").Error().Err(err).Msg("WAL flush failed for committed batch")
		for _, c := range ok {
			vmetrics.TransactionsTotal.WithLabelValues("aborted").Inc()
			c.req.reply <- commitResult{err: err}
		}
		return
	}

	if m.replicator != nil {
		if err := m.replicator.Replicate(replicated); err != nil {
			vlog.WithComponent("txn").Error().Err(err).Msg("replication of committed batch failed")
			if m.events != nil {
				m.events.Publish(&vevents.Event{Type: vevents.EventReplicationTimeout, Message: err.Error()})
			}
		}
	}

	for _, c := range ok {
		vmetrics.TransactionsTotal.WithLabelValues("committed").Inc()
		c.req.reply <- commitResult{csn: c.csn}
	}
}

func outcomeLabel(err error) string {
	switch err.(type) {
	case *verror.ConflictError:
		return "conflict"
	case *verror.IntegrityError:
		return "integrity_error"
	default:
		return "aborted"
	}
}

// commitOne validates and installs a single transaction's write-set.
// It returns the assigned CSN and the LSN its log record was appended
// at.
func (m *Manager) commitOne(t *Txn) (veloxtype.CSN, veloxtype.LSN, error) {
	if err := m.validateConflicts(t); err != nil {
		return 0, veloxtype.LSN{}, err
	}

	writes := make(map[veloxtype.ObjectId]*pendingMutation, len(t.writes))
	for id, pm := range t.writes {
		writes[id] = pm
	}
	if err := m.extendWithCascade(writes); err != nil {
		return 0, veloxtype.LSN{}, err
	}
	if err := m.validateIntegrity(writes); err != nil {
		return 0, veloxtype.LSN{}, err
	}

	csn := veloxtype.CSN(m.nextCSN.Add(1))

	mutations := make([]veloxtype.Mutation, 0, len(writes))
	for id, pm := range writes {
		if pm.after != nil {
			pm.after.CreateCSN = csn
		}
		switch pm.kind {
		case veloxtype.MutationCreate:
			if err := m.store.WriteVersion(id, pm.after); err != nil {
				return 0, veloxtype.LSN{}, err
			}
			reconcileInverseSet(m.store, pm.classID, id, pm.before, pm.after)
		case veloxtype.MutationUpdate:
			if err := m.store.WriteVersion(id, pm.after); err != nil {
				return 0, veloxtype.LSN{}, err
			}
			reconcileInverseSet(m.store, pm.classID, id, pm.before, pm.after)
		case veloxtype.MutationDelete:
			if err := m.store.Delete(id, csn); err != nil {
				return 0, veloxtype.LSN{}, err
			}
			reconcileInverseSet(m.store, pm.classID, id, pm.before, pm.after)
		}
		mutations = append(mutations, veloxtype.Mutation{
			Kind: pm.kind, Object: id, ClassID: pm.classID,
			Before: shallowVersion(pm.before), After: shallowVersion(pm.after),
		})
	}
	if len(writes) > len(t.writes) {
		vmetrics.CascadeDeletesTotal.Add(float64(len(writes) - len(t.writes)))
	}

	record := &veloxtype.LogRecord{CSN: csn, Mutations: mutations}
	payload, err := EncodeLogRecord(record)
	if err != nil {
		return 0, veloxtype.LSN{}, err
	}

	walTimer := vmetrics.NewTimer()
	lsn, err := m.wal.Append(wal.RecordCommit, payload)
	walTimer.ObserveDuration(vmetrics.WALAppendDuration)
	if err != nil {
		return 0, veloxtype.LSN{}, err
	}

	t.builtRecord = record
	vlog.WithCSN(uint64(csn)).Debug().Int("mutations", len(mutations)).Msg("transaction committed")
	return csn, lsn, nil
}

// reconcileInverseSet updates the InverseSet side-table for every
// indexed reference slot touched by a transition between before and
// after (nil on the side that doesn't apply). It is shared by the
// commit pipeline and by Replay, which both install a version
// transition for source under classID but otherwise have nothing else
// in common (a live *pendingMutation vs. a logged veloxtype.Mutation).
func reconcileInverseSet(s *store.Store, classID veloxtype.ClassId, source veloxtype.ObjectId, before, after *veloxtype.Version) {
	class := s.ClassOf(classID)
	if class == nil {
		return
	}

	for slot, ref := range class.References {
		if !ref.Indexed {
			continue
		}
		var oldRV, newRV veloxtype.RefValue
		if before != nil && slot < len(before.References) {
			oldRV = before.References[slot]
		}
		if after != nil && slot < len(after.References) {
			newRV = after.References[slot]
		}

		for _, target := range oldTargets(oldRV) {
			if !containsTarget(newTargets(newRV), target) {
				s.InverseSet(target, classID, slot).Remove(source)
			}
		}
		for _, target := range newTargets(newRV) {
			if !containsTarget(oldTargets(oldRV), target) {
				s.InverseSet(target, classID, slot).Add(source)
			}
		}
	}
}

// shallowVersion copies v without its Next link, so a logged Mutation
// carries only the version it names and not the object's whole
// preceding chain.
func shallowVersion(v *veloxtype.Version) *veloxtype.Version {
	if v == nil {
		return nil
	}
	cp := *v
	cp.Next = nil
	return &cp
}

func oldTargets(rv veloxtype.RefValue) []veloxtype.ObjectId { return targetsOf(rv) }
func newTargets(rv veloxtype.RefValue) []veloxtype.ObjectId { return targetsOf(rv) }

func targetsOf(rv veloxtype.RefValue) []veloxtype.ObjectId {
	if rv.Single != 0 {
		return []veloxtype.ObjectId{rv.Single}
	}
	return rv.Many
}

func containsTarget(ids []veloxtype.ObjectId, target veloxtype.ObjectId) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}
