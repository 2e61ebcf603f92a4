package txn

import (
	"github.com/veloxdb/veloxdb/pkg/veloxtype"
	"github.com/veloxdb/veloxdb/pkg/verror"
)

// Mode selects a transaction's isolation/write behavior.
type Mode int

const (
	Read Mode = iota
	ReadWrite
)

// pendingMutation is one object's staged change inside a transaction's
// local write-set, not yet validated or installed.
type pendingMutation struct {
	kind    veloxtype.MutationKind
	classID veloxtype.ClassId
	before  *veloxtype.Version
	after   *veloxtype.Version
}

// Txn is a single in-flight transaction.
type Txn struct {
	mgr         *Manager
	mode        Mode
	snapshot    veloxtype.CSN
	writes      map[veloxtype.ObjectId]*pendingMutation
	done        bool
	builtRecord *veloxtype.LogRecord // set by the committer once this txn's commit record is built
}

// Get returns the version of id visible to this transaction: its own
// uncommitted write if any, otherwise the store's snapshot view.
func (t *Txn) Get(id veloxtype.ObjectId) (*veloxtype.Version, error) {
	if pm, ok := t.writes[id]; ok {
		if pm.kind == veloxtype.MutationDelete {
			return nil, &verror.NotFound{ObjectID: uint64(id)}
		}
		return pm.after, nil
	}
	return t.mgr.store.Read(id, t.snapshot)
}

// ScanClass returns the ObjectIds of classID visible to this
// transaction's snapshot. Uncommitted writes of this transaction are
// not reflected (callers needing read-your-writes over a scan should
// track creations separately).
func (t *Txn) ScanClass(classID veloxtype.ClassId) ([]veloxtype.ObjectId, error) {
	return t.mgr.store.ScanClass(classID, t.snapshot)
}

// Create allocates a new object of classID and stages its initial
// version in the write-set.
func (t *Txn) Create(classID veloxtype.ClassId, properties []any, references []veloxtype.RefValue) (veloxtype.ObjectId, error) {
	if t.mode != ReadWrite {
		return 0, &verror.ArgumentError{Field: "mode", Reason: "Create requires a ReadWrite transaction"}
	}
	if t.mgr.store.ClassOf(classID) == nil {
		return 0, &verror.ArgumentError{Field: "classID", Reason: "unknown class"}
	}

	id := t.mgr.store.Allocate(classID)
	t.writes[id] = &pendingMutation{
		kind:    veloxtype.MutationCreate,
		classID: classID,
		after:   &veloxtype.Version{Properties: properties, References: references},
	}
	return id, nil
}

// Update stages a new property/reference state for an existing live
// object.
func (t *Txn) Update(id veloxtype.ObjectId, properties []any, references []veloxtype.RefValue) error {
	if t.mode != ReadWrite {
		return &verror.ArgumentError{Field: "mode", Reason: "Update requires a ReadWrite transaction"}
	}

	cur, err := t.Get(id)
	if err != nil {
		return err
	}

	classID, err := t.classIDOf(id)
	if err != nil {
		return err
	}

	t.writes[id] = &pendingMutation{
		kind:    veloxtype.MutationUpdate,
		classID: classID,
		before:  cur,
		after:   &veloxtype.Version{Properties: properties, References: references},
	}
	return nil
}

// Delete stages id for removal. Cascade/block/set-null handling over
// referencing objects happens during commit validation.
func (t *Txn) Delete(id veloxtype.ObjectId) error {
	if t.mode != ReadWrite {
		return &verror.ArgumentError{Field: "mode", Reason: "Delete requires a ReadWrite transaction"}
	}

	cur, err := t.Get(id)
	if err != nil {
		return err
	}
	classID, err := t.classIDOf(id)
	if err != nil {
		return err
	}

	t.writes[id] = &pendingMutation{
		kind:    veloxtype.MutationDelete,
		classID: classID,
		before:  cur,
	}
	return nil
}

// InverseSet returns the ObjectIds of sourceClass currently pointing
// at target through reference slot, read from the indexed side-table.
// Like the store's inverse sets themselves, this reflects the
// live graph rather than this transaction's read snapshot.
func (t *Txn) InverseSet(target veloxtype.ObjectId, sourceClass veloxtype.ClassId, slot int) []veloxtype.ObjectId {
	return t.mgr.store.InverseSet(target, sourceClass, slot).Snapshot()
}

func (t *Txn) classIDOf(id veloxtype.ObjectId) (veloxtype.ClassId, error) {
	if pm, ok := t.writes[id]; ok {
		return pm.classID, nil
	}
	return t.mgr.store.ClassIDOf(id)
}

// Commit submits the transaction to the commit pipeline and blocks
// until it is durable (and, for Sync standbys, replicated) or fails.
func (t *Txn) Commit() (veloxtype.CSN, error) {
	if t.done {
		return 0, &verror.ArgumentError{Field: "txn", Reason: "already completed"}
	}
	t.done = true
	defer t.mgr.releaseSnapshot(t.snapshot)

	if t.mode == Read || len(t.writes) == 0 {
		return t.snapshot, nil
	}
	return t.mgr.submit(t)
}

// Abort discards the transaction's write-set without attempting
// commit.
func (t *Txn) Abort() {
	if t.done {
		return
	}
	t.done = true
	t.mgr.releaseSnapshot(t.snapshot)
}
