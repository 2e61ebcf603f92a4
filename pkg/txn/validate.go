package txn

import (
	"github.com/veloxdb/veloxdb/pkg/veloxtype"
	"github.com/veloxdb/veloxdb/pkg/verror"
)

// validateConflicts implements first-committer-wins: a transaction's
// commit fails if any object it wrote was itself written (created,
// updated, or deleted) by a transaction that committed after this
// transaction's snapshot was taken.
func (m *Manager) validateConflicts(t *Txn) error {
	for id, pm := range t.writes {
		createCSN, tombstoneCSN, exists, err := m.store.LatestCSN(id)
		if err != nil {
			if pm.kind == veloxtype.MutationCreate {
				continue // freshly allocated this transaction, nothing to conflict with
			}
			return err
		}
		if !exists {
			continue
		}
		if createCSN > t.snapshot {
			return &verror.ConflictError{ObjectID: uint64(id)}
		}
		if tombstoneCSN != 0 && tombstoneCSN > t.snapshot && pm.kind != veloxtype.MutationCreate {
			return &verror.ConflictError{ObjectID: uint64(id)}
		}
	}
	return nil
}

// validateIntegrity checks nullability constraints and reference
// target liveness across the transaction's (possibly
// cascade-extended) write-set. Block-policy violations are raised by
// extendWithCascade already; this pass catches dangling references
// and null violations independent of cascade.
func (m *Manager) validateIntegrity(writes map[veloxtype.ObjectId]*pendingMutation) error {
	for id, pm := range writes {
		if pm.kind == veloxtype.MutationDelete || pm.after == nil {
			continue
		}
		class := m.store.ClassOf(pm.classID)
		if class == nil {
			return &verror.IntegrityError{Reason: "unknown class during commit validation"}
		}

		for i, prop := range class.Properties {
			if i >= len(pm.after.Properties) {
				continue
			}
			if pm.after.Properties[i] == nil && !prop.Nullable {
				return &verror.IntegrityError{Reason: "null value for non-nullable property " + prop.Name}
			}
		}

		for i, ref := range class.References {
			if i >= len(pm.after.References) {
				continue
			}
			rv := pm.after.References[i]
			if ref.Cardinality == veloxtype.CardinalityOne {
				if rv.IsNull() {
					continue
				}
				if err := m.checkTargetLive(writes, rv.Single, ref.TargetClass); err != nil {
					return err
				}
			} else {
				for _, target := range rv.Many {
					if err := m.checkTargetLive(writes, target, ref.TargetClass); err != nil {
						return err
					}
				}
			}
		}
		_ = id
	}
	return nil
}

func (m *Manager) checkTargetLive(writes map[veloxtype.ObjectId]*pendingMutation, target veloxtype.ObjectId, wantClass veloxtype.ClassId) error {
	if pm, ok := writes[target]; ok {
		if pm.kind == veloxtype.MutationDelete {
			return &verror.IntegrityError{Reason: "reference targets an object deleted in the same transaction"}
		}
		if pm.classID != wantClass {
			return &verror.IntegrityError{Reason: "reference targets an object of the wrong class"}
		}
		return nil
	}

	classID, err := m.store.ClassIDOf(target)
	if err != nil {
		return &verror.IntegrityError{Reason: "reference targets a nonexistent object"}
	}
	if classID != wantClass {
		return &verror.IntegrityError{Reason: "reference targets an object of the wrong class"}
	}
	if _, err := m.store.ReadLatest(target); err != nil {
		return &verror.IntegrityError{Reason: "reference targets a deleted object"}
	}
	return nil
}
