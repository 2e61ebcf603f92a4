package txn

import (
	"fmt"

	"github.com/veloxdb/veloxdb/pkg/veloxtype"
	"github.com/veloxdb/veloxdb/pkg/verror"
)

// extendWithCascade runs the breadth-first cascade-delete traversal:
// starting from every object staged for delete, it
// walks each indexed reference slot targeting that object's class and
// applies the slot's OnDelete policy. The traversal is bounded by the
// set of deleted objects and terminates because the object graph is
// finite and a given (target, slot) inverse set is only consulted once
// per object reaching the queue.
func (m *Manager) extendWithCascade(writes map[veloxtype.ObjectId]*pendingMutation) error {
	queue := make([]veloxtype.ObjectId, 0, len(writes))
	for id, pm := range writes {
		if pm.kind == veloxtype.MutationDelete {
			queue = append(queue, id)
		}
	}

	processed := make(map[veloxtype.ObjectId]bool)
	classes := m.store.Classes()

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if processed[id] {
			continue
		}
		processed[id] = true

		targetClassID := writes[id].classID

		for _, srcClass := range classes {
			for slotIdx, ref := range srcClass.References {
				if !ref.Indexed || ref.TargetClass != targetClassID {
					continue
				}

				set := m.store.InverseSet(id, srcClass.ID, slotIdx)
				for _, source := range set.Snapshot() {
					if err := m.applyCascadePolicy(writes, &queue, ref, srcClass.ID, slotIdx, id, source); err != nil {
						return err
					}
				}
			}
		}
	}

	return nil
}

func (m *Manager) applyCascadePolicy(
	writes map[veloxtype.ObjectId]*pendingMutation,
	queue *[]veloxtype.ObjectId,
	ref veloxtype.ReferenceDescriptor,
	sourceClassID veloxtype.ClassId,
	slotIdx int,
	target veloxtype.ObjectId,
	source veloxtype.ObjectId,
) error {
	existing, sourceStaged := writes[source]

	switch ref.OnDelete {
	case veloxtype.OnDeleteBlock:
		if !sourceStaged || existing.kind != veloxtype.MutationDelete {
			return &verror.IntegrityError{
				Reason: fmt.Sprintf("object %d blocked by live reference from object %d (slot %d)", target, source, slotIdx),
			}
		}

	case veloxtype.OnDeleteCascade:
		if sourceStaged {
			return nil
		}
		cur, err := m.store.ReadLatest(source)
		if err != nil {
			return nil // already gone; nothing to cascade
		}
		writes[source] = &pendingMutation{kind: veloxtype.MutationDelete, classID: sourceClassID, before: cur}
		*queue = append(*queue, source)

	case veloxtype.OnDeleteSetNull:
		if sourceStaged {
			return nil
		}
		cur, err := m.store.ReadLatest(source)
		if err != nil {
			return nil
		}
		next := &veloxtype.Version{
			Properties: append([]any(nil), cur.Properties...),
			References: append([]veloxtype.RefValue(nil), cur.References...),
		}
		if slotIdx < len(next.References) {
			if ref.Cardinality == veloxtype.CardinalityOne {
				next.References[slotIdx] = veloxtype.RefValue{}
			} else {
				next.References[slotIdx] = removeFromMany(next.References[slotIdx], target)
			}
		}
		writes[source] = &pendingMutation{kind: veloxtype.MutationUpdate, classID: sourceClassID, before: cur, after: next}
	}

	return nil
}

func removeFromMany(rv veloxtype.RefValue, target veloxtype.ObjectId) veloxtype.RefValue {
	out := rv
	out.Many = nil
	for _, id := range rv.Many {
		if id != target {
			out.Many = append(out.Many, id)
		}
	}
	return out
}
