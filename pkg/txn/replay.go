package txn

import (
	"fmt"

	"github.com/veloxdb/veloxdb/pkg/store"
	"github.com/veloxdb/veloxdb/pkg/veloxtype"
	"github.com/veloxdb/veloxdb/pkg/verror"
)

// Replay installs one already-committed LogRecord into s, reproducing
// the effect commitOne had on the node that originally produced it.
// It is the shared landing point for WAL crash recovery (wal.Recover's
// Apply callback, replaying this node's own log) and for a standby's
// replication applier (installing LogBatch frames shipped by the
// primary) — both cases are "make the store agree with a record that
// was already durably ordered elsewhere", never validation.
//
// Replay does not re-run conflict or integrity checks: those were
// already enforced once, by the commitOne call that produced rec.
func Replay(s *store.Store, rec *veloxtype.LogRecord) error {
	for _, mu := range rec.Mutations {
		if err := replayMutation(s, rec.CSN, mu); err != nil {
			return fmt.Errorf("txn: replay CSN %d object %d: %w", rec.CSN, mu.Object, err)
		}
	}
	return nil
}

func replayMutation(s *store.Store, csn veloxtype.CSN, mu veloxtype.Mutation) error {
	_, _, exists, err := s.LatestCSN(mu.Object)
	if err != nil {
		if _, ok := err.(*verror.NotFound); !ok {
			return err
		}
		exists = false
	}

	switch mu.Kind {
	case veloxtype.MutationCreate, veloxtype.MutationUpdate:
		if mu.After == nil {
			return fmt.Errorf("%s mutation missing After version", mu.Kind)
		}
		if !exists {
			s.AllocateWithID(mu.ClassID, mu.Object)
		}
		if err := s.WriteVersion(mu.Object, cloneVersion(mu.After)); err != nil {
			return err
		}
		reconcileInverseSet(s, mu.ClassID, mu.Object, mu.Before, mu.After)

	case veloxtype.MutationDelete:
		if !exists {
			return &verror.NotFound{ObjectID: uint64(mu.Object)}
		}
		if err := s.Delete(mu.Object, csn); err != nil {
			return err
		}
		reconcileInverseSet(s, mu.ClassID, mu.Object, mu.Before, nil)

	default:
		return fmt.Errorf("unknown mutation kind %v", mu.Kind)
	}
	return nil
}

// cloneVersion copies v so WriteVersion's Next splice never mutates a
// version a caller (e.g. an in-flight LogBatch frame) still holds a
// reference to.
func cloneVersion(v *veloxtype.Version) *veloxtype.Version {
	cp := *v
	cp.Next = nil
	return &cp
}
