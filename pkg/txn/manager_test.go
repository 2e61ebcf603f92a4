package txn

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/veloxdb/veloxdb/pkg/store"
	"github.com/veloxdb/veloxdb/pkg/veloxtype"
	"github.com/veloxdb/veloxdb/pkg/verror"
	"github.com/veloxdb/veloxdb/pkg/wal"
)

// memAppender is a minimal in-memory stand-in for *wal.WAL, sufficient
// to exercise the commit pipeline without touching disk.
type memAppender struct {
	mu   sync.Mutex
	next uint32
}

func (a *memAppender) Append(recordType wal.RecordType, payload []byte) (veloxtype.LSN, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	return veloxtype.LSN{Segment: 0, Offset: a.next}, nil
}

func (a *memAppender) FlushThrough(lsn veloxtype.LSN) error { return nil }

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	s := store.New()
	s.RegisterClass(&veloxtype.Class{
		ID:   1,
		Name: "Blog",
		Properties: []veloxtype.PropertyDescriptor{
			{Name: "Url", Type: veloxtype.ScalarString},
		},
	})

	m := NewManager(s, &memAppender{}, nil, nil, GroupCommitOptions{MaxBatchSize: 16, MaxBatchDelay: time.Millisecond})
	t.Cleanup(m.Stop)
	return m, s
}

func TestCreateGetDeleteRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)

	create := m.Begin(ReadWrite)
	id, err := create.Create(1, []any{"http://x"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := create.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	read := m.Begin(Read)
	v, err := read.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.Properties[0] != "http://x" {
		t.Errorf("expected Url http://x, got %v", v.Properties[0])
	}

	del := m.Begin(ReadWrite)
	if err := del.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := del.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	afterDelete := m.Begin(Read)
	if _, err := afterDelete.Get(id); err == nil {
		t.Error("expected NotFound after delete")
	}
}

func TestWriteWriteConflict(t *testing.T) {
	m, _ := newTestManager(t)

	create := m.Begin(ReadWrite)
	id, _ := create.Create(1, []any{"http://x"}, nil)
	if _, err := create.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	a := m.Begin(ReadWrite)
	b := m.Begin(ReadWrite)

	if err := a.Update(id, []any{"http://a"}, nil); err != nil {
		t.Fatalf("a.Update: %v", err)
	}
	if err := b.Update(id, []any{"http://b"}, nil); err != nil {
		t.Fatalf("b.Update: %v", err)
	}

	_, errA := a.Commit()
	_, errB := b.Commit()

	if errA != nil && errB != nil {
		t.Fatal("expected exactly one of the two conflicting transactions to commit")
	}
	if errA == nil && errB == nil {
		t.Fatal("expected exactly one conflict, both committed")
	}

	conflict := errA
	if conflict == nil {
		conflict = errB
	}
	if _, ok := conflict.(*verror.ConflictError); !ok {
		t.Errorf("expected ConflictError, got %T: %v", conflict, conflict)
	}
}

func TestConcurrentConflictingWritesExactlyOneWins(t *testing.T) {
	m, _ := newTestManager(t)

	create := m.Begin(ReadWrite)
	id, _ := create.Create(1, []any{"http://x"}, nil)
	if _, err := create.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Every transaction takes its snapshot (and stages its write)
	// before any of them reaches the committer, so all n genuinely
	// conflict and first-committer-wins admits exactly one.
	const n = 8
	txns := make([]*Txn, n)
	for i := 0; i < n; i++ {
		txns[i] = m.Begin(ReadWrite)
		if err := txns[i].Update(id, []any{fmt.Sprintf("http://%d", i)}, nil); err != nil {
			t.Fatalf("Update %d: %v", i, err)
		}
	}

	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := txns[i].Commit()
			results[i] = err
		}(i)
	}
	wg.Wait()

	committed := 0
	for _, err := range results {
		if err == nil {
			committed++
		}
	}
	if committed != 1 {
		t.Errorf("expected exactly 1 commit among %d conflicting writers, got %d", n, committed)
	}
}

func TestCascadeDelete(t *testing.T) {
	m, s := newTestManager(t)
	s.RegisterClass(&veloxtype.Class{
		ID:   2,
		Name: "Post",
		References: []veloxtype.ReferenceDescriptor{
			{Name: "Blog", TargetClass: 1, Cardinality: veloxtype.CardinalityOne, OnDelete: veloxtype.OnDeleteCascade, Indexed: true},
		},
	})

	create := m.Begin(ReadWrite)
	blogID, _ := create.Create(1, []any{"http://x"}, nil)
	postID, err := create.Create(2, nil, []veloxtype.RefValue{{Single: blogID}})
	if err != nil {
		t.Fatalf("Create post: %v", err)
	}
	if _, err := create.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	del := m.Begin(ReadWrite)
	if err := del.Delete(blogID); err != nil {
		t.Fatalf("Delete blog: %v", err)
	}
	if _, err := del.Commit(); err != nil {
		t.Fatalf("Commit delete: %v", err)
	}

	read := m.Begin(Read)
	if _, err := read.Get(postID); err == nil {
		t.Error("expected cascade-deleted post to be gone")
	}
}

func TestDeleteBlockedByLiveReference(t *testing.T) {
	m, s := newTestManager(t)
	s.RegisterClass(&veloxtype.Class{
		ID:   3,
		Name: "Comment",
		References: []veloxtype.ReferenceDescriptor{
			{Name: "Blog", TargetClass: 1, Cardinality: veloxtype.CardinalityOne, OnDelete: veloxtype.OnDeleteBlock, Indexed: true},
		},
	})

	create := m.Begin(ReadWrite)
	blogID, _ := create.Create(1, []any{"http://x"}, nil)
	if _, err := create.Create(3, nil, []veloxtype.RefValue{{Single: blogID}}); err != nil {
		t.Fatalf("Create comment: %v", err)
	}
	if _, err := create.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	del := m.Begin(ReadWrite)
	if err := del.Delete(blogID); err != nil {
		t.Fatalf("Delete blog: %v", err)
	}
	if _, err := del.Commit(); err == nil {
		t.Error("expected delete blocked by live Comment reference to fail")
	} else if _, ok := err.(*verror.IntegrityError); !ok {
		t.Errorf("expected IntegrityError, got %T: %v", err, err)
	}
}

func TestMinActiveSnapshotTracksOldestReader(t *testing.T) {
	m, _ := newTestManager(t)

	create := m.Begin(ReadWrite)
	if _, err := create.Create(1, []any{"http://x"}, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := create.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	old := m.Begin(Read)
	if got := m.MinActiveSnapshot(); got != old.snapshot {
		t.Fatalf("expected min active snapshot %d, got %d", old.snapshot, got)
	}

	// A later writer does not lower the horizon, and releasing the old
	// reader advances it to the current CSN.
	update := m.Begin(ReadWrite)
	update.Abort()
	if _, err := old.Commit(); err != nil {
		t.Fatalf("Commit read txn: %v", err)
	}
	if got, cur := m.MinActiveSnapshot(), m.CurrentCSN(); got != cur {
		t.Fatalf("expected horizon to advance to %d after release, got %d", cur, got)
	}
}
