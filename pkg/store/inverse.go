package store

import (
	"sort"
	"sync"

	"github.com/veloxdb/veloxdb/pkg/veloxtype"
)

// inverseKey identifies one InverseReferenceSet: the target object and
// the (source class, slot) reference descriptor pointing at it. The
// source class is part of the key because distinct classes may each
// declare a reference slot at the same ordinal index.
type inverseKey struct {
	target      veloxtype.ObjectId
	sourceClass veloxtype.ClassId
	slot        int
}

// InverseSet is the set of all live sources pointing at a target
// through one reference slot. Membership is tracked in a sorted slice
// so lookup is O(log n); iteration order is the sort order, which
// callers must treat as unordered.
type InverseSet struct {
	mu  sync.RWMutex
	ids []veloxtype.ObjectId
}

func newInverseSet() *InverseSet {
	return &InverseSet{}
}

// Add inserts source into the set. No-op if already present.
func (s *InverseSet) Add(source veloxtype.ObjectId) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= source })
	if i < len(s.ids) && s.ids[i] == source {
		return
	}
	s.ids = append(s.ids, 0)
	copy(s.ids[i+1:], s.ids[i:])
	s.ids[i] = source
}

// Remove deletes source from the set. No-op if absent.
func (s *InverseSet) Remove(source veloxtype.ObjectId) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= source })
	if i >= len(s.ids) || s.ids[i] != source {
		return
	}
	s.ids = append(s.ids[:i], s.ids[i+1:]...)
}

// Contains reports whether source is currently a member.
func (s *InverseSet) Contains(source veloxtype.ObjectId) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= source })
	return i < len(s.ids) && s.ids[i] == source
}

// Len returns the current cardinality of the set.
func (s *InverseSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// Snapshot returns a copy of the current members, safe to iterate
// without holding the set's lock.
func (s *InverseSet) Snapshot() []veloxtype.ObjectId {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]veloxtype.ObjectId, len(s.ids))
	copy(out, s.ids)
	return out
}
