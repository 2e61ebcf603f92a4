package store

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/veloxdb/veloxdb/pkg/veloxtype"
	"github.com/veloxdb/veloxdb/pkg/verror"
)

// cell is one object's slot in its class array: identity, a
// per-object write lock, and the head of its version chain.
type cell struct {
	mu      sync.Mutex
	id      veloxtype.ObjectId
	classID veloxtype.ClassId
	head    *veloxtype.Version
}

type location struct {
	classID veloxtype.ClassId
	index   int
}

// Store is the live object heap: per-class dense arrays, an ObjectId
// directory, and the inverse-reference side-table.
type Store struct {
	nextID atomic.Uint64

	dirMu     sync.RWMutex
	directory map[veloxtype.ObjectId]location

	classesMu sync.RWMutex
	classes   map[veloxtype.ClassId]*Class
	arrays    map[veloxtype.ClassId][]*cell

	inverseMu sync.Mutex
	inverse   map[inverseKey]*InverseSet
}

// Class pairs a schema descriptor with the store's bookkeeping for it.
type Class = veloxtype.Class

// New returns an empty Store. Classes must be registered with
// RegisterClass before objects of that class can be allocated.
func New() *Store {
	return &Store{
		directory: make(map[veloxtype.ObjectId]location),
		classes:   make(map[veloxtype.ClassId]*Class),
		arrays:    make(map[veloxtype.ClassId][]*cell),
		inverse:   make(map[inverseKey]*InverseSet),
	}
}

// RegisterClass adds a Class descriptor so its objects can be
// allocated and scanned.
func (s *Store) RegisterClass(c *Class) {
	s.classesMu.Lock()
	defer s.classesMu.Unlock()
	s.classes[c.ID] = c
	if _, ok := s.arrays[c.ID]; !ok {
		s.arrays[c.ID] = nil
	}
}

// ClassOf returns the registered descriptor for classID, or nil.
func (s *Store) ClassOf(classID veloxtype.ClassId) *Class {
	s.classesMu.RLock()
	defer s.classesMu.RUnlock()
	return s.classes[classID]
}

// Allocate reserves the next process-wide ObjectId and creates an
// empty cell for it in classID's array. The object is not visible to
// readers until WriteVersion installs its first version.
func (s *Store) Allocate(classID veloxtype.ClassId) veloxtype.ObjectId {
	id := veloxtype.ObjectId(s.nextID.Add(1))

	s.classesMu.Lock()
	idx := len(s.arrays[classID])
	c := &cell{id: id, classID: classID}
	s.arrays[classID] = append(s.arrays[classID], c)
	s.classesMu.Unlock()

	s.dirMu.Lock()
	s.directory[id] = location{classID: classID, index: idx}
	s.dirMu.Unlock()

	return id
}

// AllocateWithID registers an object at a caller-supplied id. Used
// during WAL replay and standby apply, where the id was already
// assigned by the primary's allocator.
func (s *Store) AllocateWithID(classID veloxtype.ClassId, id veloxtype.ObjectId) {
	s.classesMu.Lock()
	idx := len(s.arrays[classID])
	c := &cell{id: id, classID: classID}
	s.arrays[classID] = append(s.arrays[classID], c)
	s.classesMu.Unlock()

	s.dirMu.Lock()
	s.directory[id] = location{classID: classID, index: idx}
	s.dirMu.Unlock()

	for {
		cur := s.nextID.Load()
		if uint64(id) < cur || s.nextID.CompareAndSwap(cur, uint64(id)) {
			return
		}
	}
}

func (s *Store) lookup(id veloxtype.ObjectId) (*cell, error) {
	s.dirMu.RLock()
	loc, ok := s.directory[id]
	s.dirMu.RUnlock()
	if !ok {
		return nil, &verror.NotFound{ObjectID: uint64(id)}
	}

	s.classesMu.RLock()
	arr := s.arrays[loc.classID]
	s.classesMu.RUnlock()
	if loc.index < 0 || loc.index >= len(arr) {
		return nil, &verror.StorageCorruption{Detail: fmt.Sprintf("directory points past class %d array bounds", loc.classID)}
	}
	return arr[loc.index], nil
}

// Read returns the version of id visible at snapshotCSN, or
// NotFound.
func (s *Store) Read(id veloxtype.ObjectId, snapshot veloxtype.CSN) (*veloxtype.Version, error) {
	c, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	obj := &veloxtype.Object{ID: c.id, ClassID: c.classID, Head: c.head}
	v := obj.VersionAt(snapshot)
	if v == nil {
		return nil, &verror.NotFound{ObjectID: uint64(id)}
	}
	return v, nil
}

// ReadLatest returns the newest version of id regardless of any
// snapshot, for use inside the commit pipeline where the store always
// reflects the true current state.
func (s *Store) ReadLatest(id veloxtype.ObjectId) (*veloxtype.Version, error) {
	c, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.head == nil || c.head.TombstoneCSN != 0 {
		return nil, &verror.NotFound{ObjectID: uint64(id)}
	}
	return c.head, nil
}

// Classes returns a snapshot of every registered Class descriptor.
func (s *Store) Classes() []*Class {
	s.classesMu.RLock()
	defer s.classesMu.RUnlock()
	out := make([]*Class, 0, len(s.classes))
	for _, c := range s.classes {
		out = append(out, c)
	}
	return out
}

// WriteVersion prepends newVersion to id's version chain, installing
// it as the newest. Callers (the commit pipeline, or WAL replay) are
// responsible for having already validated the write; WriteVersion
// itself only performs the structural splice.
func (s *Store) WriteVersion(id veloxtype.ObjectId, newVersion *veloxtype.Version) error {
	c, err := s.lookup(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	newVersion.Next = c.head
	c.head = newVersion
	return nil
}

// Delete marks id's newest version tombstoned at csn.
func (s *Store) Delete(id veloxtype.ObjectId, csn veloxtype.CSN) error {
	c, err := s.lookup(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.head == nil {
		return &verror.NotFound{ObjectID: uint64(id)}
	}
	c.head.TombstoneCSN = csn
	return nil
}

// LatestCSN returns the create-CSN and tombstone-CSN of the newest
// version of id, for conflict validation in the commit pipeline.
// exists is false if id has never been allocated.
func (s *Store) LatestCSN(id veloxtype.ObjectId) (createCSN, tombstoneCSN veloxtype.CSN, exists bool, err error) {
	c, err := s.lookup(id)
	if err != nil {
		return 0, 0, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.head == nil {
		return 0, 0, false, nil
	}
	return c.head.CreateCSN, c.head.TombstoneCSN, true, nil
}

// ScanClass returns a snapshot slice of the ObjectIds of classID's
// live members as of snapshot, materialized eagerly rather than as a
// lazy cursor since per-class cardinalities stay small enough in
// practice.
func (s *Store) ScanClass(classID veloxtype.ClassId, snapshot veloxtype.CSN) ([]veloxtype.ObjectId, error) {
	s.classesMu.RLock()
	arr := append([]*cell(nil), s.arrays[classID]...)
	s.classesMu.RUnlock()

	var out []veloxtype.ObjectId
	for _, c := range arr {
		c.mu.Lock()
		obj := &veloxtype.Object{ID: c.id, ClassID: c.classID, Head: c.head}
		v := obj.VersionAt(snapshot)
		c.mu.Unlock()
		if v != nil {
			out = append(out, c.id)
		}
	}
	return out, nil
}

// InverseSet returns the side-table entry recording every live source
// of class sourceClass pointing at target through slot, creating it on
// first use.
func (s *Store) InverseSet(target veloxtype.ObjectId, sourceClass veloxtype.ClassId, slot int) *InverseSet {
	key := inverseKey{target: target, sourceClass: sourceClass, slot: slot}

	s.inverseMu.Lock()
	defer s.inverseMu.Unlock()
	set, ok := s.inverse[key]
	if !ok {
		set = newInverseSet()
		s.inverse[key] = set
	}
	return set
}

// PruneVersions reclaims version-chain storage no live reader can
// still observe: for every object, versions strictly older than the
// newest one visible at horizon are unlinked, and an object whose
// tombstone is at or before horizon drops its whole chain. horizon
// must be the minimum snapshot CSN of any active read transaction.
// It returns the number of versions freed.
func (s *Store) PruneVersions(horizon veloxtype.CSN) int {
	s.classesMu.RLock()
	arrays := make([][]*cell, 0, len(s.arrays))
	for _, arr := range s.arrays {
		arrays = append(arrays, arr)
	}
	s.classesMu.RUnlock()

	freed := 0
	for _, arr := range arrays {
		for _, c := range arr {
			c.mu.Lock()
			freed += pruneChain(c, horizon)
			c.mu.Unlock()
		}
	}
	return freed
}

func pruneChain(c *cell, horizon veloxtype.CSN) int {
	if c.head == nil {
		return 0
	}

	if c.head.TombstoneCSN != 0 && c.head.TombstoneCSN <= horizon {
		// Deleted before any live snapshot: nothing can see any
		// version of this object anymore.
		n := chainLen(c.head)
		c.head = nil
		return n
	}

	// The newest version with CreateCSN <= horizon serves every
	// snapshot at or after horizon; anything older is unreachable.
	for v := c.head; v != nil; v = v.Next {
		if v.CreateCSN <= horizon {
			n := chainLen(v.Next)
			v.Next = nil
			return n
		}
	}
	return 0
}

func chainLen(v *veloxtype.Version) int {
	n := 0
	for ; v != nil; v = v.Next {
		n++
	}
	return n
}

// ClassIDOf returns the class of a currently-allocated object, or
// NotFound.
func (s *Store) ClassIDOf(id veloxtype.ObjectId) (veloxtype.ClassId, error) {
	s.dirMu.RLock()
	loc, ok := s.directory[id]
	s.dirMu.RUnlock()
	if !ok {
		return 0, &verror.NotFound{ObjectID: uint64(id)}
	}
	return loc.classID, nil
}
