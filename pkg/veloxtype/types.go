package veloxtype

import "time"

// ObjectId is a process-wide, monotonically allocated identifier. It is
// never reused, even after the object it names is deleted.
type ObjectId uint64

// ClassId identifies a registered Class. Stable for the lifetime of the
// schema version that introduced it.
type ClassId uint32

// CSN is a commit sequence number: a monotonically assigned, gap-free
// ordinal over committed transactions.
type CSN uint64

// LSN is a write-ahead-log sequence number: a (segment, offset) pair
// encoded as a single monotonically increasing value for ordering and
// comparison.
type LSN struct {
	Segment uint32
	Offset  uint32
}

// Compare returns -1, 0, or 1 as l orders before, at, or after o.
func (l LSN) Compare(o LSN) int {
	switch {
	case l.Segment != o.Segment:
		if l.Segment < o.Segment {
			return -1
		}
		return 1
	case l.Offset < o.Offset:
		return -1
	case l.Offset > o.Offset:
		return 1
	default:
		return 0
	}
}

// Less reports whether l orders strictly before o.
func (l LSN) Less(o LSN) bool { return l.Compare(o) < 0 }

// ScalarType enumerates the property value kinds a Class may declare.
type ScalarType string

const (
	ScalarInt    ScalarType = "int"
	ScalarFloat  ScalarType = "float"
	ScalarString ScalarType = "string"
	ScalarBool   ScalarType = "bool"
	ScalarBytes  ScalarType = "bytes"
	ScalarTime   ScalarType = "time"
)

// PropertyDescriptor describes one scalar property of a Class.
type PropertyDescriptor struct {
	Name     string
	Type     ScalarType
	Nullable bool
	Default  any
}

// Cardinality constrains how many targets a reference slot may hold.
type Cardinality string

const (
	CardinalityOne  Cardinality = "one"
	CardinalityMany Cardinality = "many"
)

// OnDelete governs what happens to a reference edge when its target is
// deleted.
type OnDelete string

const (
	// OnDeleteBlock aborts the deleting transaction's commit while a
	// referencing edge through this slot remains live.
	OnDeleteBlock OnDelete = "Block"

	// OnDeleteCascade extends the deleting transaction's write-set to
	// also delete the referencing source.
	OnDeleteCascade OnDelete = "CascadeDelete"

	// OnDeleteSetNull rewrites the referencing source's slot to null
	// (or removes the target from a many-valued slot).
	OnDeleteSetNull OnDelete = "SetNull"
)

// ReferenceDescriptor describes one outgoing reference slot of a Class.
type ReferenceDescriptor struct {
	Name        string
	TargetClass ClassId
	Cardinality Cardinality
	OnDelete    OnDelete

	// Indexed marks that the target class maintains an
	// InverseReferenceSet for this slot.
	Indexed bool
}

// Class is a registered entity type: a stable numeric class-id, an
// ordered list of properties, and an ordered list of references.
type Class struct {
	ID         ClassId
	Name       string
	Version    uint32
	Properties []PropertyDescriptor
	References []ReferenceDescriptor
}

// PropertyIndex returns the ordinal of the named property, or -1.
func (c *Class) PropertyIndex(name string) int {
	for i, p := range c.Properties {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// ReferenceIndex returns the ordinal of the named reference slot, or -1.
func (c *Class) ReferenceIndex(name string) int {
	for i, r := range c.References {
		if r.Name == name {
			return i
		}
	}
	return -1
}

// RefValue holds the value of one reference slot: either a single
// ObjectId (Cardinality one) or a set of them (Cardinality many). A
// zero-value ObjectId(0) is never a valid id, so Single==0 means null.
type RefValue struct {
	Single ObjectId
	Many   []ObjectId
}

// IsNull reports whether a one-cardinality slot holds no target.
func (r RefValue) IsNull() bool { return r.Single == 0 && len(r.Many) == 0 }

// Version is one immutable snapshot of an object's state, linked into
// its object cell's version chain.
type Version struct {
	CreateCSN    CSN
	TombstoneCSN CSN // zero means still live as of the newest commit
	Properties   []any
	References   []RefValue
	Next         *Version // next-older version in the chain
}

// visibleAt reports whether this version is visible to a reader whose
// snapshot is snapshotCSN.
func (v *Version) visibleAt(snapshot CSN) bool {
	if v.CreateCSN > snapshot {
		return false
	}
	return v.TombstoneCSN == 0 || v.TombstoneCSN > snapshot
}

// Object identifies one heap entity: its class, its id, and the head
// of its version chain.
type Object struct {
	ID      ObjectId
	ClassID ClassId
	Head    *Version
}

// VersionAt walks the chain and returns the version visible at
// snapshot, or nil if the object did not exist (or was already
// deleted) as of that snapshot.
func (o *Object) VersionAt(snapshot CSN) *Version {
	for v := o.Head; v != nil; v = v.Next {
		if v.visibleAt(snapshot) {
			return v
		}
		if v.CreateCSN <= snapshot {
			return nil
		}
	}
	return nil
}

// MutationKind enumerates the kinds of per-object mutation a
// transaction's write-set may contain.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// Mutation is one object-level change inside a transaction's
// write-set, carrying enough information to apply or replay it.
type Mutation struct {
	Kind    MutationKind
	Object  ObjectId
	ClassID ClassId
	Before  *Version // nil for Create
	After   *Version // nil for Delete
}

// TransactionOutcome is the terminal state of a transaction.
type TransactionOutcome string

const (
	OutcomeCommitted TransactionOutcome = "Committed"
	OutcomeAborted   TransactionOutcome = "Aborted"
)

// TransactionRecord is the commit-time record of a transaction: its
// assigned CSN, the snapshot it read from, its write-set, and outcome.
type TransactionRecord struct {
	CSN         CSN
	SnapshotCSN CSN
	Mutations   []Mutation
	Outcome     TransactionOutcome
}

// LogRecord is the unit of WAL storage and replication: a
// length-prefixed blob carrying a transaction's CSN, the schema
// version in effect, and its ordered mutation entries.
type LogRecord struct {
	CSN           CSN
	SchemaVersion uint32
	Mutations     []Mutation
	CommittedAt   time.Time
}
