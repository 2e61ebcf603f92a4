// Package verror defines the typed error kinds surfaced at the
// dispatcher boundary. Everything raised below the dispatcher —
// object-store, transaction-manager, WAL, and replication failures —
// is translated into one of these before it reaches a client; nothing
// else leaks out.
package verror

import "fmt"

// ClientProtocolError reports a malformed wire frame. The connection
// is closed.
type ClientProtocolError struct {
	Reason string
}

func (e *ClientProtocolError) Error() string {
	return fmt.Sprintf("client protocol error: %s", e.Reason)
}

// AuthError reports a TLS or certificate failure during handshake.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// OperationUnknown reports a dispatcher registry miss for the named
// api/operation pair.
type OperationUnknown struct {
	APIName string
	OpName  string
}

func (e *OperationUnknown) Error() string {
	return fmt.Sprintf("unknown operation %s.%s", e.APIName, e.OpName)
}

// ArgumentError reports an argument that failed schema validation.
type ArgumentError struct {
	Field  string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Field, e.Reason)
}

// NotFound reports a missing object.
type NotFound struct {
	ObjectID  uint64
	ClassName string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s %d not found", e.ClassName, e.ObjectID)
}

// ConflictError reports a first-committer-wins MVCC write-write
// conflict. The caller may retry in a new transaction.
type ConflictError struct {
	ObjectID uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("write-write conflict on object %d", e.ObjectID)
}

// IntegrityError reports a violated reference, cascade, or null-ability
// rule detected during commit validation.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation: %s", e.Reason)
}

// NotPrimary reports a ReadWrite operation attempted against a
// Standby. CurrentEpochLeaderHint, when non-empty, names the node the
// caller should redirect to.
type NotPrimary struct {
	CurrentEpochLeaderHint string
}

func (e *NotPrimary) Error() string {
	if e.CurrentEpochLeaderHint == "" {
		return "not primary"
	}
	return fmt.Sprintf("not primary, current primary hint: %s", e.CurrentEpochLeaderHint)
}

// Busy reports admission-control or backpressure rejection. The
// caller should retry with backoff.
type Busy struct {
	Reason string
}

func (e *Busy) Error() string {
	return fmt.Sprintf("busy: %s", e.Reason)
}

// ReplicationTimeout reports that a synchronous standby did not
// acknowledge within its configured timeout. The standby degrades to
// Failing; this is operator-visible, not fatal.
type ReplicationTimeout struct {
	Standby      string
	WaitedMillis int64
}

func (e *ReplicationTimeout) Error() string {
	return fmt.Sprintf("replication timeout waiting on standby %q after %dms", e.Standby, e.WaitedMillis)
}

// StorageCorruption reports a checksum mismatch or broken structural
// invariant detected during a read or WAL replay. It is fatal: the
// caller must exit the process after logging diagnostics.
type StorageCorruption struct {
	Detail string
}

func (e *StorageCorruption) Error() string {
	return fmt.Sprintf("storage corruption detected: %s", e.Detail)
}
