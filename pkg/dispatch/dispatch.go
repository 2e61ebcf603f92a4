package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/veloxdb/veloxdb/pkg/txn"
	"github.com/veloxdb/veloxdb/pkg/verror"
)

// HandlerFunc implements one registered operation. It is given the
// transaction the Dispatcher opened on its behalf and the raw request
// argument blob, and returns the raw response payload.
type HandlerFunc func(t *txn.Txn, args []byte) ([]byte, error)

// operation pairs a handler with the isolation mode Invoke must open
// its transaction in.
type operation struct {
	mode    txn.Mode
	handler HandlerFunc
}

// RoleProvider reports whether this node currently accepts ReadWrite
// operations. cmd/veloxdb wires this to the Replication Engine's role
// state.
type RoleProvider interface {
	// IsPrimary reports whether this node is currently Primary.
	IsPrimary() bool
	// PrimaryHint names the node ReadWrite callers should redirect
	// to, or "" if unknown.
	PrimaryHint() string
}

// alwaysPrimary is the RoleProvider used when a Dispatcher is
// constructed without replication (single-node operation).
type alwaysPrimary struct{}

func (alwaysPrimary) IsPrimary() bool     { return true }
func (alwaysPrimary) PrimaryHint() string { return "" }

// Dispatcher holds the {apiName: {opName: operation}} registry and
// binds invocations to the Transaction Manager.
type Dispatcher struct {
	mu   sync.RWMutex
	apis map[string]map[string]*operation
	txns *txn.Manager
	role RoleProvider
}

// New constructs a Dispatcher over txns. role may be nil, in which
// case this node is always treated as Primary (single-node operation).
func New(txns *txn.Manager, role RoleProvider) *Dispatcher {
	if role == nil {
		role = alwaysPrimary{}
	}
	return &Dispatcher{
		apis: make(map[string]map[string]*operation),
		txns: txns,
		role: role,
	}
}

// Register adds handler under apiName.opName, declaring the
// transaction mode Invoke must open for it. Registering the same
// apiName/opName pair twice replaces the previous handler.
func (d *Dispatcher) Register(apiName, opName string, mode txn.Mode, handler HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ops, ok := d.apis[apiName]
	if !ok {
		ops = make(map[string]*operation)
		d.apis[apiName] = ops
	}
	ops[opName] = &operation{mode: mode, handler: handler}
}

func (d *Dispatcher) lookup(apiName, opName string) (*operation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ops, ok := d.apis[apiName]
	if !ok {
		return nil, &verror.OperationUnknown{APIName: apiName, OpName: opName}
	}
	op, ok := ops[opName]
	if !ok {
		return nil, &verror.OperationUnknown{APIName: apiName, OpName: opName}
	}
	return op, nil
}

// Invoke routes one request to its registered handler: it opens a
// transaction in the handler's declared mode, runs the handler, and
// commits (or aborts) before returning. A ReadWrite invocation on a
// non-Primary node is rejected with NotPrimary before a transaction is
// even opened.
func (d *Dispatcher) Invoke(ctx context.Context, apiName, opName string, args []byte) ([]byte, error) {
	op, err := d.lookup(apiName, opName)
	if err != nil {
		return nil, err
	}

	if op.mode == txn.ReadWrite && !d.role.IsPrimary() {
		return nil, &verror.NotPrimary{CurrentEpochLeaderHint: d.role.PrimaryHint()}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := d.txns.Begin(op.mode)

	result, herr := runHandler(op.handler, t, args)
	if herr != nil {
		t.Abort()
		return nil, translate(herr)
	}

	if _, err := t.Commit(); err != nil {
		return nil, translate(err)
	}

	return result, nil
}

// runHandler invokes handler, converting a panic into an error so the
// Dispatcher can still abort the transaction cleanly.
func runHandler(handler HandlerFunc, t *txn.Txn, args []byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch: handler panic: %v", r)
		}
	}()
	return handler(t, args)
}

// translate maps an internal error to one of the typed kinds clients
// are allowed to see. Errors already in that vocabulary pass through
// unchanged; everything else is wrapped as a generic ArgumentError so
// nothing outside the vocabulary leaks to a client.
func translate(err error) error {
	switch err.(type) {
	case *verror.ClientProtocolError, *verror.AuthError, *verror.OperationUnknown,
		*verror.ArgumentError, *verror.NotFound, *verror.ConflictError,
		*verror.IntegrityError, *verror.NotPrimary, *verror.Busy,
		*verror.ReplicationTimeout, *verror.StorageCorruption:
		return err
	default:
		return &verror.ArgumentError{Field: "", Reason: err.Error()}
	}
}
