// Package dispatch implements the operation dispatcher: a registry of
// {apiName: {opName: handler}}, each handler declaring a Read or
// ReadWrite mode. Invoke opens exactly one transaction per call, hands
// the handler a typed view over it, and commits on return or aborts on
// error/panic — a handler may not span transactions.
//
// The registry is an open, manifest-driven map rather than a
// reflection-bound proxy layer: operations are registered explicitly at
// startup, and anything not registered is rejected before a
// transaction is ever opened.
package dispatch
