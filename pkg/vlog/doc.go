/*
Package vlog provides structured logging for VeloxDB using zerolog.

It wraps zerolog to give JSON-structured logs with component-scoped
child loggers and two independently configurable severities, matching
the Logging configuration block:

  - Level filters the engine's own diagnostics (Trace, Debug, Info,
    Warn, Error).
  - UserLevel filters diagnostics emitted on behalf of application
    operations (handler invocations), independently of Level. The
    config schema names UserLevel without defining its semantics; this
    package treats it as a second, narrower-scoped logger so operators
    can turn up engine tracing without drowning in per-request noise,
    or vice versa.
*/
package vlog
