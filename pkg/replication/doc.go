// Package replication implements the primary/standby/witness
// replication engine: a primary ships committed log batches to its
// configured standbys over a dedicated connection, gates commit
// acknowledgement on each Sync standby's Ack, and degrades an
// unresponsive Sync standby to Failing rather than failing the whole
// commit.
//
// A standby applies batches strictly in commit order, appends each
// applied record to its own write-ahead log before acknowledging, and
// resumes after a restart by advertising its recovered position in the
// Hello handshake; the primary backfills whatever the standby missed
// from its own log before live streaming resumes. Role transitions are
// epoch-gated: a frame carrying an older epoch than the receiver's is
// rejected, so a deposed primary cannot silently keep serving.
package replication
