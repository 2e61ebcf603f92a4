/*
Package wal implements VeloxDB's write-ahead log: a sequence of
fixed-size segment files holding length-prefixed, checksummed records
ordered by LSN.

It is adapted directly from a single-file append-only WAL, extended
with segment rotation so that truncateBefore can reclaim whole files
once a checkpoint and every synchronous standby have passed their LSN,
rather than rewriting one ever-growing log.
*/
package wal
