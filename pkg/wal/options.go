package wal

import "time"

// SyncPolicy selects the durability/throughput tradeoff for flushing
// appended records to disk.
type SyncPolicy int

const (
	// SyncEveryWrite fsyncs after every append. Safest, slowest.
	SyncEveryWrite SyncPolicy = iota

	// SyncInterval fsyncs on a background timer.
	SyncInterval

	// SyncBatch fsyncs once accumulated unsynced bytes cross a
	// threshold. Used by the commit pipeline's group commit.
	SyncBatch
)

// Options configures a WAL instance.
type Options struct {
	// DirPath is the directory holding segment files.
	DirPath string

	// SegmentBytes is the target size of one segment file before
	// rotating to the next.
	SegmentBytes int64

	// BufferSize is the bufio buffer size used by the active
	// segment's writer.
	BufferSize int

	SyncPolicy           SyncPolicy
	SyncIntervalDuration time.Duration
	SyncBatchBytes       int64
}

// DefaultOptions returns conservative defaults suitable for tests and
// single-node operation.
func DefaultOptions() Options {
	return Options{
		DirPath:              "./wal",
		SegmentBytes:         64 * 1024 * 1024,
		BufferSize:           64 * 1024,
		SyncPolicy:           SyncBatch,
		SyncIntervalDuration: 200 * time.Millisecond,
		SyncBatchBytes:       1 * 1024 * 1024,
	}
}
