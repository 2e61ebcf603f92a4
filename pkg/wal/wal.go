package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/veloxdb/veloxdb/pkg/veloxtype"
)

// WAL is the write-ahead log contract: append, flushThrough, readFrom,
// truncateBefore over a sequence of fixed-size segment files.
type WAL struct {
	mu   sync.Mutex
	dir  string
	opts Options

	activeID     uint32
	activeFile   *os.File
	activeWriter *bufio.Writer
	activeOffset uint32 // bytes written into the active segment so far

	syncedID     uint32 // highest segment id fully durable on disk
	syncedOffset uint32

	segCRC uint32 // running checksum-of-record-checksums for the active segment

	batchBytes int64

	ticker *time.Ticker
	done   chan struct{}
	closed bool
}

// Open opens (creating if necessary) the WAL directory named by
// opts.DirPath, positions the active segment at the highest existing
// segment id (or 0 if none), and returns a WAL ready to append at the
// end of that segment.
func Open(opts Options) (*WAL, error) {
	if err := os.MkdirAll(opts.DirPath, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}

	ids, err := listSegmentIDs(opts.DirPath)
	if err != nil {
		return nil, fmt.Errorf("wal: list segments: %w", err)
	}

	var activeID uint32
	if len(ids) > 0 {
		activeID = ids[len(ids)-1]
	}

	w := &WAL{
		dir:  opts.DirPath,
		opts: opts,
		done: make(chan struct{}),
	}
	if err := w.openSegment(activeID); err != nil {
		return nil, err
	}

	if opts.SyncPolicy == SyncInterval {
		w.ticker = time.NewTicker(opts.SyncIntervalDuration)
		go w.backgroundSync()
	}

	return w, nil
}

func (w *WAL) openSegment(id uint32) error {
	path := segmentPath(w.dir, id)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open segment %d: %w", id, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("wal: stat segment %d: %w", id, err)
	}

	w.activeID = id
	w.activeFile = f
	w.activeWriter = bufio.NewWriterSize(f, w.opts.BufferSize)
	w.activeOffset = uint32(info.Size())
	w.syncedID = id
	w.syncedOffset = w.activeOffset
	w.segCRC = 0
	if info.Size() > 0 {
		w.segCRC = scanSegmentCRC(path)
	}
	return nil
}

// Append encodes a record of the given type carrying payload, assigns
// it the next LSN, and writes it into the active segment, rotating to
// a new segment first if doing so would exceed SegmentBytes.
func (w *WAL) Append(recordType RecordType, payload []byte) (veloxtype.LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entryLen := int64(HeaderSize + len(payload))
	if w.opts.SegmentBytes > 0 && int64(w.activeOffset)+entryLen > w.opts.SegmentBytes && w.activeOffset > 0 {
		if err := w.rotateLocked(); err != nil {
			return veloxtype.LSN{}, err
		}
	}

	lsn := veloxtype.LSN{Segment: w.activeID, Offset: w.activeOffset}
	rec := Record{
		Header: RecordHeader{
			Magic:      Magic,
			Version:    FormatVersion,
			Type:       recordType,
			Offset:     w.activeOffset,
			PayloadLen: uint32(len(payload)),
			CRC32:      Checksum(payload),
		},
		Payload: payload,
	}

	n, err := rec.WriteTo(w.activeWriter)
	if err != nil {
		return veloxtype.LSN{}, fmt.Errorf("wal: append: %w", err)
	}
	w.activeOffset += uint32(n)
	w.batchBytes += n
	w.segCRC = updateSegmentCRC(w.segCRC, rec.Header.CRC32)

	switch w.opts.SyncPolicy {
	case SyncEveryWrite:
		if err := w.syncLocked(); err != nil {
			return veloxtype.LSN{}, err
		}
	case SyncBatch:
		if w.batchBytes >= w.opts.SyncBatchBytes {
			if err := w.syncLocked(); err != nil {
				return veloxtype.LSN{}, err
			}
		}
	}

	return lsn, nil
}

func (w *WAL) rotateLocked() error {
	// Seal the outgoing segment with its trailing checksum before it
	// becomes immutable.
	var sealPayload [4]byte
	binary.LittleEndian.PutUint32(sealPayload[:], w.segCRC)
	seal := Record{
		Header: RecordHeader{
			Magic:      Magic,
			Version:    FormatVersion,
			Type:       RecordSegmentSeal,
			Offset:     w.activeOffset,
			PayloadLen: uint32(len(sealPayload)),
			CRC32:      Checksum(sealPayload[:]),
		},
		Payload: sealPayload[:],
	}
	n, err := seal.WriteTo(w.activeWriter)
	if err != nil {
		return fmt.Errorf("wal: seal segment %d: %w", w.activeID, err)
	}
	w.activeOffset += uint32(n)

	if err := w.syncLocked(); err != nil {
		return err
	}
	if err := w.activeFile.Close(); err != nil {
		return fmt.Errorf("wal: close segment %d: %w", w.activeID, err)
	}
	return w.openSegment(w.activeID + 1)
}

// FlushThrough blocks until the OS has reported durable every byte up
// to and including lsn.
func (w *WAL) FlushThrough(lsn veloxtype.LSN) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if lsn.Segment < w.syncedID || (lsn.Segment == w.syncedID && lsn.Offset < w.syncedOffset) {
		return nil // already durable, segment was sealed and synced on rotation
	}
	return w.syncLocked()
}

func (w *WAL) syncLocked() error {
	if err := w.activeWriter.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	if err := w.activeFile.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}
	w.batchBytes = 0
	w.syncedID = w.activeID
	w.syncedOffset = w.activeOffset
	return nil
}

// CurrentLSN returns the LSN the next Append will be assigned.
func (w *WAL) CurrentLSN() veloxtype.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return veloxtype.LSN{Segment: w.activeID, Offset: w.activeOffset}
}

// Dir returns the directory this WAL's segment files live in, for
// callers (the replication backfill path) that read history back
// through a Reader while the WAL stays open for appends.
func (w *WAL) Dir() string {
	return w.dir
}

// TruncateBefore removes whole segment files strictly older than
// lsn.Segment. Callers must ensure a checkpoint and every configured
// standby have already passed lsn.
func (w *WAL) TruncateBefore(lsn veloxtype.LSN) error {
	ids, err := listSegmentIDs(w.dir)
	if err != nil {
		return fmt.Errorf("wal: list segments: %w", err)
	}
	for _, id := range ids {
		if id >= lsn.Segment {
			continue
		}
		if err := os.Remove(segmentPath(w.dir, id)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("wal: remove segment %d: %w", id, err)
		}
	}
	return nil
}

// Close flushes and closes the active segment, stopping any
// background sync goroutine.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.ticker != nil {
		w.ticker.Stop()
		close(w.done)
	}

	if err := w.syncLocked(); err != nil {
		w.activeFile.Close()
		return err
	}
	return w.activeFile.Close()
}

func (w *WAL) backgroundSync() {
	for {
		select {
		case <-w.ticker.C:
			w.mu.Lock()
			w.syncLocked()
			w.mu.Unlock()
		case <-w.done:
			return
		}
	}
}
