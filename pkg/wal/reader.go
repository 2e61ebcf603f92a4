package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/veloxdb/veloxdb/pkg/veloxtype"
)

var (
	ErrInvalidMagic      = errors.New("wal: invalid magic number")
	ErrChecksumMismatch  = errors.New("wal: checksum mismatch")
	ErrInvalidPayloadLen = errors.New("wal: invalid payload length")
)

// Reader yields records strictly in LSN order starting from a given
// LSN, crossing segment-file boundaries transparently. It stops (with
// io.EOF) at the first record with a bad checksum, treating any
// suffix as a torn write from an unclean shutdown.
type Reader struct {
	dir        string
	segmentIDs []uint32
	idx        int
	file       *os.File
	path       string
	offset     uint32
	segCRC     uint32
	fullSeg    bool // reading this segment from offset 0, so segCRC is meaningful

	// truncateTorn repairs a torn trailing record by truncating the
	// segment file at the last good boundary. Recovery wants this;
	// a reader running behind a live appender must not.
	truncateTorn bool
}

// NewReader opens a Reader over dir positioned at from. A from past
// the end of the log yields a Reader that is already exhausted. A
// torn trailing record is truncated away, so NewReader must only be
// used on a log with no active appender (i.e. recovery).
func NewReader(dir string, from veloxtype.LSN) (*Reader, error) {
	r, err := newReader(dir, from)
	if err != nil {
		return nil, err
	}
	r.truncateTorn = true
	return r, nil
}

// NewLiveReader opens a Reader that treats a torn or partial trailing
// record as a clean end of log without modifying the file, for
// callers reading history behind an active appender.
func NewLiveReader(dir string, from veloxtype.LSN) (*Reader, error) {
	return newReader(dir, from)
}

func newReader(dir string, from veloxtype.LSN) (*Reader, error) {
	ids, err := listSegmentIDs(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: list segments: %w", err)
	}

	startIdx := len(ids)
	for i, id := range ids {
		if id == from.Segment {
			startIdx = i
			break
		}
		if id > from.Segment {
			startIdx = i
			from.Offset = 0
			break
		}
	}

	r := &Reader{dir: dir, segmentIDs: ids, idx: startIdx}
	if startIdx >= len(ids) {
		return r, nil
	}
	if err := r.openSegment(ids[startIdx], from.Offset); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) openSegment(id uint32, offset uint32) error {
	path := segmentPath(r.dir, id)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("wal: open segment %d: %w", id, err)
	}
	if offset > 0 {
		if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
			f.Close()
			return fmt.Errorf("wal: seek segment %d: %w", id, err)
		}
	}
	r.file = f
	r.path = path
	r.offset = offset
	r.segCRC = 0
	r.fullSeg = offset == 0
	return nil
}

// Next returns the next record and its LSN, or io.EOF when the log is
// exhausted (including a torn trailing record, which is silently
// discarded).
func (r *Reader) Next() (*Record, veloxtype.LSN, error) {
	for {
		if r.file == nil {
			return nil, veloxtype.LSN{}, io.EOF
		}

		rec, err := r.readOne()
		if err == io.EOF {
			if advErr := r.advanceSegment(); advErr != nil {
				return nil, veloxtype.LSN{}, advErr
			}
			continue
		}
		if err == io.ErrUnexpectedEOF || err == ErrChecksumMismatch || err == ErrInvalidPayloadLen {
			// Torn write: r.offset still holds the last confirmed-good
			// boundary in this segment (it only advances past a record
			// once its checksum validates), so truncating here to
			// exactly r.offset discards the torn suffix and leaves the
			// segment file safe to append to again. The path-based
			// truncate sidesteps r.file's read-only descriptor. A live
			// reader instead stops quietly: what looks torn may just be
			// an append the writer has not finished flushing.
			r.file.Close()
			r.file = nil
			if r.truncateTorn {
				if truncErr := os.Truncate(r.path, int64(r.offset)); truncErr != nil {
					return nil, veloxtype.LSN{}, fmt.Errorf("wal: truncate torn write: %w", truncErr)
				}
			}
			return nil, veloxtype.LSN{}, io.EOF
		}
		if err != nil {
			return nil, veloxtype.LSN{}, err
		}

		lsn := veloxtype.LSN{Segment: r.segmentIDs[r.idx], Offset: rec.Header.Offset}
		return rec, lsn, nil
	}
}

func (r *Reader) readOne() (*Record, error) {
	headerBuf := make([]byte, HeaderSize)
	n, err := io.ReadFull(r.file, headerBuf)
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("wal: read header: %w", err)
	}
	if n != HeaderSize {
		return nil, io.ErrUnexpectedEOF
	}

	var header RecordHeader
	header.Decode(headerBuf)

	if header.Magic != Magic {
		return nil, ErrInvalidMagic
	}
	if header.PayloadLen > 1<<30 {
		return nil, ErrInvalidPayloadLen
	}

	rec := AcquireRecord()
	rec.Header = header
	if uint32(cap(rec.Payload)) < header.PayloadLen {
		rec.Payload = make([]byte, header.PayloadLen)
	} else {
		rec.Payload = rec.Payload[:header.PayloadLen]
	}

	if header.PayloadLen > 0 {
		if _, err := io.ReadFull(r.file, rec.Payload); err != nil {
			ReleaseRecord(rec)
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	if !ValidateChecksum(rec.Payload, header.CRC32) {
		ReleaseRecord(rec)
		return nil, ErrChecksumMismatch
	}

	if header.Type == RecordSegmentSeal {
		// The seal's payload is the checksum-of-checksums over every
		// record before it in this segment; a mismatch means the
		// segment body was corrupted even though each record's own
		// CRC happened to validate. Only checkable when this reader
		// saw the segment from its first byte.
		sealed := binary.LittleEndian.Uint32(rec.Payload)
		if r.fullSeg && sealed != r.segCRC {
			ReleaseRecord(rec)
			return nil, ErrChecksumMismatch
		}
	} else {
		r.segCRC = updateSegmentCRC(r.segCRC, header.CRC32)
	}

	r.offset += HeaderSize + header.PayloadLen
	return rec, nil
}

func (r *Reader) advanceSegment() error {
	r.file.Close()
	r.file = nil
	r.idx++
	if r.idx >= len(r.segmentIDs) {
		return nil
	}
	return r.openSegment(r.segmentIDs[r.idx], 0)
}

// Close releases the reader's open file handle, if any.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}
