package wal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const segmentExt = ".wal"

func segmentFileName(segmentID uint32) string {
	return fmt.Sprintf("%010d%s", segmentID, segmentExt)
}

func segmentPath(dir string, segmentID uint32) string {
	return filepath.Join(dir, segmentFileName(segmentID))
}

// listSegmentIDs returns the segment ids present in dir, sorted
// ascending. Missing dir is treated as empty.
func listSegmentIDs(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []uint32
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), segmentExt) {
			continue
		}
		base := strings.TrimSuffix(e.Name(), segmentExt)
		id, err := strconv.ParseUint(base, 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// scanSegmentCRC recomputes the running checksum-of-record-checksums
// for an existing segment file, so a reopened WAL can keep
// accumulating where the previous process stopped. Scanning stops at
// the first short or unrecognizable header; the torn suffix (if any)
// is recovery's problem, not ours.
func scanSegmentCRC(path string) uint32 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	var crc uint32
	header := make([]byte, HeaderSize)
	for {
		if _, err := io.ReadFull(f, header); err != nil {
			return crc
		}
		var h RecordHeader
		h.Decode(header)
		if h.Magic != Magic || h.PayloadLen > 1<<30 {
			return crc
		}
		if _, err := f.Seek(int64(h.PayloadLen), io.SeekCurrent); err != nil {
			return crc
		}
		// Seal records are not part of the checksum they carry, so a
		// segment that keeps growing after a mid-rotation crash stays
		// consistent with what a reader will accumulate.
		if h.Type != RecordSegmentSeal {
			crc = updateSegmentCRC(crc, h.CRC32)
		}
	}
}
