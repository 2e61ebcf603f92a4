package wal

import (
	"fmt"
	"io"

	"github.com/veloxdb/veloxdb/pkg/veloxtype"
)

// Apply is called once per valid commit record found during Recover,
// in CSN order.
type Apply func(lsn veloxtype.LSN, payload []byte) error

// Recover scans dir from the beginning, applying every commit record
// to apply in order. It stops at the first checksum failure or torn
// record, discarding that record and any suffix, and returns the LSN
// of the last successfully applied record (the zero LSN if none).
func Recover(dir string, apply Apply) (veloxtype.LSN, error) {
	r, err := NewReader(dir, veloxtype.LSN{})
	if err != nil {
		return veloxtype.LSN{}, fmt.Errorf("wal: recover: %w", err)
	}
	defer r.Close()

	var last veloxtype.LSN
	for {
		rec, lsn, err := r.Next()
		if err == io.EOF {
			return last, nil
		}
		if err != nil {
			return last, fmt.Errorf("wal: recover: %w", err)
		}

		if rec.Header.Type == RecordCommit {
			if err := apply(lsn, rec.Payload); err != nil {
				ReleaseRecord(rec)
				return last, fmt.Errorf("wal: recover: apply %v: %w", lsn, err)
			}
		}
		last = lsn
		ReleaseRecord(rec)
	}
}
