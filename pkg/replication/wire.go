package replication

import (
	"encoding/binary"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// maxFrameBytes bounds a single decoded frame, guarding against a
// corrupt or hostile length prefix causing an unbounded allocation.
const maxFrameBytes = 64 << 20

// WriteFrame writes f to w as a 4-byte big-endian length prefix
// followed by its BSON-encoded body.
func WriteFrame(w io.Writer, f *Frame) error {
	body, err := bson.Marshal(f)
	if err != nil {
		return fmt.Errorf("replication: encode frame: %w", err)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("replication: write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("replication: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed BSON frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("replication: frame of %d bytes exceeds maximum %d", n, maxFrameBytes)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("replication: read frame body: %w", err)
	}

	var f Frame
	if err := bson.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("replication: decode frame: %w", err)
	}
	return &f, nil
}
