package wal

import (
	"encoding/binary"
	"io"
)

// HeaderSize is the fixed on-disk size of a RecordHeader, in bytes.
const HeaderSize = 24

// Magic identifies a VeloxDB WAL segment record.
const Magic = 0xBEDABB1E

// FormatVersion is the current on-disk record format version.
const FormatVersion = 1

// RecordHeader is the fixed 24-byte header preceding every record's
// payload: magic(4) version(1) type(1) reserved(2) offset(4)
// payloadLen(4) crc32(4) reserved(4).
type RecordHeader struct {
	Magic      uint32
	Version    uint8
	Type       RecordType
	Reserved16 uint16
	Offset     uint32 // this record's offset within its segment
	PayloadLen uint32
	CRC32      uint32
	Reserved32 uint32
}

// RecordType distinguishes the kinds of entries appended to the log.
type RecordType uint8

const (
	// RecordCommit carries a serialized LogRecord (a committed
	// transaction's mutation set).
	RecordCommit RecordType = iota + 1

	// RecordCheckpointMarker records that a checkpoint covering all
	// prior records in this segment has been taken.
	RecordCheckpointMarker

	// RecordSegmentSeal is the trailing record of a rotated segment:
	// its payload is the segment checksum, a CRC32C over the CRC32
	// fields of every preceding record in the segment.
	RecordSegmentSeal
)

// Record is one header+payload entry in a segment file.
type Record struct {
	Header  RecordHeader
	Payload []byte
}

// Encode serializes the header into buf, which must be at least
// HeaderSize bytes.
func (h *RecordHeader) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = byte(h.Type)
	binary.LittleEndian.PutUint16(buf[6:8], h.Reserved16)
	binary.LittleEndian.PutUint32(buf[8:12], h.Offset)
	binary.LittleEndian.PutUint32(buf[12:16], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[16:20], h.CRC32)
	binary.LittleEndian.PutUint32(buf[20:24], h.Reserved32)
}

// Decode deserializes a header from buf.
func (h *RecordHeader) Decode(buf []byte) {
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.Version = buf[4]
	h.Type = RecordType(buf[5])
	h.Reserved16 = binary.LittleEndian.Uint16(buf[6:8])
	h.Offset = binary.LittleEndian.Uint32(buf[8:12])
	h.PayloadLen = binary.LittleEndian.Uint32(buf[12:16])
	h.CRC32 = binary.LittleEndian.Uint32(buf[16:20])
	h.Reserved32 = binary.LittleEndian.Uint32(buf[20:24])
}

// WriteTo writes the header followed by the payload to w.
func (r *Record) WriteTo(w io.Writer) (int64, error) {
	var headerBuf [HeaderSize]byte
	r.Header.Encode(headerBuf[:])

	n, err := w.Write(headerBuf[:])
	if err != nil {
		return int64(n), err
	}
	m, err := w.Write(r.Payload)
	return int64(n + m), err
}
