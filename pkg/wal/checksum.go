package wal

import (
	"encoding/binary"
	"hash/crc32"
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC32C checksum of data.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliTable)
}

// ValidateChecksum reports whether data matches the expected checksum.
func ValidateChecksum(data []byte, expected uint32) bool {
	return Checksum(data) == expected
}

// updateSegmentCRC folds one record's CRC32 into the running segment
// checksum — the trailing segment checksum is a CRC over the CRC32
// fields of every record in the segment, in order.
func updateSegmentCRC(seg, recordCRC uint32) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], recordCRC)
	return crc32.Update(seg, castagnoliTable, b[:])
}
