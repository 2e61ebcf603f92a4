package txn

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/veloxdb/veloxdb/pkg/veloxtype"
)

// EncodeLogRecord serializes a LogRecord for the WAL/replication wire
// using BSON, the same reflection-based document codec the reference
// storage engine uses for its own WAL payloads — no code generation
// step required.
func EncodeLogRecord(rec *veloxtype.LogRecord) ([]byte, error) {
	return bson.Marshal(rec)
}

// DecodeLogRecord deserializes a LogRecord previously written by
// EncodeLogRecord.
func DecodeLogRecord(data []byte) (*veloxtype.LogRecord, error) {
	var rec veloxtype.LogRecord
	if err := bson.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
