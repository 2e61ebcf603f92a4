package verror

import "testing"

func TestErrors_ErrorMethod(t *testing.T) {
	errs := []error{
		&ClientProtocolError{Reason: "short frame"},
		&AuthError{Reason: "certificate expired"},
		&OperationUnknown{APIName: "Blog", OpName: "Archive"},
		&ArgumentError{Field: "Url", Reason: "must not be empty"},
		&NotFound{ObjectID: 1, ClassName: "Blog"},
		&ConflictError{ObjectID: 5},
		&IntegrityError{Reason: "dangling reference"},
		&NotPrimary{CurrentEpochLeaderHint: "node-2"},
		&NotPrimary{},
		&Busy{Reason: "MaxOpenConnCount exceeded"},
		&ReplicationTimeout{Standby: "standby-1", WaitedMillis: 5000},
		&StorageCorruption{Detail: "segment 3 checksum mismatch"},
	}

	for _, e := range errs {
		if e.Error() == "" {
			t.Errorf("Error() returned empty string for %T", e)
		}
	}
}
