package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veloxdb/veloxdb/pkg/store"
	"github.com/veloxdb/veloxdb/pkg/txn"
	"github.com/veloxdb/veloxdb/pkg/veloxtype"
	"github.com/veloxdb/veloxdb/pkg/verror"
	"github.com/veloxdb/veloxdb/pkg/wal"
)

func newManager(t *testing.T) (*txn.Manager, *store.Store) {
	t.Helper()
	s := store.New()
	s.RegisterClass(&veloxtype.Class{
		ID:   1,
		Name: "Blog",
		Properties: []veloxtype.PropertyDescriptor{
			{Name: "Url", Type: veloxtype.ScalarString},
		},
	})
	mgr := txn.NewManager(s, noopAppender{}, nil, nil, txn.DefaultGroupCommitOptions())
	t.Cleanup(mgr.Stop)
	return mgr, s
}

type noopAppender struct{}

func (noopAppender) Append(recordType wal.RecordType, payload []byte) (veloxtype.LSN, error) {
	return veloxtype.LSN{}, nil
}
func (noopAppender) FlushThrough(veloxtype.LSN) error { return nil }

func TestInvokeCommitsOnSuccess(t *testing.T) {
	mgr, _ := newManager(t)
	d := New(mgr, nil)

	var createdID veloxtype.ObjectId
	d.Register("Blog", "Create", txn.ReadWrite, func(tx *txn.Txn, args []byte) ([]byte, error) {
		id, err := tx.Create(1, []any{"http://x"}, nil)
		if err != nil {
			return nil, err
		}
		createdID = id
		return []byte("ok"), nil
	})

	out, err := d.Invoke(context.Background(), "Blog", "Create", nil)
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), out)
	require.NotZero(t, createdID)
}

func TestInvokeAbortsOnHandlerError(t *testing.T) {
	mgr, _ := newManager(t)
	d := New(mgr, nil)

	d.Register("Blog", "Create", txn.ReadWrite, func(tx *txn.Txn, args []byte) ([]byte, error) {
		return nil, &verror.ArgumentError{Field: "Url", Reason: "required"}
	})

	_, err := d.Invoke(context.Background(), "Blog", "Create", nil)
	require.Error(t, err)
	var argErr *verror.ArgumentError
	require.ErrorAs(t, err, &argErr)
}

func TestInvokeUnknownOperation(t *testing.T) {
	mgr, _ := newManager(t)
	d := New(mgr, nil)

	_, err := d.Invoke(context.Background(), "Blog", "Nonexistent", nil)
	require.Error(t, err)
	var unknownErr *verror.OperationUnknown
	require.ErrorAs(t, err, &unknownErr)
}

type alwaysStandby struct{}

func (alwaysStandby) IsPrimary() bool     { return false }
func (alwaysStandby) PrimaryHint() string { return "node-2" }

func TestInvokeRejectsReadWriteOnStandby(t *testing.T) {
	mgr, _ := newManager(t)
	d := New(mgr, alwaysStandby{})

	d.Register("Blog", "Create", txn.ReadWrite, func(tx *txn.Txn, args []byte) ([]byte, error) {
		return nil, nil
	})

	_, err := d.Invoke(context.Background(), "Blog", "Create", nil)
	require.Error(t, err)
	var notPrimary *verror.NotPrimary
	require.ErrorAs(t, err, &notPrimary)
	require.Equal(t, "node-2", notPrimary.CurrentEpochLeaderHint)
}

func TestInvokeHandlerPanicAborts(t *testing.T) {
	mgr, _ := newManager(t)
	d := New(mgr, nil)

	d.Register("Blog", "Create", txn.ReadWrite, func(tx *txn.Txn, args []byte) ([]byte, error) {
		panic("boom")
	})

	_, err := d.Invoke(context.Background(), "Blog", "Create", nil)
	require.Error(t, err)
}
