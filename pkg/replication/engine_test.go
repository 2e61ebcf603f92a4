package replication

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veloxdb/veloxdb/pkg/store"
	"github.com/veloxdb/veloxdb/pkg/txn"
	"github.com/veloxdb/veloxdb/pkg/veloxtype"
	"github.com/veloxdb/veloxdb/pkg/wal"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s := store.New()
	s.RegisterClass(&veloxtype.Class{
		ID:   1,
		Name: "Blog",
		Properties: []veloxtype.PropertyDescriptor{
			{Name: "Url", Type: veloxtype.ScalarString},
		},
	})
	return s
}

func newTestWAL(t *testing.T) *wal.WAL {
	t.Helper()
	opts := wal.DefaultOptions()
	opts.DirPath = t.TempDir()
	opts.SyncPolicy = wal.SyncEveryWrite
	w, err := wal.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func newTestEngine(t *testing.T, name string) (*Engine, *store.Store) {
	t.Helper()
	s := newTestStore(t)
	w := newTestWAL(t)
	mgr := txn.NewManager(s, w, nil, nil, txn.DefaultGroupCommitOptions())
	t.Cleanup(mgr.Stop)
	e := NewEngine(name, s, mgr, w, nil)
	t.Cleanup(e.Stop)
	return e, s
}

// createRecord builds the LogRecord a commit of a single freshly
// created Blog object would produce at csn, with the object's id equal
// to its csn for readability.
func createRecord(csn veloxtype.CSN, url string) *veloxtype.LogRecord {
	return &veloxtype.LogRecord{
		CSN: csn,
		Mutations: []veloxtype.Mutation{{
			Kind:    veloxtype.MutationCreate,
			Object:  veloxtype.ObjectId(csn),
			ClassID: 1,
			After:   &veloxtype.Version{CreateCSN: csn, Properties: []any{url}},
		}},
	}
}

func TestFrameRoundTrip(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	want := &Frame{Type: FrameHello, Hello: &HelloFrame{
		NodeName:       "standby-1",
		Epoch:          3,
		LastAppliedLSN: veloxtype.LSN{Segment: 1, Offset: 512},
		LastAppliedCSN: 42,
	}}

	go func() { _ = WriteFrame(left, want) }()

	got, err := ReadFrame(right)
	require.NoError(t, err)
	require.Equal(t, FrameHello, got.Type)
	require.Equal(t, want.Hello, got.Hello)
}

func TestApplyBatchInstallsRecordsInOrder(t *testing.T) {
	e, s := newTestEngine(t, "standby-1")

	batch := &LogBatchFrame{
		StartLSN: veloxtype.LSN{Segment: 0, Offset: 0},
		Records: []BatchedRecord{
			{LSN: veloxtype.LSN{Offset: 10}, Record: createRecord(1, "http://one")},
			{LSN: veloxtype.LSN{Offset: 20}, Record: createRecord(2, "http://two")},
		},
	}
	require.NoError(t, e.applyBatch(batch))

	v, err := s.Read(1, 2)
	require.NoError(t, err)
	require.Equal(t, "http://one", v.Properties[0])
	v, err = s.Read(2, 2)
	require.NoError(t, err)
	require.Equal(t, "http://two", v.Properties[0])

	require.Equal(t, veloxtype.LSN{Offset: 20}, e.LastAppliedLSN())
}

func TestApplyBatchSkipsRetransmits(t *testing.T) {
	e, s := newTestEngine(t, "standby-1")

	first := &LogBatchFrame{Records: []BatchedRecord{
		{LSN: veloxtype.LSN{Offset: 10}, Record: createRecord(1, "http://one")},
	}}
	require.NoError(t, e.applyBatch(first))

	// The same record again, plus its successor: only the successor
	// must be applied, and the retransmit must not error.
	second := &LogBatchFrame{Records: []BatchedRecord{
		{LSN: veloxtype.LSN{Offset: 10}, Record: createRecord(1, "http://one")},
		{LSN: veloxtype.LSN{Offset: 20}, Record: createRecord(2, "http://two")},
	}}
	require.NoError(t, e.applyBatch(second))

	_, err := s.Read(2, 2)
	require.NoError(t, err)
}

func TestApplyBatchRejectsGap(t *testing.T) {
	e, _ := newTestEngine(t, "standby-1")

	require.NoError(t, e.applyBatch(&LogBatchFrame{Records: []BatchedRecord{
		{LSN: veloxtype.LSN{Offset: 10}, Record: createRecord(1, "http://one")},
	}}))

	err := e.applyBatch(&LogBatchFrame{Records: []BatchedRecord{
		{LSN: veloxtype.LSN{Offset: 40}, Record: createRecord(5, "http://five")},
	}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "gap detected")
}

func TestBackfillStreamsMissedRecords(t *testing.T) {
	e, _ := newTestEngine(t, "primary")

	for csn := veloxtype.CSN(1); csn <= 3; csn++ {
		payload, err := txn.EncodeLogRecord(createRecord(csn, "http://x"))
		require.NoError(t, err)
		_, err = e.wal.Append(wal.RecordCommit, payload)
		require.NoError(t, err)
	}

	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.backfill(left, 1) // the standby already has CSN 1
	}()

	frame, err := ReadFrame(right)
	require.NoError(t, err)
	require.Equal(t, FrameLogBatch, frame.Type)
	require.Len(t, frame.LogBatch.Records, 2)
	require.Equal(t, veloxtype.CSN(2), frame.LogBatch.Records[0].Record.CSN)
	require.Equal(t, veloxtype.CSN(3), frame.LogBatch.Records[1].Record.CSN)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("backfill did not finish")
	}
}

func TestBackfillNothingToSend(t *testing.T) {
	e, _ := newTestEngine(t, "primary")

	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	// An empty WAL ships nothing, so backfill must return without
	// ever writing a frame to the (unread) pipe.
	require.NoError(t, e.backfill(left, 0))

	_ = right.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err := ReadFrame(right)
	require.Error(t, err)
}

func TestApplyBatchSurvivesRestartViaLocalWAL(t *testing.T) {
	dir := t.TempDir()
	opts := wal.DefaultOptions()
	opts.DirPath = dir
	opts.SyncPolicy = wal.SyncEveryWrite

	s := newTestStore(t)
	w, err := wal.Open(opts)
	require.NoError(t, err)
	mgr := txn.NewManager(s, w, nil, nil, txn.DefaultGroupCommitOptions())
	e := NewEngine("standby-1", s, mgr, w, nil)

	require.NoError(t, e.applyBatch(&LogBatchFrame{Records: []BatchedRecord{
		{LSN: veloxtype.LSN{Offset: 10}, Record: createRecord(1, "http://durable")},
	}}))

	e.Stop()
	mgr.Stop()
	require.NoError(t, w.Close())

	// A fresh store replaying the standby's own WAL must reproduce the
	// applied state, which is what cmd/veloxdb does on restart.
	recovered := newTestStore(t)
	var lastCSN veloxtype.CSN
	_, err = wal.Recover(dir, func(lsn veloxtype.LSN, payload []byte) error {
		rec, err := txn.DecodeLogRecord(payload)
		if err != nil {
			return err
		}
		if err := txn.Replay(recovered, rec); err != nil {
			return err
		}
		lastCSN = rec.CSN
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, veloxtype.CSN(1), lastCSN)

	v, err := recovered.Read(1, 1)
	require.NoError(t, err)
	require.Equal(t, "http://durable", v.Properties[0])
}

func TestJoinTokenStore(t *testing.T) {
	s := NewJoinTokenStore()

	jt := s.Issue()
	require.NotEmpty(t, jt.Token)
	require.NoError(t, s.Validate(jt.Token))

	s.Revoke(jt.Token)
	require.Error(t, s.Validate(jt.Token))
	require.Error(t, s.Validate("never-issued"))

	// A seeded (operator-configured) token carries no expiry.
	s.Seed("cluster-secret")
	require.NoError(t, s.Validate("cluster-secret"))
}

// TestInboundHandshakeEnforcesJoinToken drives serveInboundStandby
// over a pipe: a Hello carrying an unknown token is rejected before
// the primary ever replies, the configured cluster secret completes
// the handshake, and a token minted at runtime with Issue is accepted
// by the same check.
func TestInboundHandshakeEnforcesJoinToken(t *testing.T) {
	e, _ := newTestEngine(t, "primary")
	e.ConfigureJoinToken("cluster-secret")

	handshake := func(hello *HelloFrame) (*Frame, error) {
		left, right := net.Pipe()
		defer left.Close()
		done := make(chan struct{})
		go func() {
			defer close(done)
			e.serveInboundStandby(right)
		}()
		if err := WriteFrame(left, &Frame{Type: FrameHello, Hello: hello}); err != nil {
			return nil, err
		}
		_ = left.SetReadDeadline(time.Now().Add(5 * time.Second))
		f, err := ReadFrame(left)
		left.Close()
		<-done
		return f, err
	}

	_, err := handshake(&HelloFrame{NodeName: "intruder", JoinToken: "wrong"})
	require.Error(t, err, "unknown token must be rejected without a Hello reply")

	f, err := handshake(&HelloFrame{NodeName: "standby-1", JoinToken: "cluster-secret"})
	require.NoError(t, err)
	require.Equal(t, FrameHello, f.Type)
	require.Equal(t, "cluster-secret", f.Hello.JoinToken)

	minted := e.Tokens().Issue()
	f, err = handshake(&HelloFrame{NodeName: "standby-2", JoinToken: minted.Token})
	require.NoError(t, err)
	require.Equal(t, FrameHello, f.Type)
}

func TestRoleChangeRequiresNewerEpoch(t *testing.T) {
	e, _ := newTestEngine(t, "node-1")

	require.NoError(t, e.ApplyRoleChange(RolePrimary, 2))
	require.Equal(t, RolePrimary, e.Role())
	require.Equal(t, uint64(2), e.Epoch())

	require.Error(t, e.ApplyRoleChange(RoleStandby, 2), "equal epoch must be rejected")
	require.Error(t, e.ApplyRoleChange(RoleStandby, 1), "older epoch must be rejected")
	require.NoError(t, e.ApplyRoleChange(RoleStandby, 3))
}
