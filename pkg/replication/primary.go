package replication

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/veloxdb/veloxdb/pkg/txn"
	"github.com/veloxdb/veloxdb/pkg/veloxtype"
	"github.com/veloxdb/veloxdb/pkg/vevents"
	"github.com/veloxdb/veloxdb/pkg/vlog"
	"github.com/veloxdb/veloxdb/pkg/vmetrics"
	"github.com/veloxdb/veloxdb/pkg/wal"
)

// standbyConn is the Primary's view of one connected standby: its
// configured sync policy and the live connection shipping it batches.
type standbyConn struct {
	nodeName string
	sync     SyncMode

	mu         sync.Mutex
	conn       net.Conn
	health     StandbyHealth
	lastAckLSN veloxtype.LSN

	ackCh chan AckFrame
}

func (c *standbyConn) setHealth(h StandbyHealth) {
	c.mu.Lock()
	c.health = h
	c.mu.Unlock()
	vmetrics.StandbyState.WithLabelValues(c.nodeName, string(h)).Set(1)
}

func (c *standbyConn) setLastAck(lsn veloxtype.LSN) {
	c.mu.Lock()
	c.lastAckLSN = lsn
	c.mu.Unlock()
}

// StartPrimary puts the engine into Primary mode at epoch, opens a
// listener for standbys to connect to, and begins dialing out to
// every standby named in cluster that carries an address.
//
// Callers needing server-to-server TLS pass a non-nil tlsListener
// wrapper; this package itself stays transport-agnostic and accepts
// whatever net.Listener the caller constructed (see pkg/security).
func (e *Engine) StartPrimary(cluster ClusterConfig, listener net.Listener, epoch uint64) error {
	e.roleMu.Lock()
	e.role = RolePrimary
	e.roleMu.Unlock()
	e.epoch.Store(epoch)
	e.listener = listener

	go e.acceptLoop()

	for _, sb := range cluster.Standbys {
		c := &standbyConn{nodeName: sb.NodeName, sync: sb.Sync, health: StandbyLagging, ackCh: make(chan AckFrame, 1)}
		e.connsMu.Lock()
		e.conns[sb.NodeName] = c
		e.connsMu.Unlock()
		go e.dialStandby(sb, c)
	}

	return nil
}

// acceptLoop accepts standby connections arriving on the replication
// listener (used when the Primary doesn't proactively dial out, e.g.
// a standby that connects first after a restart). Each accepted
// connection performs the same Hello/Ack handshake as an outbound one.
func (e *Engine) acceptLoop() {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.stopCh:
				return
			default:
				vlog.WithComponent("replication").Warn().Err(err).Msg("accept failed")
				return
			}
		}
		go e.serveInboundStandby(conn)
	}
}

func (e *Engine) serveInboundStandby(conn net.Conn) {
	defer conn.Close()

	hello, err := e.readHello(conn)
	if err != nil {
		vlog.WithComponent("replication").Warn().Err(err).Msg("inbound standby handshake failed")
		return
	}
	if err := e.authorizeStandby(hello); err != nil {
		vlog.WithComponent("replication").Warn().Err(err).Str("standby", hello.NodeName).Msg("standby join rejected")
		return
	}

	if err := WriteFrame(conn, &Frame{Type: FrameHello, Hello: e.hello()}); err != nil {
		return
	}

	e.connsMu.Lock()
	c, known := e.conns[hello.NodeName]
	e.connsMu.Unlock()
	if !known {
		c = &standbyConn{nodeName: hello.NodeName, sync: Async, ackCh: make(chan AckFrame, 1)}
		e.connsMu.Lock()
		e.conns[hello.NodeName] = c
		e.connsMu.Unlock()
	}

	e.catchUpAndServe(c, conn, hello.LastAppliedCSN)
}

// catchUpAndServe brings one freshly-handshaken standby connection up
// to date and then hands it to live replication: acks are drained from
// the start (so a long backfill can't wedge on the standby's own ack
// writes), the WAL backfill streams everything past the standby's
// advertised CSN, and only then is the connection installed for
// Replicate to ship new batches to. It blocks until the connection
// dies.
func (e *Engine) catchUpAndServe(c *standbyConn, conn net.Conn, fromCSN veloxtype.CSN) {
	c.setHealth(StandbyLagging)

	ackDone := make(chan struct{})
	go func() {
		defer close(ackDone)
		e.readAcks(c, conn)
	}()

	if err := e.backfill(conn, fromCSN); err != nil {
		vlog.WithComponent("replication").Warn().Err(err).Str("standby", c.nodeName).Msg("backfill failed")
		conn.Close()
		<-ackDone
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setHealth(StandbyCaughtUp)

	<-ackDone

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

func (e *Engine) readHello(conn net.Conn) (*HelloFrame, error) {
	f, err := ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	if f.Type != FrameHello || f.Hello == nil {
		return nil, fmt.Errorf("replication: expected Hello, got %s", f.Type)
	}
	return f.Hello, nil
}

// dialStandby owns the outbound connection to one configured standby.
// Transient stream IO never fails a commit: the connection is simply
// re-dialed with exponential backoff.
func (e *Engine) dialStandby(sb StandbyConfig, c *standbyConn) {
	backoff := ReconnectBackoff.Initial
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", sb.Address, 5*time.Second)
		if err != nil {
			c.setHealth(StandbyFailing)
			vlog.WithComponent("replication").Warn().Err(err).Str("standby", sb.NodeName).Msg("dial failed, backing off")
			if !sleepOrStop(e.stopCh, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = ReconnectBackoff.Initial

		if err := WriteFrame(conn, &Frame{Type: FrameHello, Hello: e.hello()}); err != nil {
			conn.Close()
			continue
		}
		remote, err := e.readHello(conn)
		if err != nil {
			conn.Close()
			continue
		}
		if err := e.authorizeStandby(remote); err != nil {
			vlog.WithComponent("replication").Warn().Err(err).Str("standby", sb.NodeName).Msg("standby join rejected")
			conn.Close()
			if !sleepOrStop(e.stopCh, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		e.catchUpAndServe(c, conn, remote.LastAppliedCSN) // blocks until the connection dies
		conn.Close()
	}
}

// readAcks is the per-standby receive loop: Ack and Heartbeat frames
// arriving from conn are delivered to c.ackCh or simply observed.
func (e *Engine) readAcks(c *standbyConn, conn net.Conn) {
	for {
		f, err := ReadFrame(conn)
		if err != nil {
			c.setHealth(StandbyFailing)
			return
		}

		switch f.Type {
		case FrameAck:
			if f.Ack != nil {
				c.setLastAck(f.Ack.ThroughLSN)
				select {
				case c.ackCh <- *f.Ack:
				default:
					// a newer ack supersedes whatever's already buffered
					select {
					case <-c.ackCh:
					default:
					}
					c.ackCh <- *f.Ack
				}
			}
		case FrameHeartbeat:
			// observed only, no action required
		default:
			vlog.WithComponent("replication").Warn().Str("standby", c.nodeName).Str("frame", f.Type.String()).Msg("unexpected frame from standby")
		}
	}
}

// Replicate implements txn.Replicator: it ships batch to every
// connected standby and, for each Sync standby, blocks until its Ack
// covers the batch's end LSN or AckTimeout elapses (degrading that
// standby to Failing without aborting the batch, per the Replicator
// contract).
func (e *Engine) Replicate(batch []txn.ReplicatedRecord) error {
	if len(batch) == 0 {
		return nil
	}
	frame := &Frame{Type: FrameLogBatch, LogBatch: &LogBatchFrame{
		StartLSN: batch[0].LSN,
		Records:  make([]BatchedRecord, len(batch)),
	}}
	for i, r := range batch {
		frame.LogBatch.Records[i] = BatchedRecord{LSN: r.LSN, Record: r.Record}
	}
	endLSN := frame.LogBatch.EndLSN()
	e.setLastAppliedLSN(endLSN)

	e.connsMu.Lock()
	conns := make([]*standbyConn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.connsMu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.shipTo(c, frame, endLSN)
		}()
	}
	wg.Wait()
	return nil
}

func (e *Engine) shipTo(c *standbyConn, frame *Frame, endLSN veloxtype.LSN) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		if c.sync == Sync {
			e.degradeToFailing(c)
		}
		return
	}

	timer := vmetrics.NewTimer()
	if err := WriteFrame(conn, frame); err != nil {
		c.setHealth(StandbyFailing)
		return
	}

	if c.sync != Sync {
		return
	}

	deadline := time.NewTimer(AckTimeout)
	defer deadline.Stop()
	for {
		select {
		case ack := <-c.ackCh:
			timer.ObserveDurationVec(vmetrics.ReplicationRoundTrip, c.nodeName)
			if !ack.ThroughLSN.Less(endLSN) {
				c.setHealth(StandbyCaughtUp)
				return
			}
			// a stale ack for an earlier batch; keep waiting
		case <-deadline.C:
			e.degradeToFailing(c)
			return
		}
	}
}

func (e *Engine) degradeToFailing(c *standbyConn) {
	c.setHealth(StandbyFailing)
	vlog.WithComponent("replication").Warn().Str("standby", c.nodeName).Msg("sync standby timed out, degrading to Failing")
	if e.events != nil {
		e.events.Publish(&vevents.Event{
			Type:     vevents.EventStandbyFailing,
			Message:  fmt.Sprintf("standby %s did not acknowledge within %s", c.nodeName, AckTimeout),
			Metadata: map[string]string{"standby": c.nodeName},
		})
	}
}

// backfillBatchLimit bounds how many records one backfill LogBatch
// frame carries.
const backfillBatchLimit = 256

// backfill reads this primary's own WAL back and streams every commit
// record with CSN > fromCSN to conn, in CSN order, so a standby that
// was down (or freshly seeded from a checkpoint) catches up before
// live batches resume. It loops until a full pass over the log finds
// nothing new to send: commits that land while an earlier pass is
// streaming are picked up by the next pass.
func (e *Engine) backfill(conn net.Conn, fromCSN veloxtype.CSN) error {
	if e.wal == nil {
		return nil
	}

	for {
		shipped, lastShipped, err := e.backfillPass(conn, fromCSN)
		if err != nil {
			return err
		}
		if shipped == 0 {
			return nil
		}
		vlog.WithComponent("replication").Debug().Int("records", shipped).Uint64("through_csn", uint64(lastShipped)).Msg("backfill pass complete")
		fromCSN = lastShipped
	}
}

func (e *Engine) backfillPass(conn net.Conn, fromCSN veloxtype.CSN) (int, veloxtype.CSN, error) {
	// Everything the pass is about to read must be durable first: a
	// live reader stops at the first unflushed (torn-looking) byte.
	if err := e.wal.FlushThrough(e.wal.CurrentLSN()); err != nil {
		return 0, fromCSN, err
	}

	r, err := wal.NewLiveReader(e.wal.Dir(), veloxtype.LSN{})
	if err != nil {
		return 0, fromCSN, err
	}
	defer r.Close()

	shipped := 0
	last := fromCSN
	var batch []BatchedRecord

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		frame := &Frame{Type: FrameLogBatch, LogBatch: &LogBatchFrame{StartLSN: batch[0].LSN, Records: batch}}
		if err := WriteFrame(conn, frame); err != nil {
			return err
		}
		shipped += len(batch)
		batch = nil
		return nil
	}

	for {
		rec, lsn, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return shipped, last, err
		}
		if rec.Header.Type != wal.RecordCommit {
			wal.ReleaseRecord(rec)
			continue
		}

		logRec, derr := txn.DecodeLogRecord(rec.Payload)
		wal.ReleaseRecord(rec)
		if derr != nil {
			return shipped, last, derr
		}
		if logRec.CSN <= fromCSN {
			continue
		}

		batch = append(batch, BatchedRecord{LSN: lsn, Record: logRec})
		last = logRec.CSN
		if len(batch) >= backfillBatchLimit {
			if err := flush(); err != nil {
				return shipped, last, err
			}
		}
	}
	if err := flush(); err != nil {
		return shipped, last, err
	}
	return shipped, last, nil
}

func sleepOrStop(stopCh <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stopCh:
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > ReconnectBackoff.Max {
		return ReconnectBackoff.Max
	}
	return d
}
