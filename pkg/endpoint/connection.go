package endpoint

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/veloxdb/veloxdb/pkg/verror"
	"github.com/veloxdb/veloxdb/pkg/vlog"
	"github.com/veloxdb/veloxdb/pkg/vmetrics"
	"github.com/veloxdb/veloxdb/pkg/wireproto"
)

// state is one node of the per-connection state machine:
// Accepted → Handshaking → Ready → (Reading ↔ Dispatching ↔ Writing)* →
// Closing → Closed. From any state a timeout or IO failure moves
// straight to Closing.
type state int32

const (
	stateAccepted state = iota
	stateHandshaking
	stateReady
	stateReading
	stateDispatching
	stateWriting
	stateClosing
	stateClosed
)

// Conn is one accepted client connection.
type Conn struct {
	id string
	ep *Endpoint
	nc net.Conn

	state atomic.Int32

	writeMu sync.Mutex

	// inFlight bounds concurrently-dispatched requests on this
	// connection to MaxQueuedChunkCount; Acquire blocking here is
	// the read loop's backpressure point.
	inFlight chan struct{}

	lastActivity atomic.Int64 // unix nano

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// job is one Invoke request handed to the worker pool, FIFO across
// connections.
type job struct {
	conn       *Conn
	requestID  uint64
	body       *wireproto.InvokeBody
	bodyWeight int64
}

func newConn(ep *Endpoint, nc net.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:       uuid.NewString(),
		ep:       ep,
		nc:       nc,
		inFlight: make(chan struct{}, ep.cfg.MaxQueuedChunkCount),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.state.Store(int32(stateAccepted))
	c.touch()
	return c
}

func (c *Conn) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

func (c *Conn) setState(s state) { c.state.Store(int32(s)) }

// serve drives one connection from Accepted through to Closed. It
// returns once the connection is done, either because the peer closed
// it, a protocol error occurred, or the Endpoint is stopping.
func (c *Conn) serve() {
	defer c.close()

	c.setState(stateHandshaking)
	if c.ep.cfg.InactivityTimeout > 0 {
		c.nc.SetReadDeadline(time.Now().Add(c.ep.cfg.InactivityTimeout))
	}
	hello, err := wireproto.ReadFrame(c.nc)
	if err != nil {
		vlog.WithConn(c.id).Debug().Err(err).Msg("handshake failed")
		return
	}
	if hello.Header.Type != wireproto.FrameHello {
		c.writeError(hello.Header.RequestID, &verror.ClientProtocolError{Reason: "expected Hello as first frame"})
		return
	}
	c.touch()

	if c.ep.cfg.InactivityInterval > 0 {
		go c.idleProbe()
	}

	c.setState(stateReady)
	c.readLoop()
}

// readLoop is the Reading half of the state machine: it decodes
// frames off the wire and, for Invoke, hands them to the worker pool
// (blocking on inFlight — this connection's own backpressure — and on
// the shared buffer pool's high-water mark).
func (c *Conn) readLoop() {
	for {
		c.setState(stateReading)
		if c.ep.cfg.InactivityTimeout > 0 {
			c.nc.SetReadDeadline(time.Now().Add(c.ep.cfg.InactivityTimeout))
		}
		frame, err := wireproto.ReadFrame(c.nc)
		if err != nil {
			return
		}
		c.touch()

		switch frame.Header.Type {
		case wireproto.FrameInvoke:
			body, ok := frame.Body.(*wireproto.InvokeBody)
			if !ok {
				c.writeError(frame.Header.RequestID, &verror.ClientProtocolError{Reason: "malformed Invoke body"})
				return
			}
			weight := int64(len(body.Args))
			c.ep.buffers.Acquire(weight)

			select {
			case c.inFlight <- struct{}{}:
			case <-c.ctx.Done():
				c.ep.buffers.Release(weight)
				return
			}

			vmetrics.EndpointBacklogDepth.Inc()
			select {
			case c.ep.jobCh <- &job{conn: c, requestID: frame.Header.RequestID, body: body, bodyWeight: weight}:
			case <-c.ctx.Done():
				vmetrics.EndpointBacklogDepth.Dec()
				c.ep.buffers.Release(weight)
				<-c.inFlight
				return
			}

		case wireproto.FrameHeartbeat:
			c.writeFrame(wireproto.FrameHeartbeat, frame.Header.RequestID, &wireproto.HeartbeatBody{})

		case wireproto.FrameGoodbye:
			return

		default:
			c.writeError(frame.Header.RequestID, &verror.ClientProtocolError{Reason: "unexpected frame type"})
			return
		}
	}
}

// idleProbe sends a Heartbeat to an otherwise-quiet connection every
// InactivityInterval, so a live-but-idle client's TCP path is
// exercised between the read deadlines that would otherwise be the
// only liveness signal.
func (c *Conn) idleProbe() {
	t := time.NewTicker(c.ep.cfg.InactivityInterval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			last := time.Unix(0, c.lastActivity.Load())
			if time.Since(last) >= c.ep.cfg.InactivityInterval {
				if err := c.writeFrame(wireproto.FrameHeartbeat, 0, &wireproto.HeartbeatBody{}); err != nil {
					return
				}
			}
		}
	}
}

func (c *Conn) writeFrame(t wireproto.FrameType, requestID uint64, body any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	prev := state(c.state.Load())
	c.setState(stateWriting)
	defer c.setState(prev)
	return wireproto.WriteFrame(c.nc, t, requestID, body)
}

func (c *Conn) writeResult(requestID uint64, payload []byte) error {
	return c.writeFrame(wireproto.FrameResult, requestID, &wireproto.ResultBody{Payload: payload})
}

func (c *Conn) writeError(requestID uint64, err error) error {
	code, msg := errorCode(err)
	werr := c.writeFrame(wireproto.FrameError, requestID, &wireproto.ErrorBody{Code: code, Message: msg})
	return werr
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.setState(stateClosing)
		c.cancel()
		c.nc.Close()
		c.setState(stateClosed)
	})
}

// writeRejection writes a single Error frame to a connection that
// never made it past admission control (so never had a Conn or a
// handshake). Best-effort: the caller closes nc immediately after.
func writeRejection(nc net.Conn, err error) {
	code, msg := errorCode(err)
	_ = wireproto.WriteFrame(nc, wireproto.FrameError, 0, &wireproto.ErrorBody{Code: code, Message: msg})
}

// errorCode maps a typed error kind to its wire Code string. Anything
// outside that vocabulary (which should not happen once dispatch has
// translated it) falls back to ArgumentError.
func errorCode(err error) (code, message string) {
	switch err.(type) {
	case *verror.ClientProtocolError:
		return "ClientProtocolError", err.Error()
	case *verror.AuthError:
		return "AuthError", err.Error()
	case *verror.OperationUnknown:
		return "OperationUnknown", err.Error()
	case *verror.ArgumentError:
		return "ArgumentError", err.Error()
	case *verror.NotFound:
		return "NotFound", err.Error()
	case *verror.ConflictError:
		return "ConflictError", err.Error()
	case *verror.IntegrityError:
		return "IntegrityError", err.Error()
	case *verror.NotPrimary:
		return "NotPrimary", err.Error()
	case *verror.Busy:
		return "Busy", err.Error()
	case *verror.ReplicationTimeout:
		return "ReplicationTimeout", err.Error()
	case *verror.StorageCorruption:
		return "StorageCorruption", err.Error()
	default:
		return "ArgumentError", err.Error()
	}
}
