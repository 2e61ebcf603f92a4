// Package endpoint implements the Execution Endpoint: the TCP
// listener client connections arrive on, its admission control
// (backlog/connection/buffer-pool limits), its fixed worker pool, and
// the per-connection state machine that reads framed Invoke requests
// and writes back Result/Error frames. TLS is optional, built from
// the SSLConfiguration block via pkg/security.
package endpoint

import (
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/veloxdb/veloxdb/pkg/dispatch"
	"github.com/veloxdb/veloxdb/pkg/security"
	"github.com/veloxdb/veloxdb/pkg/verror"
	"github.com/veloxdb/veloxdb/pkg/vlog"
	"github.com/veloxdb/veloxdb/pkg/vmetrics"
)

// Config mirrors the ExecutionEndpoint configuration block.
type Config struct {
	Port                int
	BacklogSize         int
	MaxOpenConnCount    int
	BufferPoolSize      int64
	InactivityInterval  time.Duration
	InactivityTimeout   time.Duration
	MaxQueuedChunkCount int
	WorkerCount         int
	TLS                 security.Config
}

// Endpoint is one running Execution Endpoint: a listener, a fixed
// worker pool, and the admission-control state shared by every
// accepted connection.
type Endpoint struct {
	cfg     Config
	disp    *dispatch.Dispatcher
	lis     net.Listener
	jobCh   chan *job
	connSem chan struct{} // MaxOpenConnCount admission gate
	buffers *bufferPool

	connsMu sync.Mutex
	conns   map[string]*Conn

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs an Endpoint dispatching accepted invocations to disp.
// Listen must be called to actually bind and start serving.
func New(cfg Config, disp *dispatch.Dispatcher) *Endpoint {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 16
	}
	if cfg.MaxOpenConnCount <= 0 {
		cfg.MaxOpenConnCount = 1024
	}
	if cfg.MaxQueuedChunkCount <= 0 {
		cfg.MaxQueuedChunkCount = 256
	}

	return &Endpoint{
		cfg:     cfg,
		disp:    disp,
		jobCh:   make(chan *job, cfg.WorkerCount),
		connSem: make(chan struct{}, cfg.MaxOpenConnCount),
		buffers: newBufferPool(cfg.BufferPoolSize),
		conns:   make(map[string]*Conn),
		stopCh:  make(chan struct{}),
	}
}

// Listen binds the configured port (optionally under TLS per
// cfg.TLS) and begins accepting connections and running the worker
// pool. It returns once the listener is bound; Serve errors surface
// asynchronously through logging, since an already-running server has
// no synchronous caller to report to.
func (e *Endpoint) Listen() error {
	addr := net.JoinHostPort("", strconv.Itoa(e.cfg.Port))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	tlsCfg, err := security.BuildServerTLSConfig(e.cfg.TLS)
	if err != nil {
		lis.Close()
		return err
	}
	if tlsCfg != nil {
		lis = tls.NewListener(lis, tlsCfg)
	}
	e.lis = lis

	for i := 0; i < e.cfg.WorkerCount; i++ {
		e.wg.Add(1)
		go e.worker()
	}

	e.wg.Add(1)
	go e.acceptLoop()
	return nil
}

// Addr returns the bound listener address. Listen must have succeeded
// first.
func (e *Endpoint) Addr() net.Addr {
	if e.lis == nil {
		return nil
	}
	return e.lis.Addr()
}

// Stop closes the listener and every open connection, and waits for
// the accept loop and worker pool to drain.
func (e *Endpoint) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		if e.lis != nil {
			e.lis.Close()
		}
		e.connsMu.Lock()
		for _, c := range e.conns {
			c.close()
		}
		e.connsMu.Unlock()
		e.buffers.Close()
	})
	e.wg.Wait()
}

func (e *Endpoint) acceptLoop() {
	defer e.wg.Done()
	for {
		conn, err := e.lis.Accept()
		if err != nil {
			select {
			case <-e.stopCh:
				return
			default:
				vlog.WithComponent("endpoint").Warn().Err(err).Msg("accept failed")
				return
			}
		}

		select {
		case e.connSem <- struct{}{}:
		default:
			vmetrics.EndpointConnectionsRejected.WithLabelValues("max_open_conn_count").Inc()
			writeRejection(conn, &verror.Busy{Reason: "MaxOpenConnCount reached"})
			conn.Close()
			continue
		}

		c := newConn(e, conn)
		e.connsMu.Lock()
		e.conns[c.id] = c
		e.connsMu.Unlock()
		vmetrics.EndpointConnectionsOpen.Inc()

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			c.serve()
			e.connsMu.Lock()
			delete(e.conns, c.id)
			e.connsMu.Unlock()
			<-e.connSem
			vmetrics.EndpointConnectionsOpen.Dec()
		}()
	}
}
