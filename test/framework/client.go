package framework

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/veloxdb/veloxdb/pkg/wireproto"
)

// RemoteError wraps an Error frame's Code/Message as seen by a client —
// the protocol-level counterpart of pkg/verror's typed errors, which
// never cross the wire themselves.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// pending is one in-flight Invoke awaiting its Result or Error frame.
type pending struct {
	resultCh chan *wireproto.ResultBody
	errCh    chan *wireproto.ErrorBody
}

// Client is a minimal wire-protocol client: it dials one Execution
// Endpoint connection, performs the Hello handshake, and multiplexes
// concurrent Invoke calls over it by requestID, since a server worker
// pool can return Result/Error frames out of request order.
type Client struct {
	nc net.Conn

	nextReqID atomic.Uint64

	mu      sync.Mutex
	waiting map[uint64]*pending
	closed  bool
	readErr error

	writeMu sync.Mutex
}

// Dial connects to addr, optionally over TLS, and completes the Hello
// handshake that every connection must begin with.
func Dial(addr string, tlsCfg *tls.Config) (*Client, error) {
	var nc net.Conn
	var err error
	if tlsCfg != nil {
		nc, err = tls.DialWithDialer(&net.Dialer{Timeout: 5 * time.Second}, "tcp", addr, tlsCfg)
	} else {
		nc, err = net.DialTimeout("tcp", addr, 5*time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("framework: dial %s: %w", addr, err)
	}

	c := &Client{nc: nc, waiting: make(map[uint64]*pending)}

	if err := wireproto.WriteFrame(nc, wireproto.FrameHello, 0, &wireproto.HelloBody{ClientName: "veloxdb-test-client"}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("framework: send Hello: %w", err)
	}

	go c.readLoop()
	return c, nil
}

// readLoop is the Client's single reader: it demultiplexes Result and
// Error frames by RequestID to whichever goroutine is blocked in
// Invoke for that request.
func (c *Client) readLoop() {
	for {
		frame, err := wireproto.ReadFrame(c.nc)
		if err != nil {
			c.failAll(err)
			return
		}

		switch body := frame.Body.(type) {
		case *wireproto.ResultBody:
			c.deliver(frame.Header.RequestID, func(p *pending) { p.resultCh <- body })
		case *wireproto.ErrorBody:
			c.deliver(frame.Header.RequestID, func(p *pending) { p.errCh <- body })
		case *wireproto.HeartbeatBody:
			// liveness only, no reply required
		default:
			// Hello/Goodbye arriving unsolicited: ignore
		}
	}
}

func (c *Client) deliver(reqID uint64, send func(*pending)) {
	c.mu.Lock()
	p, ok := c.waiting[reqID]
	if ok {
		delete(c.waiting, reqID)
	}
	c.mu.Unlock()
	if ok {
		send(p)
	}
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	c.closed = true
	c.readErr = err
	waiting := c.waiting
	c.waiting = nil
	c.mu.Unlock()

	for _, p := range waiting {
		p.errCh <- &wireproto.ErrorBody{Code: "ClientProtocolError", Message: err.Error()}
	}
}

// Invoke calls apiName.opName with args marshaled to BSON, and
// unmarshals a successful result into result (which may be nil to
// discard the payload).
func (c *Client) Invoke(apiName, opName string, args, result any) error {
	argBlob, err := bson.Marshal(args)
	if err != nil {
		return fmt.Errorf("framework: encode args: %w", err)
	}

	reqID := c.nextReqID.Add(1)
	p := &pending{resultCh: make(chan *wireproto.ResultBody, 1), errCh: make(chan *wireproto.ErrorBody, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("framework: connection closed: %w", c.readErr)
	}
	c.waiting[reqID] = p
	c.mu.Unlock()

	c.writeMu.Lock()
	werr := wireproto.WriteFrame(c.nc, wireproto.FrameInvoke, reqID, &wireproto.InvokeBody{APIName: apiName, OpName: opName, Args: argBlob})
	c.writeMu.Unlock()
	if werr != nil {
		return fmt.Errorf("framework: write Invoke: %w", werr)
	}

	select {
	case res := <-p.resultCh:
		if result == nil || len(res.Payload) == 0 {
			return nil
		}
		return bson.Unmarshal(res.Payload, result)
	case errBody := <-p.errCh:
		return &RemoteError{Code: errBody.Code, Message: errBody.Message}
	case <-time.After(30 * time.Second):
		return fmt.Errorf("framework: invoke %s.%s timed out", apiName, opName)
	}
}

// Close sends Goodbye and closes the underlying connection.
func (c *Client) Close() error {
	_ = wireproto.WriteFrame(c.nc, wireproto.FrameGoodbye, 0, &wireproto.GoodbyeBody{Reason: "test complete"})
	return c.nc.Close()
}

// BlogResult mirrors pkg/veloxapi's wire-level Blog payload shape.
// pkg/veloxapi's structs carry no bson tags, so the driver's default
// all-lowercase field naming applies on both sides of the wire.
type BlogResult struct {
	Id    uint64   `bson:"id"`
	Url   string   `bson:"url"`
	Posts []uint64 `bson:"posts"`
}

// PostResult mirrors pkg/veloxapi's wire-level Post payload shape.
type PostResult struct {
	Id     uint64 `bson:"id"`
	BlogId uint64 `bson:"blogid"`
	Title  string `bson:"title"`
}

// CreateBlog invokes Blog.Create.
func (c *Client) CreateBlog(url string) (*BlogResult, error) {
	var res BlogResult
	if err := c.Invoke("Blog", "Create", map[string]any{"url": url}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetBlog invokes Blog.Get. A NotFound RemoteError is returned as
// (nil, nil) so callers can test visibility with a plain nil check.
func (c *Client) GetBlog(id uint64) (*BlogResult, error) {
	var res BlogResult
	err := c.Invoke("Blog", "Get", map[string]any{"id": id}, &res)
	if re, ok := err.(*RemoteError); ok && re.Code == "NotFound" {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// UpdateBlog invokes Blog.Update.
func (c *Client) UpdateBlog(id uint64, url string) (*BlogResult, error) {
	var res BlogResult
	if err := c.Invoke("Blog", "Update", map[string]any{"id": id, "url": url}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DeleteBlog invokes Blog.Delete.
func (c *Client) DeleteBlog(id uint64) (bool, error) {
	var res struct {
		Deleted bool `bson:"deleted"`
	}
	if err := c.Invoke("Blog", "Delete", map[string]any{"id": id}, &res); err != nil {
		return false, err
	}
	return res.Deleted, nil
}

// CreatePost invokes Post.Create.
func (c *Client) CreatePost(blogID uint64, title string) (*PostResult, error) {
	var res PostResult
	if err := c.Invoke("Post", "Create", map[string]any{"blogid": blogID, "title": title}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetPost invokes Post.Get, returning (nil, nil) on NotFound.
func (c *Client) GetPost(id uint64) (*PostResult, error) {
	var res PostResult
	err := c.Invoke("Post", "Get", map[string]any{"id": id}, &res)
	if re, ok := err.(*RemoteError); ok && re.Code == "NotFound" {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// DeletePost invokes Post.Delete.
func (c *Client) DeletePost(id uint64) (bool, error) {
	var res struct {
		Deleted bool `bson:"deleted"`
	}
	if err := c.Invoke("Post", "Delete", map[string]any{"id": id}, &res); err != nil {
		return false, err
	}
	return res.Deleted, nil
}
