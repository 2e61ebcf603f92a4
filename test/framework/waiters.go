package framework

import (
	"context"
	"fmt"
	"time"
)

// Waiter polls a condition until it holds or a timeout elapses, the
// black-box counterpart of watching an engine's internal state: a
// scenario test can only observe convergence (a write becoming
// visible on a standby, a delete propagating) through the wire client.
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a Waiter with the given timeout and polling interval.
func NewWaiter(timeout, interval time.Duration) *Waiter {
	return &Waiter{timeout: timeout, interval: interval}
}

// DefaultWaiter returns a waiter with defaults suited to replication
// convergence in the e2e scenarios (30s timeout, 250ms interval).
func DefaultWaiter() *Waiter {
	return NewWaiter(30*time.Second, 250*time.Millisecond)
}

// WaitFor polls condition until it returns true, failing with
// description once the waiter's timeout elapses.
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	if condition() {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// WaitForBlogVisible waits until client.GetBlog(id) returns a non-nil
// result, the shape a standby's applier makes true once it has caught
// up to the commit that created the blog.
func (w *Waiter) WaitForBlogVisible(ctx context.Context, client *Client, id uint64) error {
	return w.WaitFor(ctx, func() bool {
		b, err := client.GetBlog(id)
		return err == nil && b != nil
	}, fmt.Sprintf("blog %d to become visible", id))
}

// WaitForBlogDeleted waits until client.GetBlog(id) reports NotFound
// (nil, nil per Client.GetBlog's convention), used to observe a delete
// propagating to a standby.
func (w *Waiter) WaitForBlogDeleted(ctx context.Context, client *Client, id uint64) error {
	return w.WaitFor(ctx, func() bool {
		b, err := client.GetBlog(id)
		return err == nil && b == nil
	}, fmt.Sprintf("blog %d to be deleted", id))
}

// WaitForBlogUrl waits until client.GetBlog(id) reports the given Url,
// used to observe a standby catching up to a specific committed update.
func (w *Waiter) WaitForBlogUrl(ctx context.Context, client *Client, id uint64, url string) error {
	return w.WaitFor(ctx, func() bool {
		b, err := client.GetBlog(id)
		return err == nil && b != nil && b.Url == url
	}, fmt.Sprintf("blog %d to reach url %q", id, url))
}
