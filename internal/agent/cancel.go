package agent

import "sync"

// CancelToken is a cooperative cancellation signal for a single run. The
// orchestrator samples it only between steps, so an in-flight model or
// capability call always completes. The zero value is ready to use.
type CancelToken struct {
	initOnce   sync.Once
	cancelOnce sync.Once
	ch         chan struct{}
}

func NewCancelToken() *CancelToken {
	return &CancelToken{}
}

func (c *CancelToken) channel() chan struct{} {
	c.initOnce.Do(func() { c.ch = make(chan struct{}) })
	return c.ch
}

// Cancel requests cancellation. Safe to call more than once.
func (c *CancelToken) Cancel() {
	ch := c.channel()
	c.cancelOnce.Do(func() { close(ch) })
}

// Cancelled reports whether Cancel has been called. A nil token is never cancelled.
func (c *CancelToken) Cancelled() bool {
	if c == nil {
		return false
	}
	select {
	case <-c.channel():
		return true
	default:
		return false
	}
}

// Done returns a channel closed on cancellation. A nil token's channel never closes.
func (c *CancelToken) Done() <-chan struct{} {
	if c == nil {
		return nil
	}
	return c.channel()
}
