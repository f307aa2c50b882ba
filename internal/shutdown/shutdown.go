// Package shutdown holds the cooperative stop signal shared by the controller and the
// capture loops.
//
// One writer (the controller) flips the flag once; any number of loops poll it at the
// top of their iteration. There is no mid-iteration cancellation: a loop may run one
// more iteration after the request before it notices.
package shutdown

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Flag is the read-only view of a shutdown request handed to loops
type Flag interface {
	Requested() bool
}

// Coordinator owns the shutdown flag
type Coordinator struct {
	requested   atomic.Bool
	requestedAt atomic.Int64
	done        chan struct{}
}

// New creates a coordinator with the flag cleared
func New() *Coordinator {
	return &Coordinator{done: make(chan struct{})}
}

// Request sets the flag. Only the first call has any effect; reason is logged once.
func (c *Coordinator) Request(reason string) {
	if !c.requested.CompareAndSwap(false, true) {
		return
	}
	c.requestedAt.Store(time.Now().UnixNano())
	close(c.done)
	slog.Info("shutdown: requested", "reason", reason)
}

// Requested reports whether shutdown has been requested
func (c *Coordinator) Requested() bool {
	return c.requested.Load()
}

// Done is closed by the first Request, for callers that block instead of polling
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// RequestedAt returns when shutdown was requested, zero if it has not been
func (c *Coordinator) RequestedAt() time.Time {
	ns := c.requestedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
