// Package netio is the node's transport layer: framed connections over TCP
// (optionally dialed through a SOCKS5 proxy) and the per-connection Route
// that buffers inbound messages for the owning PeerSession. Route is
// adapted from kaspad's netadapter/router.Route, generalized from
// wire.Message (kaspad's own type) to this repository's internal/wire
// message type.
package netio

import (
	"sync"
	"time"

	"github.com/beamlabs/beamnode/internal/wire"
	"github.com/pkg/errors"
)

const maxQueuedMessages = 100

// ErrTimeout signifies that a Route operation timed out.
var ErrTimeout = errors.New("timeout expired")

// onCapacityReachedHandler is invoked when a route has filled its buffer; it
// exists so PeerSession can treat an overflowing peer as abusive.
type onCapacityReachedHandler func()

// Route is an unbounded-looking, actually-bounded inbound message queue for
// one connection.
type Route struct {
	channel   chan wire.Message
	closed    bool
	closeLock sync.Mutex

	onCapacityReached onCapacityReachedHandler
}

// NewRoute creates an empty Route.
func NewRoute() *Route {
	return &Route{channel: make(chan wire.Message, maxQueuedMessages)}
}

// SetOnCapacityReachedHandler installs the overflow callback.
func (r *Route) SetOnCapacityReachedHandler(h onCapacityReachedHandler) {
	r.onCapacityReached = h
}

// Enqueue appends a message to the route. Returns false if the route is
// already closed.
func (r *Route) Enqueue(message wire.Message) bool {
	r.closeLock.Lock()
	defer r.closeLock.Unlock()

	if r.closed {
		return false
	}
	if len(r.channel) == maxQueuedMessages && r.onCapacityReached != nil {
		r.onCapacityReached()
	}
	r.channel <- message
	return true
}

// Dequeue blocks until a message is available or the route closes.
func (r *Route) Dequeue() (wire.Message, bool) {
	m, open := <-r.channel
	return m, open
}

// DequeueWithTimeout blocks until a message is available, the route closes,
// or the timeout elapses.
func (r *Route) DequeueWithTimeout(timeout time.Duration) (wire.Message, bool, error) {
	select {
	case <-time.After(timeout):
		return nil, false, errors.Wrapf(ErrTimeout, "no message within %s", timeout)
	case m, open := <-r.channel:
		return m, open, nil
	}
}

// Close marks the route closed and closes its channel; messages already
// queued can still be dequeued.
func (r *Route) Close() {
	r.closeLock.Lock()
	defer r.closeLock.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	close(r.channel)
}
