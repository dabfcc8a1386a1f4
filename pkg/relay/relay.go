// Package relay decouples response computation from publishing. Responder
// goroutines finish their store round trip and hand the result here; the
// control loop is the single consumer and publishes each entry in FIFO
// order.
package relay

import (
	"errors"

	"github.com/ryandielhenn/carmesh/pkg/protocol"
)

// ErrFull is returned when the queue is at capacity. The response is
// rejected rather than evicting an older one: every queued entry was
// solicited by a live request, and dropping the oldest would starve the
// earliest requester under sustained overload.
var ErrFull = errors.New("relay: queue full")

const DefaultCapacity = 128

// Relay is a bounded multi-producer, single-consumer queue of responses.
type Relay struct {
	ch chan protocol.ListResponse
}

func New(capacity int) *Relay {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Relay{ch: make(chan protocol.ListResponse, capacity)}
}

// Send enqueues a response without blocking. On a full queue it returns
// ErrFull and the response is discarded.
func (r *Relay) Send(resp protocol.ListResponse) error {
	select {
	case r.ch <- resp:
		return nil
	default:
		return ErrFull
	}
}

// Out is the consumer side, intended for exactly one receiver.
func (r *Relay) Out() <-chan protocol.ListResponse { return r.ch }

// Len reports the number of queued responses.
func (r *Relay) Len() int { return len(r.ch) }
