package notification

import (
	"sync"

	"github.com/keyverify-api/internal/domain"
)

const defaultQueueSize = 16

// Subscriber is one live connection that can receive status events.
//
// Send is never closed by the hub so concurrent publishers cannot panic;
// done signals the connection's goroutines to stop.
type Subscriber struct {
	ID   string
	Send chan domain.StatusEvent

	done      chan struct{}
	closeOnce sync.Once
}

// NewSubscriber constructs a Subscriber with a bounded send queue.
func NewSubscriber(id string, queueSize int) *Subscriber {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Subscriber{
		ID:   id,
		Send: make(chan domain.StatusEvent, queueSize),
		done: make(chan struct{}),
	}
}

// Done is closed once the subscriber is shutting down.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Close signals shutdown (idempotent). It does not close Send.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
