package broadcast

import (
	"errors"
	"fmt"
	"sync"

	"github.com/example/riderpresence/internal/presence/domain"
)

var (
	ErrSubscriberFull   = fmt.Errorf("%w: subscriber buffer full", domain.ErrBroadcast)
	ErrSubscriberClosed = errors.New("subscriber closed")
)

// ChannelSubscriber buffers events in a bounded channel. When the buffer is
// full the event is dropped for this subscriber only.
type ChannelSubscriber struct {
	id     string
	events chan Event

	mu     sync.RWMutex
	closed bool
}

// NewChannelSubscriber constructs a subscriber with the given buffer size.
func NewChannelSubscriber(id string, buffer int) *ChannelSubscriber {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSubscriber{id: id, events: make(chan Event, buffer)}
}

func (c *ChannelSubscriber) ID() string { return c.id }

// Deliver enqueues ev without blocking.
func (c *ChannelSubscriber) Deliver(ev Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrSubscriberClosed
	}
	select {
	case c.events <- ev:
		return nil
	default:
		return ErrSubscriberFull
	}
}

// Events is the receive side of the buffer. It is closed by Close.
func (c *ChannelSubscriber) Events() <-chan Event { return c.events }

// Close stops delivery and closes the events channel.
func (c *ChannelSubscriber) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.events)
}
