// Package bus carries inbound messages to the dispatcher and its responses
// back to the transport, over bounded in-process queues.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zulandar/switchyard/internal/message"
	"go.uber.org/zap"
)

// Delivery is one response addressed to a user.
type Delivery struct {
	UserID   string
	Message  *message.Message
	Response *message.Response
}

// DefaultSize is the queue capacity used when Opts.Size is zero.
const DefaultSize = 100

const publishTimeout = 100 * time.Millisecond

// Opts holds parameters for creating a Bus.
type Opts struct {
	Size   int
	Logger *zap.Logger
}

// Bus is a pair of bounded queues. Publishing blocks briefly when a queue is
// full and then drops the item.
type Bus struct {
	inbound  chan *message.Message
	outbound chan Delivery
	closed   bool
	dropped  droppedCounters
	log      *zap.Logger
	mu       sync.RWMutex
}

type droppedCounters struct {
	inbound  atomic.Uint64
	outbound atomic.Uint64
}

// New creates a Bus.
func New(opts Opts) *Bus {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Bus{
		inbound:  make(chan *message.Message, opts.Size),
		outbound: make(chan Delivery, opts.Size),
		log:      opts.Logger,
	}
}

// PublishInbound queues msg for processing. It reports false when the bus is
// closed or the message was dropped.
func (b *Bus) PublishInbound(msg *message.Message) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}

	select {
	case b.inbound <- msg:
		return true
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.inbound <- msg:
			return true
		case <-timer.C:
			b.dropped.inbound.Add(1)
			b.log.Warn("inbound queue full, message dropped",
				zap.String("user", msg.UserID()),
				zap.String("message", msg.Name))
			return false
		}
	}
}

// ConsumeInbound waits for the next inbound message. It returns false once
// the bus is closed or ctx is done.
func (b *Bus) ConsumeInbound(ctx context.Context) (*message.Message, bool) {
	select {
	case msg, ok := <-b.inbound:
		return msg, ok
	case <-ctx.Done():
		return nil, false
	}
}

// PublishOutbound queues a response for delivery.
func (b *Bus) PublishOutbound(d Delivery) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}

	select {
	case b.outbound <- d:
		return true
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.outbound <- d:
			return true
		case <-timer.C:
			b.dropped.outbound.Add(1)
			b.log.Warn("outbound queue full, response dropped",
				zap.String("user", d.UserID),
				zap.String("response", d.Response.Name))
			return false
		}
	}
}

// SubscribeOutbound waits for the next response. It returns false once the
// bus is closed or ctx is done.
func (b *Bus) SubscribeOutbound(ctx context.Context) (Delivery, bool) {
	select {
	case d, ok := <-b.outbound:
		return d, ok
	case <-ctx.Done():
		return Delivery{}, false
	}
}

// Close closes both queues. Items already queued can still be consumed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.inbound)
	close(b.outbound)
}

// PendingOutbound returns the number of queued responses.
func (b *Bus) PendingOutbound() int {
	return len(b.outbound)
}

func (b *Bus) DroppedInbound() uint64 {
	return b.dropped.inbound.Load()
}

func (b *Bus) DroppedOutbound() uint64 {
	return b.dropped.outbound.Load()
}
