// Package events provides in-process publish/subscribe hubs for push-status
// transitions and client-facing SDK events.
package events

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultBufferSize = 64

// Subscription is a single subscriber of a Broadcaster.
type Subscription[T any] struct {
	ID string
	C  <-chan T

	ch chan T
}

// Broadcaster fans every published value out to all subscribers.
// Publishing never blocks: values for subscribers with a full buffer are
// dropped and logged.
type Broadcaster[T any] struct {
	name       string
	bufferSize int
	logger     *zap.Logger

	mu          sync.RWMutex
	subscribers map[string]*Subscription[T]
	closed      bool
}

// NewBroadcaster creates a Broadcaster with the default subscriber buffer.
func NewBroadcaster[T any](name string, logger *zap.Logger) *Broadcaster[T] {
	return NewBroadcasterWithBuffer[T](name, defaultBufferSize, logger)
}

// NewBroadcasterWithBuffer creates a Broadcaster with a custom subscriber buffer.
func NewBroadcasterWithBuffer[T any](name string, bufferSize int, logger *zap.Logger) *Broadcaster[T] {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Broadcaster[T]{
		name:        name,
		bufferSize:  bufferSize,
		logger:      logger,
		subscribers: make(map[string]*Subscription[T]),
	}
}

// Subscribe registers a new subscriber. The caller must Unsubscribe when done.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	ch := make(chan T, b.bufferSize)
	sub := &Subscription[T]{ID: uuid.New().String(), C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster[T]) Unsubscribe(sub *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub.ID]; !ok {
		return
	}
	delete(b.subscribers, sub.ID)
	close(sub.ch)
}

// Publish delivers v to every subscriber.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for id, sub := range b.subscribers {
		select {
		case sub.ch <- v:
		default:
			b.logger.Warn("subscriber buffer full, dropping event",
				zap.String("broadcaster", b.name),
				zap.String("subscriber", id),
			)
		}
	}
}

// Count returns the number of active subscribers.
func (b *Broadcaster[T]) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// ChannelNotifier adapts a Broadcaster of Kind to the Notifier interface.
type ChannelNotifier struct {
	hub *Broadcaster[Kind]
}

// NewChannelNotifier wraps hub.
func NewChannelNotifier(hub *Broadcaster[Kind]) *ChannelNotifier {
	return &ChannelNotifier{hub: hub}
}

// Notify publishes kind on the wrapped hub.
func (n *ChannelNotifier) Notify(kind Kind) {
	n.hub.Publish(kind)
}

var _ Notifier = (*ChannelNotifier)(nil)
