package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/splitio/flagsync/internal/notification"
)

const defaultQueueSize = 256

// queue processes notifications of one class in arrival order on a single
// goroutine.
type queue struct {
	name   string
	ch     chan notification.Notification
	handle func(ctx context.Context, n notification.Notification)
	logger *zap.Logger
}

func newQueue(name string, size int, handle func(context.Context, notification.Notification), logger *zap.Logger) *queue {
	if size < 1 {
		size = defaultQueueSize
	}
	return &queue{
		name:   name,
		ch:     make(chan notification.Notification, size),
		handle: handle,
		logger: logger.With(zap.String("queue", name)),
	}
}

func (q *queue) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-q.ch:
			q.handle(ctx, n)
		}
	}
}

// enqueue never blocks the caller, which is the stream reader.
func (q *queue) enqueue(n notification.Notification) {
	select {
	case q.ch <- n:
	default:
		q.logger.Warn("queue full, dropping notification", zap.String("type", string(n.Type())))
	}
}
