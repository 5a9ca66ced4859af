package notification

import (
	"errors"

	"go.uber.org/zap"

	"github.com/splitio/flagsync/internal/metrics"
)

// Dispatcher receives update notifications.
type Dispatcher interface {
	Dispatch(n Notification)
}

// Processor parses streaming events and routes them by type: health
// notifications to the tracker, updates to the dispatcher.
type Processor struct {
	tracker    *StatusTracker
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

func NewProcessor(tracker *StatusTracker, dispatcher Dispatcher, m *metrics.Metrics, logger *zap.Logger) *Processor {
	return &Processor{
		tracker:    tracker,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger.With(zap.String("component", "notification-processor")),
	}
}

// Process handles one event. Malformed events are logged and dropped.
func (p *Processor) Process(event, data string) {
	n, err := Parse(event, data)
	if err != nil {
		if !errors.Is(err, ErrKeepAlive) {
			p.logger.Warn("dropping unparseable notification", zap.Error(err))
		}
		return
	}
	p.metrics.IncNotification(string(n.Type()))

	switch v := n.(type) {
	case *Occupancy:
		p.tracker.HandleOccupancy(v)
	case *Control:
		p.tracker.HandleControl(v)
	case *ServerError:
		// Connection level, handled by the connection manager.
		p.logger.Debug("ignoring server error frame", zap.Int("code", v.Code))
	default:
		p.logger.Debug("dispatching notification",
			zap.String("type", string(n.Type())),
			zap.String("channel", n.Channel()))
		p.dispatcher.Dispatch(n)
	}
}
