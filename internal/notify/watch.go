package notify

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/splitio/flagsync/internal/events"
	"github.com/splitio/flagsync/internal/synchronizer"
)

// Watcher turns SDK events into alerts. Sync errors are batched: at most one
// failure alert goes out per cooldown, carrying the failures seen since the
// previous one.
type Watcher struct {
	notifier Notifier
	stats    func() synchronizer.Stats
	limiter  *rate.Limiter
	logger   *zap.Logger
	now      func() time.Time
}

func NewWatcher(notifier Notifier, stats func() synchronizer.Stats, cooldown time.Duration, logger *zap.Logger) *Watcher {
	if cooldown <= 0 {
		cooldown = 10 * time.Minute
	}
	return &Watcher{
		notifier: notifier,
		stats:    stats,
		limiter:  rate.NewLimiter(rate.Every(cooldown), 1),
		logger:   logger.With(zap.String("component", "alerts")),
		now:      time.Now,
	}
}

// Run consumes sub until it is closed or ctx is done.
func (w *Watcher) Run(ctx context.Context, sub *events.Subscription[events.Kind]) {
	started := w.now()
	readySent := false
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case kind, ok := <-sub.C:
			if !ok {
				return
			}
			switch kind {
			case events.SDKReady:
				if readySent {
					continue
				}
				readySent = true
				if err := w.notifier.SendReady(ctx, w.stats(), w.now().Sub(started)); err != nil {
					w.logger.Warn("ready alert failed", zap.Error(err))
				}
			case events.SyncError:
				failures++
				if !w.limiter.AllowN(w.now(), 1) {
					continue
				}
				if err := w.notifier.SendSyncErrors(ctx, w.stats(), failures); err != nil {
					w.logger.Warn("failure alert failed", zap.Error(err))
					continue
				}
				failures = 0
			}
		}
	}
}
