package synchelper

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/splitio/flagsync/internal/dtos"
)

// DefaultProxyCheckInterval is how long the legacy spec is used after an
// outdated proxy is detected.
const DefaultProxyCheckInterval = 24 * time.Hour

// ProxyStrategy decides which changes spec to request and when to rebuild
// the local snapshot from scratch.
type ProxyStrategy interface {
	ShouldEnterRecovery() bool
	CurrentSpec() string
	TrackProxyError()
	ResetProxyCheckTimestamp()
}

// OutdatedProxyHandler downgrades to the legacy spec when a custom sdk URL
// rejects the latest one, and upgrades again once the check interval passes.
type OutdatedProxyHandler struct {
	mu        sync.Mutex
	customURL bool
	interval  time.Duration
	lastCheck time.Time
	now       func() time.Time
	logger    *zap.Logger
}

func NewOutdatedProxyHandler(customURL bool, interval time.Duration, logger *zap.Logger) *OutdatedProxyHandler {
	if interval <= 0 {
		interval = DefaultProxyCheckInterval
	}
	return &OutdatedProxyHandler{
		customURL: customURL,
		interval:  interval,
		now:       time.Now,
		logger:    logger.With(zap.String("component", "proxy-handler")),
	}
}

func (h *OutdatedProxyHandler) fallbackLocked() bool {
	return !h.lastCheck.IsZero() && h.now().Sub(h.lastCheck) < h.interval
}

// ShouldEnterRecovery reports whether the legacy period is over and the
// latest spec should be tried again from a clean snapshot.
func (h *OutdatedProxyHandler) ShouldEnterRecovery() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.lastCheck.IsZero() && !h.fallbackLocked()
}

func (h *OutdatedProxyHandler) CurrentSpec() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fallbackLocked() {
		return dtos.Spec11
	}
	return dtos.Spec13
}

// TrackProxyError records that the latest spec was rejected.
func (h *OutdatedProxyHandler) TrackProxyError() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.customURL || h.fallbackLocked() {
		return
	}
	h.lastCheck = h.now()
	h.logger.Warn("proxy rejected latest spec, falling back",
		zap.String("spec", dtos.Spec11),
		zap.Duration("for", h.interval))
}

// ResetProxyCheckTimestamp leaves recovery mode.
func (h *OutdatedProxyHandler) ResetProxyCheckTimestamp() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.lastCheck.IsZero() {
		h.logger.Info("proxy serves latest spec again")
	}
	h.lastCheck = time.Time{}
}
