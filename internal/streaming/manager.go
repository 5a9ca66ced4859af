package streaming

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/splitio/flagsync/internal/api"
	"github.com/splitio/flagsync/internal/backoff"
	"github.com/splitio/flagsync/internal/events"
	"github.com/splitio/flagsync/internal/metrics"
	"github.com/splitio/flagsync/internal/notification"
	"github.com/splitio/flagsync/internal/timers"
)

// State of the connection manager.
type State int

const (
	StateDisconnected State = iota
	StateAuthenticating
	StateConnecting
	StateConnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthenticating:
		return "authenticating"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session end causes.
var (
	errStopped          = errors.New("streaming stopped")
	errPaused           = errors.New("streaming paused")
	errRestarted        = errors.New("streaming restarted")
	errKeepAliveExpired = errors.New("keep-alive timeout")
	errTokenRefresh     = errors.New("token refresh")
)

// nonRetryableError ends streaming for the session.
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// ManagerOptions tunes the connection manager.
type ManagerOptions struct {
	Keys                 []string
	KeepAliveTimeout     time.Duration
	TokenRefreshMargin   time.Duration
	// MinTokenRefresh is the shortest token refresh delay.
	MinTokenRefresh      time.Duration
	ReconnectBackoffBase time.Duration
	AuthBackoffBase      time.Duration
	// OnEvent receives every frame that is neither a keep-alive nor a
	// server error.
	OnEvent func(Event)
	// OnConnected runs after each successful handshake, before
	// PushSubsystemUp is published.
	OnConnected func()
}

// Streamer opens a single stream. *Client implements it.
type Streamer interface {
	Connect(ctx context.Context, token *Token, cb Callbacks) error
}

// ConnectionManager authenticates, connects and reconnects the push channel.
// Every push status it observes is published on the status broadcaster.
type ConnectionManager struct {
	auth      api.Authenticator
	streamer  Streamer
	scheduler *timers.Scheduler
	status    *events.Broadcaster[events.PushStatusEvent]
	metrics   *metrics.Metrics
	opts      ManagerOptions
	logger    *zap.Logger

	reconnectBackoff *backoff.Counter
	authBackoff      *backoff.Counter

	mu         sync.Mutex
	state      State
	generation uint64
	cancel     context.CancelCauseFunc
	endConn    context.CancelCauseFunc
	done       chan struct{}
}

func NewConnectionManager(
	auth api.Authenticator,
	streamer Streamer,
	scheduler *timers.Scheduler,
	status *events.Broadcaster[events.PushStatusEvent],
	m *metrics.Metrics,
	opts ManagerOptions,
	logger *zap.Logger,
) *ConnectionManager {
	if opts.KeepAliveTimeout <= 0 {
		opts.KeepAliveTimeout = 70 * time.Second
	}
	if opts.TokenRefreshMargin <= 0 {
		opts.TokenRefreshMargin = 10 * time.Minute
	}
	if opts.MinTokenRefresh <= 0 {
		opts.MinTokenRefresh = time.Minute
	}
	if opts.ReconnectBackoffBase <= 0 {
		opts.ReconnectBackoffBase = time.Second
	}
	if opts.AuthBackoffBase <= 0 {
		opts.AuthBackoffBase = time.Second
	}
	return &ConnectionManager{
		auth:             auth,
		streamer:         streamer,
		scheduler:        scheduler,
		status:           status,
		metrics:          m,
		opts:             opts,
		logger:           logger.With(zap.String("component", "connection-manager")),
		reconnectBackoff: backoff.New(opts.ReconnectBackoffBase),
		authBackoff:      backoff.New(opts.AuthBackoffBase),
		state:            StateDisconnected,
	}
}

// State returns the current connection state.
func (m *ConnectionManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start begins a session unless one is already running or the manager was
// stopped.
func (m *ConnectionManager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateStopped || m.cancel != nil {
		return
	}
	m.startLocked()
}

// Stop ends streaming for good. It returns without waiting for the session
// to tear down.
func (m *ConnectionManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endLocked(errStopped)
	m.state = StateStopped
}

// Pause ends the current session; Resume starts a new one.
func (m *ConnectionManager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateStopped {
		return
	}
	m.endLocked(errPaused)
	m.state = StateDisconnected
}

func (m *ConnectionManager) Resume() {
	m.Start()
}

// Restart ends the current session and immediately starts a fresh one.
func (m *ConnectionManager) Restart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateStopped {
		return
	}
	m.endLocked(errRestarted)
	m.state = StateDisconnected
	m.startLocked()
}

// Done is closed when the running session goroutine exits. It returns a
// closed channel when no session is running.
func (m *ConnectionManager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return m.done
}

func (m *ConnectionManager) startLocked() {
	m.generation++
	ctx, cancel := context.WithCancelCause(context.Background())
	m.cancel = cancel
	done := make(chan struct{})
	m.done = done
	gen := m.generation

	go func() {
		defer close(done)
		m.run(ctx, gen)
	}()
}

func (m *ConnectionManager) endLocked(cause error) {
	if m.cancel != nil {
		m.cancel(cause)
		m.cancel = nil
	}
	m.endConn = nil
	m.generation++
	m.scheduler.Cancel(timers.KeepAlive)
	m.scheduler.Cancel(timers.TokenRefresh)
	m.metrics.SetStreamingConnected(false)
}

// transition updates the state if gen is still the current session.
func (m *ConnectionManager) transition(gen uint64, s State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return false
	}
	m.state = s
	return true
}

// finish marks the session as over when it ends on its own.
func (m *ConnectionManager) finish(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return
	}
	m.state = StateDisconnected
	m.cancel = nil
	m.endConn = nil
}

// scheduleFor arms a timer on behalf of session gen. Stale sessions must not
// replace the timers of the current one.
func (m *ConnectionManager) scheduleFor(gen uint64, name string, delay time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen == m.generation {
		m.scheduler.Schedule(name, delay, fn)
	}
}

func (m *ConnectionManager) cancelTimers(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return false
	}
	m.endConn = nil
	m.scheduler.Cancel(timers.KeepAlive)
	m.scheduler.Cancel(timers.TokenRefresh)
	return true
}

// bindConn registers the cancel func of the connection attempt of gen.
func (m *ConnectionManager) bindConn(gen uint64, cancel context.CancelCauseFunc) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return false
	}
	m.endConn = cancel
	return true
}

// expire drops the current connection of gen. The session goes on and
// decides from cause whether to reconnect.
func (m *ConnectionManager) expire(gen uint64, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen == m.generation && m.endConn != nil {
		m.endConn(cause)
		m.endConn = nil
	}
}

func (m *ConnectionManager) publish(gen uint64, status events.PushStatus, delay time.Duration) {
	m.mu.Lock()
	current := gen == m.generation
	m.mu.Unlock()
	if !current {
		return
	}
	m.logger.Info("push status", zap.Stringer("status", status))
	m.metrics.IncPushStatus(status.String())
	m.status.Publish(events.PushStatusEvent{Status: status, Delay: delay})
}

func (m *ConnectionManager) run(ctx context.Context, gen uint64) {
	logger := m.logger.With(zap.String("session", uuid.NewString()))
	defer m.finish(gen)

	for {
		token, ok := m.authenticate(ctx, gen, logger)
		if !ok {
			return
		}

		err := m.connect(ctx, gen, token, logger)
		if m.cancelTimers(gen) {
			m.metrics.SetStreamingConnected(false)
		}

		var nonRetryable *nonRetryableError
		switch {
		case errors.Is(err, errStopped), errors.Is(err, errPaused), errors.Is(err, errRestarted):
			logger.Debug("session ended", zap.Error(err))
			return
		case errors.As(err, &nonRetryable):
			logger.Error("streaming disabled by server", zap.Error(err))
			m.publish(gen, events.PushNonRetryableError, 0)
			return
		case errors.Is(err, errTokenRefresh):
			logger.Info("refreshing streaming token")
			continue
		}

		delay := m.reconnectBackoff.Next()
		logger.Warn("streaming connection lost, reconnecting",
			zap.Error(err),
			zap.Duration("delay", delay))
		m.publish(gen, events.PushRetryableError, 0)
		if !sleep(ctx, delay) {
			return
		}
	}
}

// authenticate obtains a token, retrying recoverable failures.
func (m *ConnectionManager) authenticate(ctx context.Context, gen uint64, logger *zap.Logger) (*Token, bool) {
	for {
		if !m.transition(gen, StateAuthenticating) {
			return nil, false
		}

		resp, err := m.auth.Authenticate(ctx, m.opts.Keys)
		if ctx.Err() != nil {
			return nil, false
		}
		if err != nil {
			if !api.IsRecoverable(err) {
				logger.Error("streaming authentication rejected", zap.Error(err))
				m.publish(gen, events.PushNonRetryableError, 0)
				return nil, false
			}
			delay := m.authBackoff.Next()
			logger.Warn("streaming authentication failed, retrying",
				zap.Error(err),
				zap.Duration("delay", delay))
			m.publish(gen, events.PushRetryableError, 0)
			if !sleep(ctx, delay) {
				return nil, false
			}
			continue
		}
		m.authBackoff.Reset()

		if !resp.PushEnabled {
			logger.Info("streaming not enabled for this environment")
			m.publish(gen, events.PushSubsystemDisabled, 0)
			return nil, false
		}

		token, err := ParseToken(resp.Token)
		if err != nil {
			logger.Error("invalid streaming token", zap.Error(err))
			m.publish(gen, events.PushNonRetryableError, 0)
			return nil, false
		}

		if resp.ConnDelay > 0 {
			delay := time.Duration(resp.ConnDelay) * time.Second
			m.publish(gen, events.PushDelayReceived, delay)
			if !sleep(ctx, delay) {
				return nil, false
			}
		}
		return token, true
	}
}

func (m *ConnectionManager) connect(ctx context.Context, gen uint64, token *Token, logger *zap.Logger) error {
	if !m.transition(gen, StateConnecting) {
		return context.Cause(ctx)
	}

	connCtx, cancelConn := context.WithCancelCause(ctx)
	defer cancelConn(nil)
	if !m.bindConn(gen, cancelConn) {
		return context.Cause(ctx)
	}

	resetKeepAlive := func() {
		m.scheduleFor(gen, timers.KeepAlive, m.opts.KeepAliveTimeout, func() {
			m.expire(gen, errKeepAliveExpired)
		})
	}

	err := m.streamer.Connect(connCtx, token, Callbacks{
		OnConnected: func() {
			if !m.transition(gen, StateConnected) {
				return
			}
			m.reconnectBackoff.Reset()
			resetKeepAlive()
			refreshIn := token.RefreshDelay(m.opts.TokenRefreshMargin, m.opts.MinTokenRefresh)
			m.scheduleFor(gen, timers.TokenRefresh, refreshIn, func() {
				m.expire(gen, errTokenRefresh)
			})
			logger.Info("streaming connected",
				zap.Int("channels", len(token.Channels)),
				zap.Duration("token_refresh_in", refreshIn))
			m.metrics.SetStreamingConnected(true)
			if m.opts.OnConnected != nil {
				m.opts.OnConnected()
			}
			m.publish(gen, events.PushSubsystemUp, 0)
		},
		OnKeepAlive: resetKeepAlive,
		OnEvent: func(evt Event) {
			resetKeepAlive()
			if notification.IsErrorFrame(evt.Event, evt.Data) {
				m.handleServerError(gen, evt, logger)
				return
			}
			if m.opts.OnEvent != nil {
				m.opts.OnEvent(evt)
			}
		},
	})

	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if connCtx.Err() != nil {
		return context.Cause(connCtx)
	}

	var (
		handshake *HandshakeError
		status    *StatusError
	)
	switch {
	case errors.As(err, &handshake):
		if se := serverError(handshake.Event); se != nil && !se.Ignorable() && !se.Retryable() {
			return &nonRetryableError{err: se}
		}
	case errors.As(err, &status):
		if status.StatusCode >= 400 && status.StatusCode < 500 && status.StatusCode != http.StatusTooManyRequests {
			return &nonRetryableError{err: status}
		}
	}
	return err
}

func (m *ConnectionManager) handleServerError(gen uint64, evt Event, logger *zap.Logger) {
	se := serverError(evt)
	if se == nil {
		logger.Warn("unparseable server error frame", zap.String("data", evt.Data))
		return
	}
	switch {
	case se.Ignorable():
		logger.Debug("ignoring server error", zap.Int("code", se.Code))
	case se.Retryable():
		logger.Warn("retryable server error", zap.Int("code", se.Code), zap.String("message", se.Message))
		m.expire(gen, se)
	default:
		m.expire(gen, &nonRetryableError{err: se})
	}
}

func serverError(evt Event) *notification.ServerError {
	n, err := notification.Parse(evt.Event, evt.Data)
	if err != nil {
		return nil
	}
	se, _ := n.(*notification.ServerError)
	return se
}

// sleep waits for d, returning false if ctx ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
