// Package notify sends operator alerts about the sync engine to an ntfy
// server.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/splitio/flagsync/internal/config"
	"github.com/splitio/flagsync/internal/synchronizer"
)

// Notifier is the interface for sending sync engine alerts.
type Notifier interface {
	SendReady(ctx context.Context, stats synchronizer.Stats, elapsed time.Duration) error
	SendSyncErrors(ctx context.Context, stats synchronizer.Stats, failures int) error
}

// Client implements the ntfy notification client.
type Client struct {
	httpClient *http.Client
	config     config.AlertsConfig
	logger     *zap.Logger
}

// NewClient creates a new ntfy client.
func NewClient(cfg config.AlertsConfig, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		config: cfg,
		logger: logger,
	}
}

// SendReady reports the end of the initial sync.
func (c *Client) SendReady(ctx context.Context, stats synchronizer.Stats, elapsed time.Duration) error {
	title := "Flags ready"
	message := FormatReadyMessage(stats, elapsed)
	tags := c.config.Tags + ",white_check_mark"

	return c.send(ctx, title, message, tags, c.config.Priority)
}

// SendSyncErrors reports failed syncs since the previous alert.
func (c *Client) SendSyncErrors(ctx context.Context, stats synchronizer.Stats, failures int) error {
	title := fmt.Sprintf("Flag sync failing (%d)", failures)
	message := FormatSyncErrorsMessage(stats, failures)
	tags := c.config.Tags + ",x"
	priority := "high" // failures always page

	return c.send(ctx, title, message, tags, priority)
}

func (c *Client) send(ctx context.Context, title, message, tags, priority string) error {
	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(c.config.Server, "/"), c.config.Topic)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", tags)

	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("failed to send notification", zap.Error(err))
		return fmt.Errorf("sending notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain response body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("notification failed",
			zap.Int("status", resp.StatusCode),
			zap.String("url", url),
		)
		return fmt.Errorf("notification failed with status: %d", resp.StatusCode)
	}

	c.logger.Debug("notification sent", zap.String("title", title))
	return nil
}

// NoopNotifier is used when alerts are disabled.
type NoopNotifier struct{}

func (n *NoopNotifier) SendReady(_ context.Context, _ synchronizer.Stats, _ time.Duration) error {
	return nil
}

func (n *NoopNotifier) SendSyncErrors(_ context.Context, _ synchronizer.Stats, _ int) error {
	return nil
}

// New creates the appropriate notifier based on config.
func New(cfg config.AlertsConfig, logger *zap.Logger) Notifier {
	if !cfg.Enabled {
		return &NoopNotifier{}
	}
	return NewClient(cfg, logger)
}
