package streaming

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/splitio/flagsync/internal/notification"
)

const (
	protocolVersion = "1.1"
	maxLineSize     = 512 * 1024
)

// ErrStreamClosed is returned when the server ends the stream.
var ErrStreamClosed = errors.New("stream closed by server")

// HandshakeError is returned when the first frame of a stream is neither a
// keep-alive nor a data frame, or is an error frame.
type HandshakeError struct {
	Event Event
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected: %s", e.Event.Data)
}

// StatusError is returned when the stream request is not accepted.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("streaming endpoint returned status %d", e.StatusCode)
}

// Callbacks receive stream activity. OnConnected runs once, after the first
// frame passes the handshake and before that frame is delivered.
type Callbacks struct {
	OnConnected func()
	OnKeepAlive func()
	OnEvent     func(Event)
}

// Client opens one streaming connection at a time.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *zap.Logger
}

func NewClient(streamingURL string, logger *zap.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &Client{
		// No overall timeout: the response body is a long-lived stream.
		httpClient: &http.Client{Transport: transport},
		baseURL:    strings.TrimSuffix(streamingURL, "/"),
		logger:     logger.With(zap.String("component", "streaming-client")),
	}
}

// Connect streams events until ctx is cancelled or the connection fails.
// It always returns a non-nil error.
func (c *Client) Connect(ctx context.Context, token *Token, cb Callbacks) error {
	q := url.Values{}
	q.Set("v", protocolVersion)
	q.Set("accessToken", token.Raw)
	q.Set("channels", strings.Join(token.Channels, ","))
	// The channel list is comma separated, not percent-encoded.
	rawQuery := strings.ReplaceAll(q.Encode(), "%2C", ",")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sse?"+rawQuery, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	c.logger.Debug("connecting", zap.Strings("channels", token.Channels))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("opening stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var parser Parser
	confirmed := false
	for scanner.Scan() {
		evt, ok := parser.Parse(scanner.Text())
		if !ok {
			continue
		}

		if !confirmed {
			if !evt.IsKeepAlive() && (evt.Data == "" || notification.IsErrorFrame(evt.Event, evt.Data)) {
				return &HandshakeError{Event: evt}
			}
			confirmed = true
			if cb.OnConnected != nil {
				cb.OnConnected()
			}
		}

		if evt.IsKeepAlive() {
			if cb.OnKeepAlive != nil {
				cb.OnKeepAlive()
			}
			continue
		}
		if cb.OnEvent != nil {
			cb.OnEvent(evt)
		}
	}

	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return ErrStreamClosed
}
