package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	maxErrorBody = 512

	headerSDKVersion  = "SplitSDKVersion"
	headerMachineName = "SplitSDKMachineName"
)

// ClientOptions configures the shared HTTP client.
type ClientOptions struct {
	SDKKey        string
	Timeout       time.Duration
	RatePerSecond int
	SDKVersion    string
	MachineName   string
	// BreakerTimeout is how long the circuit stays open. Defaults to 30s.
	BreakerTimeout time.Duration
}

// HTTPClient performs authenticated GET requests against the control plane.
// It does not retry: retry policy belongs to the sync workers.
type HTTPClient struct {
	httpClient *http.Client
	sdkKey     string
	version    string
	machine    string
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[[]byte]
	logger     *zap.Logger
}

func NewClient(opts ClientOptions, logger *zap.Logger) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:       100,
		MaxConnsPerHost:    10,
		IdleConnTimeout:    90 * time.Second,
		DisableCompression: false,
	}

	if opts.RatePerSecond < 1 {
		opts.RatePerSecond = 10
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}
	if opts.SDKVersion == "" {
		opts.SDKVersion = "flagsync-dev"
	}

	logger = logger.With(zap.String("component", "api"))
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "control-plane",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Client errors mean the request was rejected, not that the origin is down.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRecoverable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &HTTPClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		sdkKey:  opts.SDKKey,
		version: opts.SDKVersion,
		machine: opts.MachineName,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.RatePerSecond*2),
		breaker: breaker,
		logger:  logger,
	}
}

// Get issues a GET to url and returns the body of a 2xx response.
func (c *HTTPClient) Get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	// Wait for rate limiter
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	c.logger.Debug("requesting", zap.String("url", url))
	return c.breaker.Execute(func() ([]byte, error) {
		return c.do(ctx, url, headers)
	})
}

func (c *HTTPClient) do(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.sdkKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerSDKVersion, c.version)
	if c.machine != "" {
		req.Header.Set(headerMachineName, c.machine)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// MaskKey keeps the first four characters of a secret for logging.
func MaskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}
