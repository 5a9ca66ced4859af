package api

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/splitio/flagsync/internal/dtos"
)

// AuthResponse is the result of exchanging user keys for a streaming token.
type AuthResponse struct {
	PushEnabled bool   `json:"pushEnabled"`
	Token       string `json:"token"`
	// ConnDelay is the suggested wait in seconds before connecting.
	ConnDelay int64 `json:"connDelay"`
}

// Authenticator obtains streaming tokens.
type Authenticator interface {
	Authenticate(ctx context.Context, keys []string) (*AuthResponse, error)
}

// HTTPAuthenticator reads {auth}/v2/auth.
type HTTPAuthenticator struct {
	client  *HTTPClient
	baseURL string
	logger  *zap.Logger
}

func NewAuthenticator(client *HTTPClient, authURL string, logger *zap.Logger) *HTTPAuthenticator {
	return &HTTPAuthenticator{
		client:  client,
		baseURL: strings.TrimSuffix(authURL, "/"),
		logger:  logger.With(zap.String("component", "authenticator")),
	}
}

func (a *HTTPAuthenticator) Authenticate(ctx context.Context, keys []string) (*AuthResponse, error) {
	q := url.Values{}
	q.Set("s", dtos.Spec13)
	for _, k := range keys {
		q.Add("users", k)
	}

	body, err := a.client.Get(ctx, a.baseURL+"/v2/auth?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("authenticating: %w", err)
	}

	var resp AuthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding auth response: %w", err)
	}
	a.logger.Debug("authenticated",
		zap.Bool("push_enabled", resp.PushEnabled),
		zap.Int64("conn_delay", resp.ConnDelay))
	return &resp, nil
}
