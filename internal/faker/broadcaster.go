package faker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	occupancyPrefix = "[?occupancy=metrics.publishers]"
	occupancyName   = "[meta]occupancy"
)

// envelope is the JSON carried in the data field of every message frame.
type envelope struct {
	ID        string `json:"id"`
	ClientID  string `json:"clientId,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Channel   string `json:"channel"`
	Name      string `json:"name,omitempty"`
	Data      string `json:"data"`
}

// Broadcaster pushes notifications to connected SSE clients.
type Broadcaster struct {
	logger    *zap.Logger
	keepAlive time.Duration

	mu      sync.RWMutex
	clients map[*sseClient]bool
}

// sseClient is one connected stream.
type sseClient struct {
	id       string
	channels map[string]bool
	dataCh   chan []byte
	doneCh   chan struct{}
}

func (c *sseClient) subscribed(channel string) bool {
	return c.channels[strings.TrimPrefix(channel, occupancyPrefix)]
}

func NewBroadcaster(keepAlive time.Duration, logger *zap.Logger) *Broadcaster {
	if keepAlive <= 0 {
		keepAlive = 60 * time.Second
	}
	return &Broadcaster{
		logger:    logger,
		keepAlive: keepAlive,
		clients:   make(map[*sseClient]bool),
	}
}

// Run sends keep-alive frames until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	b.logger.Info("sse broadcaster starting", zap.Duration("keepalive", b.keepAlive))

	ticker := time.NewTicker(b.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("sse broadcaster stopping")
			return
		case <-ticker.C:
			b.sendAll([]byte(":keepalive\n\n"), func(*sseClient) bool { return true })
		}
	}
}

// HandleSSE streams to one subscriber. The channels query parameter is a
// comma separated list; channels with the occupancy prefix also receive
// publisher counts.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	channels := r.URL.Query().Get("channels")
	if channels == "" {
		http.Error(w, "missing required 'channels' query parameter", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := &sseClient{
		id:       uuid.NewString(),
		channels: make(map[string]bool),
		dataCh:   make(chan []byte, 32),
		doneCh:   make(chan struct{}),
	}
	var occupancy []string
	for _, ch := range strings.Split(channels, ",") {
		if strings.HasPrefix(ch, occupancyPrefix) {
			occupancy = append(occupancy, ch)
		}
		client.channels[strings.TrimPrefix(ch, occupancyPrefix)] = true
	}

	b.addClient(client)
	defer b.removeClient(client)

	b.logger.Info("sse client connected",
		zap.String("client", client.id),
		zap.Int("channels", len(client.channels)),
		zap.String("remote_addr", r.RemoteAddr),
	)

	// The first frame confirms the connection: one occupancy frame per
	// control channel, or a bare keep-alive.
	w.WriteHeader(http.StatusOK)
	if len(occupancy) == 0 {
		_, _ = w.Write([]byte(":keepalive\n\n"))
	}
	for _, ch := range occupancy {
		frame, err := b.formatMessage(ch, occupancyName, map[string]any{"metrics": map[string]int{"publishers": 1}})
		if err != nil {
			b.logger.Error("failed to encode occupancy", zap.Error(err))
			return
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			b.logger.Info("sse client disconnected", zap.String("client", client.id))
			return
		case <-client.doneCh:
			return
		case frame := <-client.dataCh:
			if _, err := w.Write(frame); err != nil {
				b.logger.Debug("failed to write to client", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func (b *Broadcaster) addClient(client *sseClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[client] = true
}

func (b *Broadcaster) removeClient(client *sseClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clients[client] {
		delete(b.clients, client)
		close(client.doneCh)
	}
}

// Clients returns the number of connected streams.
func (b *Broadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// DisconnectAll ends every stream.
func (b *Broadcaster) DisconnectAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for client := range b.clients {
		delete(b.clients, client)
		close(client.doneCh)
	}
}

// Publish sends payload as a message on channel.
func (b *Broadcaster) Publish(channel string, payload any) error {
	return b.publish(channel, "", payload)
}

// PublishOccupancy reports the publisher count of a control channel.
func (b *Broadcaster) PublishOccupancy(channel string, publishers int) error {
	return b.publish(occupancyPrefix+channel, occupancyName,
		map[string]any{"metrics": map[string]int{"publishers": publishers}})
}

// PublishError sends a server error frame to every client.
func (b *Broadcaster) PublishError(code, statusCode int, message string) error {
	data, err := json.Marshal(map[string]any{
		"message":    message,
		"code":       code,
		"statusCode": statusCode,
		"href":       fmt.Sprintf("https://help.ably.io/error/%d", code),
	})
	if err != nil {
		return err
	}
	frame := []byte(fmt.Sprintf("event: error\ndata: %s\n\n", data))
	b.sendAll(frame, func(*sseClient) bool { return true })
	return nil
}

func (b *Broadcaster) publish(channel, name string, payload any) error {
	frame, err := b.formatMessage(channel, name, payload)
	if err != nil {
		return err
	}
	sent := b.sendAll(frame, func(c *sseClient) bool { return c.subscribed(channel) })
	b.logger.Debug("published notification",
		zap.String("channel", channel),
		zap.Int("clients", sent),
	)
	return nil
}

func (b *Broadcaster) sendAll(frame []byte, match func(*sseClient) bool) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sent := 0
	for client := range b.clients {
		if !match(client) {
			continue
		}
		select {
		case client.dataCh <- frame:
			sent++
		default:
			b.logger.Warn("client channel full, dropping frame", zap.String("client", client.id))
		}
	}
	return sent
}

func (b *Broadcaster) formatMessage(channel, name string, payload any) ([]byte, error) {
	inner, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	env, err := json.Marshal(envelope{
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
		Channel:   channel,
		Name:      name,
		Data:      string(inner),
	})
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("id: %s\nevent: message\ndata: %s\n\n", id, env)), nil
}
