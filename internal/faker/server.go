package faker

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/splitio/flagsync/internal/dtos"
	"github.com/splitio/flagsync/internal/notification"
)

// Options configures the fake control plane.
type Options struct {
	// SDKKey, when set, is required as the bearer token of API calls.
	SDKKey string
	// ChannelPrefix names the update channels: {prefix}_splits and
	// {prefix}_memberships.
	ChannelPrefix string
	PushDisabled  bool
	ConnDelay     time.Duration
	TokenTTL      time.Duration
	KeepAlive     time.Duration
	// LegacyOnly answers 400 to the latest changes spec, like an outdated proxy.
	LegacyOnly bool
}

func (o Options) withDefaults() Options {
	if o.ChannelPrefix == "" {
		o.ChannelPrefix = "flagsync"
	}
	if o.TokenTTL <= 0 {
		o.TokenTTL = time.Hour
	}
	return o
}

// Server serves the control plane API from a Store.
type Server struct {
	store  *Store
	stream *Broadcaster
	opts   Options
	logger *zap.Logger
}

func NewServer(store *Store, opts Options, logger *zap.Logger) *Server {
	opts = opts.withDefaults()
	return &Server{
		store:  store,
		stream: NewBroadcaster(opts.KeepAlive, logger),
		opts:   opts,
		logger: logger,
	}
}

// Broadcaster returns the SSE broadcaster.
func (s *Server) Broadcaster() *Broadcaster {
	return s.stream
}

// Run sends keep-alives until ctx is done.
func (s *Server) Run(ctx context.Context) {
	s.stream.Run(ctx)
}

func (s *Server) splitsChannel() string      { return s.opts.ChannelPrefix + "_splits" }
func (s *Server) membershipsChannel() string { return s.opts.ChannelPrefix + "_memberships" }

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(zapLoggerMiddleware(s.logger))

	r.Route("/api", func(api chi.Router) {
		api.Use(s.requireSDKKey)
		api.Get("/splitChanges", s.handleSplitChanges)
		api.Get("/memberships/{hash}", s.handleMemberships)
		api.Get("/v2/auth", s.handleAuth)
	})
	r.Get("/sse", s.handleSSE)

	r.Route("/admin", func(admin chi.Router) {
		admin.Post("/flags", s.handleUpsertFlag)
		admin.Post("/flags/{name}/kill", s.handleKillFlag)
		admin.Post("/rule-based-segments", s.handleUpsertRuleBasedSegment)
		admin.Post("/memberships/{key}", s.handleSetMemberships)
		admin.Post("/control", s.handleControl)
		admin.Post("/occupancy", s.handleOccupancy)
		admin.Post("/error", s.handleStreamError)
		admin.Post("/disconnect", s.handleDisconnect)
		admin.Get("/stats", s.handleStats)
	})

	return r
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", maskQueryToken(r.URL.RawQuery)),
			)
			next.ServeHTTP(w, r)
		})
	}
}

// maskQueryToken masks the accessToken parameter of a query string.
func maskQueryToken(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	if tok := values.Get("accessToken"); len(tok) > 4 {
		values.Set("accessToken", tok[:4]+"****")
	}
	return values.Encode()
}

func (s *Server) requireSDKKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.SDKKey != "" && r.Header.Get("Authorization") != "Bearer "+s.opts.SDKKey {
			writeError(w, http.StatusUnauthorized, "invalid sdk key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, name string, fallback int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (s *Server) handleSplitChanges(w http.ResponseWriter, r *http.Request) {
	spec := r.URL.Query().Get("s")
	if s.opts.LegacyOnly && spec == dtos.Spec13 {
		writeError(w, http.StatusBadRequest, "unsupported spec "+spec)
		return
	}

	since, err := queryInt(r, "since", -1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since")
		return
	}
	rbSince, err := queryInt(r, "rbSince", -1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rbSince")
		return
	}

	change := s.store.Changes(since, rbSince)
	if spec == dtos.Spec11 {
		writeJSON(w, http.StatusOK, map[string]any{
			"splits": change.FeatureFlags.Splits,
			"since":  change.FeatureFlags.Since,
			"till":   change.FeatureFlags.Till,
		})
		return
	}
	writeJSON(w, http.StatusOK, change)
}

func (s *Server) handleMemberships(w http.ResponseWriter, r *http.Request) {
	hash, err := strconv.ParseUint(chi.URLParam(r, "hash"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid key hash")
		return
	}
	writeJSON(w, http.StatusOK, s.store.MembershipsByHash(hash))
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	if s.opts.PushDisabled {
		writeJSON(w, http.StatusOK, map[string]any{"pushEnabled": false})
		return
	}

	token, err := s.issueToken()
	if err != nil {
		s.logger.Error("failed to issue token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "token error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pushEnabled": true,
		"token":       token,
		"connDelay":   int64(s.opts.ConnDelay / time.Second),
	})
}

// issueToken builds an unsigned token granting the update and control
// channels.
func (s *Server) issueToken() (string, error) {
	capabilities := map[string][]string{
		s.splitsChannel():       {"subscribe"},
		s.membershipsChannel():  {"subscribe"},
		notification.ControlPri: {"subscribe", "channel-metadata:publishers"},
		notification.ControlSec: {"subscribe", "channel-metadata:publishers"},
	}
	capJSON, err := json.Marshal(capabilities)
	if err != nil {
		return "", err
	}
	now := time.Now()
	return jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"x-ably-capability": string(capJSON),
		"iat":               now.Unix(),
		"exp":               now.Add(s.opts.TokenTTL).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if err := validToken(r.URL.Query().Get("accessToken")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"message": err.Error(), "code": 40140, "statusCode": http.StatusUnauthorized,
		})
		return
	}
	s.stream.HandleSSE(w, r)
}

func validToken(raw string) error {
	if raw == "" {
		return errors.New("missing access token")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil || exp.Before(time.Now()) {
		return errors.New("token expired")
	}
	return nil
}

func (s *Server) handleUpsertFlag(w http.ResponseWriter, r *http.Request) {
	var split dtos.Split
	if err := json.NewDecoder(r.Body).Decode(&split); err != nil || split.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid flag")
		return
	}

	stored, pcn := s.store.UpsertFlag(split)
	raw, err := json.Marshal(stored)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	def, err := notification.Encode(raw, notification.CompressionZlib)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.publish(s.splitsChannel(), map[string]any{
		"type":         notification.TypeSplitUpdate,
		"changeNumber": stored.ChangeNumber,
		"pcn":          pcn,
		"c":            notification.CompressionZlib,
		"d":            def,
	})
	writeJSON(w, http.StatusOK, map[string]int64{"changeNumber": stored.ChangeNumber})
}

func (s *Server) handleKillFlag(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DefaultTreatment string `json:"defaultTreatment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DefaultTreatment == "" {
		writeError(w, http.StatusBadRequest, "defaultTreatment is required")
		return
	}

	name := chi.URLParam(r, "name")
	cn, ok := s.store.KillFlag(name, body.DefaultTreatment)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown flag "+name)
		return
	}
	s.publish(s.splitsChannel(), map[string]any{
		"type":             notification.TypeSplitKill,
		"changeNumber":     cn,
		"splitName":        name,
		"defaultTreatment": body.DefaultTreatment,
	})
	writeJSON(w, http.StatusOK, map[string]int64{"changeNumber": cn})
}

func (s *Server) handleUpsertRuleBasedSegment(w http.ResponseWriter, r *http.Request) {
	var seg dtos.RuleBasedSegment
	if err := json.NewDecoder(r.Body).Decode(&seg); err != nil || seg.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid rule-based segment")
		return
	}

	stored, pcn := s.store.UpsertRuleBasedSegment(seg)
	raw, err := json.Marshal(stored)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	def, err := notification.Encode(raw, notification.CompressionGzip)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.publish(s.splitsChannel(), map[string]any{
		"type":         notification.TypeRuleBasedSegmentUpdate,
		"changeNumber": stored.ChangeNumber,
		"pcn":          pcn,
		"c":            notification.CompressionGzip,
		"d":            def,
	})
	writeJSON(w, http.StatusOK, map[string]int64{"changeNumber": stored.ChangeNumber})
}

func (s *Server) handleSetMemberships(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Segments []string `json:"segments"`
		Large    bool     `json:"large"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	key := chi.URLParam(r, "key")
	cn := s.store.SetMemberships(key, body.Segments, body.Large)
	kind := notification.TypeMembershipsUpdate
	if body.Large {
		kind = notification.TypeLargeMembershipsUpdate
	}
	s.publish(s.membershipsChannel(), map[string]any{
		"type": kind,
		"cn":   cn,
		"n":    body.Segments,
		"u":    notification.UnboundedFetchRequest,
		"c":    notification.CompressionNone,
	})
	writeJSON(w, http.StatusOK, map[string]int64{"changeNumber": cn})
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ControlType notification.ControlType `json:"controlType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ControlType == "" {
		writeError(w, http.StatusBadRequest, "controlType is required")
		return
	}
	s.publish(notification.ControlPri, map[string]any{
		"type":        notification.TypeControl,
		"controlType": body.ControlType,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOccupancy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Channel    string `json:"channel"`
		Publishers int    `json:"publishers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.Channel == "" {
		body.Channel = notification.ControlPri
	}
	if err := s.stream.PublishOccupancy(body.Channel, body.Publishers); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStreamError(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code       int    `json:"code"`
		StatusCode int    `json:"statusCode"`
		Message    string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Code == 0 {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	if err := s.stream.PublishError(body.Code, body.StatusCode, body.Message); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.stream.DisconnectAll()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	flagsCN, segmentsCN := s.store.ChangeNumbers()
	writeJSON(w, http.StatusOK, map[string]any{
		"clients":                           s.stream.Clients(),
		"feature_flags_change_number":       flagsCN,
		"rule_based_segments_change_number": segmentsCN,
		"channels":                          strings.Join([]string{s.splitsChannel(), s.membershipsChannel(), notification.ControlPri, notification.ControlSec}, ","),
	})
}

// publish pushes payload. Failures are only logged.
func (s *Server) publish(channel string, payload any) {
	if err := s.stream.Publish(channel, payload); err != nil {
		s.logger.Error("failed to publish notification",
			zap.String("channel", channel),
			zap.Error(err))
	}
}
