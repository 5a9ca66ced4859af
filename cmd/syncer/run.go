package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/splitio/flagsync/internal/api"
	"github.com/splitio/flagsync/internal/config"
	"github.com/splitio/flagsync/internal/events"
	"github.com/splitio/flagsync/internal/metrics"
	"github.com/splitio/flagsync/internal/notify"
	"github.com/splitio/flagsync/internal/storage"
	"github.com/splitio/flagsync/internal/streaming"
	"github.com/splitio/flagsync/internal/synchronizer"
)

func runCmd(c *cli) *cobra.Command {
	var (
		userKeys   []string
		noStream   bool
		statusFile string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync until interrupted",
		Long: `Run the sync engine: an initial full sync, then streaming updates with
polling as fallback, until SIGINT or SIGTERM.

Examples:
  # Track two keys with the default config lookup
  flagsync run --keys alice,bob

  # Polling only
  flagsync run --no-streaming -c configs/flagsync.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(); err != nil {
				return err
			}
			if len(userKeys) > 0 {
				c.cfg.Sync.UserKeys = userKeys
			}
			if noStream {
				c.cfg.Sync.StreamingEnabled = false
			}
			if err := c.cfg.Validate(); err != nil {
				return err
			}
			return runSyncer(cmd.Context(), c.cfg, c.logger, c.level, statusFile)
		},
	}

	cmd.Flags().StringSliceVar(&userKeys, "keys", nil, "user keys to track (overrides config)")
	cmd.Flags().BoolVar(&noStream, "no-streaming", false, "disable streaming and poll only")
	cmd.Flags().StringVar(&statusFile, "status-file", "", "write a JSON snapshot of the synchronizer to this path on exit")

	return cmd
}

func runSyncer(ctx context.Context, cfg *config.Config, logger *zap.Logger, level zap.AtomicLevel, statusFile string) error {
	logger.Info("configuration loaded",
		zap.String("sdk_key", api.MaskKey(cfg.API.SDKKey)),
		zap.String("sdk_url", cfg.API.SDKURL),
		zap.String("auth_url", cfg.API.AuthURL),
		zap.String("streaming_url", cfg.API.StreamingURL),
		zap.Bool("streaming_enabled", cfg.Sync.StreamingEnabled),
		zap.Strings("user_keys", cfg.Sync.UserKeys),
		zap.Strings("flag_sets", cfg.Sync.FlagSets),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	hostname, _ := os.Hostname()
	client := api.NewClient(api.ClientOptions{
		SDKKey:        cfg.API.SDKKey,
		Timeout:       cfg.API.Timeout,
		RatePerSecond: cfg.API.RatePerSecond,
		SDKVersion:    "flagsync-" + version,
		MachineName:   hostname,
	}, logger)

	hub := events.NewBroadcaster[events.Kind]("sdk-events", logger)
	defer hub.Close()
	sub := hub.Subscribe()
	go logEvents(sub, logger)

	splits := storage.NewMemorySplits(cfg.Sync.FlagSets)
	syncer := synchronizer.New(synchronizer.Deps{
		ChangesFetcher:     api.NewChangesFetcher(client, cfg.API.SDKURL, logger),
		MembershipsFetcher: api.NewMembershipsFetcher(client, cfg.API.SDKURL, logger),
		Authenticator:      api.NewAuthenticator(client, cfg.API.AuthURL, logger),
		Streamer:           streaming.NewClient(cfg.API.StreamingURL, logger),
		Splits:             splits,
		RuleBasedSegments:  storage.NewMemoryRuleBasedSegments(),
		Memberships:        storage.NewMemoryMemberships(cfg.Sync.UserKeys...),
		LargeMemberships:   storage.NewMemoryMemberships(cfg.Sync.UserKeys...),
		Notifier:           events.NewChannelNotifier(hub),
		Metrics:            m,
	}, synchronizer.OptionsFromConfig(cfg), logger)

	if cfg.Alerts.Enabled {
		watcher := notify.NewWatcher(notify.New(cfg.Alerts, logger), syncer.Stats, cfg.Alerts.Cooldown, logger)
		go watcher.Run(ctx, hub.Subscribe())
		logger.Info("alerts enabled", zap.String("server", cfg.Alerts.Server), zap.String("topic", cfg.Alerts.Topic))
	}

	var httpServer *http.Server
	if cfg.Metrics.Enabled {
		httpServer = &http.Server{
			Addr:         cfg.Metrics.Listen,
			Handler:      statusRouter(syncer, reg, level),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		}
		go func() {
			logger.Info("starting status server", zap.String("addr", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server error", zap.Error(err))
			}
		}()
	}

	syncer.Start(ctx)
	<-ctx.Done()

	logger.Info("shutting down...")
	syncer.Stop()

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("status server shutdown error", zap.Error(err))
		}
	}

	if statusFile != "" {
		if err := writeStatus(statusFile, syncer.Stats(), splits); err != nil {
			logger.Error("failed to write status file", zap.String("path", statusFile), zap.Error(err))
			return err
		}
	}

	logger.Info("syncer stopped")
	return nil
}

// statusRouter serves metrics, a stats snapshot, the log level and
// pause/resume controls.
func statusRouter(syncer *synchronizer.Synchronizer, reg *prometheus.Registry, level zap.AtomicLevel) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	// GET reports the level; PUT {"level":"debug"} changes it.
	r.Handle("/loglevel", level)
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(syncer.Stats())
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !syncer.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/pause", func(w http.ResponseWriter, r *http.Request) {
		syncer.Pause()
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/resume", func(w http.ResponseWriter, r *http.Request) {
		syncer.Resume()
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func logEvents(sub *events.Subscription[events.Kind], logger *zap.Logger) {
	for kind := range sub.C {
		if kind == events.SyncError {
			logger.Warn("sdk event", zap.Stringer("event", kind))
			continue
		}
		logger.Info("sdk event", zap.Stringer("event", kind))
	}
}

type statusSnapshot struct {
	Stats synchronizer.Stats `json:"stats"`
	Flags []string           `json:"flags"`
}

func writeStatus(path string, stats synchronizer.Stats, splits *storage.MemorySplits) error {
	snap := statusSnapshot{Stats: stats, Flags: []string{}}
	for _, s := range splits.GetAll() {
		snap.Flags = append(snap.Flags, s.Name)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	// Write to a temp file and rename so readers never see a partial file.
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
