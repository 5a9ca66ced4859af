package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/splitio/flagsync/internal/faker"
)

func main() {
	os.Exit(run())
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run() int {
	var (
		addr      = flag.String("addr", envOr("FAKER_ADDR", ":8080"), "listen address (or set FAKER_ADDR)")
		sdkKey    = flag.String("sdk-key", os.Getenv("FAKER_SDK_KEY"), "required SDK key, empty accepts any (or set FAKER_SDK_KEY)")
		prefix    = flag.String("channel-prefix", "flagsync", "prefix of the update channels")
		noPush    = flag.Bool("push-disabled", false, "answer auth requests with pushEnabled=false")
		legacy    = flag.Bool("legacy-only", false, "reject the latest changes spec like an outdated proxy")
		tokenTTL  = flag.Duration("token-ttl", time.Hour, "lifetime of issued streaming tokens")
		keepAlive = flag.Duration("keepalive", 60*time.Second, "interval between SSE keep-alive frames")
	)
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	srv := faker.NewServer(faker.NewStore(), faker.Options{
		SDKKey:        *sdkKey,
		ChannelPrefix: *prefix,
		PushDisabled:  *noPush,
		TokenTTL:      *tokenTTL,
		KeepAlive:     *keepAlive,
		LegacyOnly:    *legacy,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	// No write timeout: SSE responses stay open.
	httpServer := &http.Server{
		Addr:        *addr,
		Handler:     srv.Router(),
		ReadTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("starting fake control plane", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()
	srv.Broadcaster().DisconnectAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return 1
	}

	logger.Info("server stopped")
	return 0
}
