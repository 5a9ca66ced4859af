package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/splitio/flagsync/internal/config"
	"github.com/splitio/flagsync/internal/storage"
	"github.com/splitio/flagsync/internal/synchronizer"
)

func TestNewLoggerLevel(t *testing.T) {
	logger, level, err := newLogger(false, config.LoggingConfig{Level: "warn"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if level.Level() != zapcore.WarnLevel {
		t.Errorf("expected warn, got %s", level.Level())
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info should be disabled at warn")
	}

	level.SetLevel(zapcore.DebugLevel)
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("the returned level should drive the logger")
	}
}

func TestNewLoggerVerboseIgnoresLevel(t *testing.T) {
	_, level, err := newLogger(true, config.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if level.Level() != zapcore.DebugLevel {
		t.Errorf("verbose should force debug, got %s", level.Level())
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, _, err := newLogger(false, config.LoggingConfig{Level: "loud"}); err == nil {
		t.Error("expected an error for an unknown level")
	}
}

func TestStatusRouterLogLevel(t *testing.T) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	srv := httptest.NewServer(statusRouter(nil, prometheus.NewRegistry(), level))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/loglevel", strings.NewReader(`{"level":"debug"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if level.Level() != zapcore.DebugLevel {
		t.Errorf("expected debug after PUT, got %s", level.Level())
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics: unexpected status %d", resp.StatusCode)
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd(&cli{})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("version should not need a config: %v", err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestWriteStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	stats := synchronizer.Stats{Mode: "polling", TrackedKeys: 2}

	if err := writeStatus(path, stats, storage.NewMemorySplits(nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should be renamed away")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var snap statusSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Stats.Mode != "polling" || snap.Stats.TrackedKeys != 2 || len(snap.Flags) != 0 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}
