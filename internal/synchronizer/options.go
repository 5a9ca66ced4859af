package synchronizer

import (
	"time"

	"github.com/splitio/flagsync/internal/config"
	"github.com/splitio/flagsync/internal/synchelper"
)

// Options tunes the synchronizer. Zero durations fall back to the defaults
// of the component they configure.
type Options struct {
	StreamingEnabled     bool
	UserKeys             []string
	LargeSegmentsEnabled bool
	FlagSets             []string

	// CustomSDKURL enables the outdated proxy fallback.
	CustomSDKURL       bool
	ProxyCheckInterval time.Duration

	FeaturesRefreshRate time.Duration
	SegmentsRefreshRate time.Duration

	// RetryBackoffBase drives the initial sync and on-demand fetch retries.
	RetryBackoffBase   time.Duration
	OnDemandMaxRetries int

	SyncHelper synchelper.Options

	KeepAliveTimeout     time.Duration
	TokenRefreshMargin   time.Duration
	ReconnectBackoffBase time.Duration
	AuthBackoffBase      time.Duration
}

// OptionsFromConfig maps the sync and streaming sections of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		StreamingEnabled:     cfg.Sync.StreamingEnabled,
		UserKeys:             cfg.Sync.UserKeys,
		LargeSegmentsEnabled: cfg.Sync.LargeSegmentsEnabled,
		FlagSets:             cfg.Sync.FlagSets,
		CustomSDKURL:         cfg.UsesCustomSDKURL(),
		ProxyCheckInterval:   cfg.Sync.ProxyCheckInterval,
		FeaturesRefreshRate:  cfg.Sync.FeaturesRefreshRate,
		SegmentsRefreshRate:  cfg.Sync.SegmentsRefreshRate,
		RetryBackoffBase:     cfg.Sync.RetryBackoffBase,
		OnDemandMaxRetries:   cfg.Sync.OnDemandMaxRetries,
		SyncHelper: synchelper.Options{
			MaxAttempts:    cfg.Sync.MaxAttempts,
			CDNMaxAttempts: cfg.Sync.CDNMaxAttempts,
			BackoffBase:    cfg.Sync.RetryBackoffBase,
			CDNBackoffBase: cfg.Sync.CDNBackoffBase,
		},
		KeepAliveTimeout:     cfg.Streaming.KeepAliveTimeout,
		TokenRefreshMargin:   cfg.Streaming.TokenRefreshMargin,
		ReconnectBackoffBase: cfg.Streaming.ReconnectBackoffBase,
		AuthBackoffBase:      cfg.Streaming.AuthBackoffBase,
	}
}

func (o Options) withDefaults() Options {
	if o.FeaturesRefreshRate <= 0 {
		o.FeaturesRefreshRate = 60 * time.Second
	}
	if o.SegmentsRefreshRate <= 0 {
		o.SegmentsRefreshRate = 60 * time.Second
	}
	if o.RetryBackoffBase <= 0 {
		o.RetryBackoffBase = time.Second
	}
	return o
}
