package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default endpoints of the control plane.
const (
	DefaultSDKURL       = "https://sdk.split.io/api"
	DefaultAuthURL      = "https://auth.split.io/api"
	DefaultStreamingURL = "https://streaming.split.io"
)

type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
}

type APIConfig struct {
	SDKKey        string        `mapstructure:"sdk_key"`
	SDKURL        string        `mapstructure:"sdk_url"`
	AuthURL       string        `mapstructure:"auth_url"`
	StreamingURL  string        `mapstructure:"streaming_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond int           `mapstructure:"rate_per_second"`
}

type SyncConfig struct {
	StreamingEnabled     bool          `mapstructure:"streaming_enabled"`
	FeaturesRefreshRate  time.Duration `mapstructure:"features_refresh_rate"`
	SegmentsRefreshRate  time.Duration `mapstructure:"segments_refresh_rate"`
	UserKeys             []string      `mapstructure:"user_keys"`
	FlagSets             []string      `mapstructure:"flag_sets"`
	LargeSegmentsEnabled bool          `mapstructure:"large_segments_enabled"`
	RetryBackoffBase     time.Duration `mapstructure:"retry_backoff_base"`
	MaxAttempts          int           `mapstructure:"max_attempts"`
	CDNMaxAttempts       int           `mapstructure:"cdn_max_attempts"`
	CDNBackoffBase       time.Duration `mapstructure:"cdn_backoff_base"`
	OnDemandMaxRetries   int           `mapstructure:"on_demand_max_retries"`
	ProxyCheckInterval   time.Duration `mapstructure:"proxy_check_interval"`
}

type StreamingConfig struct {
	KeepAliveTimeout     time.Duration `mapstructure:"keepalive_timeout"`
	TokenRefreshMargin   time.Duration `mapstructure:"token_refresh_margin"`
	ReconnectBackoffBase time.Duration `mapstructure:"reconnect_backoff_base"`
	AuthBackoffBase      time.Duration `mapstructure:"auth_backoff_base"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// AlertsConfig configures ntfy alerts about the sync engine.
type AlertsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Server   string        `mapstructure:"server"`
	Topic    string        `mapstructure:"topic"`
	Priority string        `mapstructure:"priority"`
	Tags     string        `mapstructure:"tags"`
	Token    string        `mapstructure:"token"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// Default returns the configuration used when no file or env var overrides it.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.sdk_url", DefaultSDKURL)
	v.SetDefault("api.auth_url", DefaultAuthURL)
	v.SetDefault("api.streaming_url", DefaultStreamingURL)
	v.SetDefault("api.timeout", "10s")
	v.SetDefault("api.rate_per_second", 10)
	v.SetDefault("sync.streaming_enabled", true)
	v.SetDefault("sync.features_refresh_rate", "60s")
	v.SetDefault("sync.segments_refresh_rate", "60s")
	v.SetDefault("sync.large_segments_enabled", false)
	v.SetDefault("sync.retry_backoff_base", "1s")
	v.SetDefault("sync.max_attempts", 10)
	v.SetDefault("sync.cdn_max_attempts", 10)
	v.SetDefault("sync.cdn_backoff_base", "10s")
	v.SetDefault("sync.on_demand_max_retries", 0)
	v.SetDefault("sync.proxy_check_interval", "24h")
	v.SetDefault("streaming.keepalive_timeout", "70s")
	v.SetDefault("streaming.token_refresh_margin", "10m")
	v.SetDefault("streaming.reconnect_backoff_base", "1s")
	v.SetDefault("streaming.auth_backoff_base", "1s")
	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9102")
	v.SetDefault("alerts.enabled", false)
	v.SetDefault("alerts.server", "https://ntfy.sh")
	v.SetDefault("alerts.priority", "default")
	v.SetDefault("alerts.tags", "flags")
	v.SetDefault("alerts.cooldown", "10m")
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment variable support
	v.SetEnvPrefix("FLAGSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Explicitly bind nested keys to env vars
	_ = v.BindEnv("api.sdk_key", "FLAGSYNC_SDK_KEY")
	_ = v.BindEnv("sync.user_keys", "FLAGSYNC_USER_KEYS")
	_ = v.BindEnv("alerts.token", "NTFY_TOKEN")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("flagsync")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Comma separated env values arrive as a single element
	cfg.Sync.UserKeys = splitList(cfg.Sync.UserKeys)
	cfg.Sync.FlagSets = splitList(cfg.Sync.FlagSets)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// UsesCustomSDKURL reports whether changes are fetched from somewhere other
// than the default origin, which is how an intermediate proxy is detected.
func (c *Config) UsesCustomSDKURL() bool {
	return strings.TrimSuffix(c.API.SDKURL, "/") != DefaultSDKURL
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
