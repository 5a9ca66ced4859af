package config

import (
	"fmt"
	"net/url"
	"strings"
)

// InvalidField is a single configuration key with a problem.
type InvalidField struct {
	Key    string
	Reason string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	Fields []InvalidField
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Fields) > 0
}

func (e *ValidationErrors) add(key, reason string) {
	e.Fields = append(e.Fields, InvalidField{Key: key, Reason: reason})
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, f := range e.Fields {
		sb.WriteString(fmt.Sprintf("  - %s: %s\n", f.Key, f.Reason))
	}
	return sb.String()
}

var validPriorities = map[string]bool{
	"min": true, "low": true, "default": true, "high": true, "urgent": true,
}

func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if c.API.SDKKey == "" {
		errs.add("api.sdk_key", "is required (set FLAGSYNC_SDK_KEY env var)")
	}
	validateURL(errs, "api.sdk_url", c.API.SDKURL)
	validateURL(errs, "api.auth_url", c.API.AuthURL)
	validateURL(errs, "api.streaming_url", c.API.StreamingURL)

	if c.API.Timeout <= 0 {
		errs.add("api.timeout", "must be > 0")
	}
	if c.API.RatePerSecond < 1 {
		errs.add("api.rate_per_second", "must be >= 1")
	}
	if len(c.Sync.UserKeys) == 0 {
		errs.add("sync.user_keys", "at least one key is required")
	}
	for _, k := range c.Sync.UserKeys {
		if strings.TrimSpace(k) == "" {
			errs.add("sync.user_keys", "keys must not be blank")
			break
		}
	}
	if c.Sync.FeaturesRefreshRate <= 0 {
		errs.add("sync.features_refresh_rate", "must be > 0")
	}
	if c.Sync.SegmentsRefreshRate <= 0 {
		errs.add("sync.segments_refresh_rate", "must be > 0")
	}
	if c.Sync.MaxAttempts < 1 {
		errs.add("sync.max_attempts", "must be >= 1")
	}
	if c.Sync.CDNMaxAttempts < 1 {
		errs.add("sync.cdn_max_attempts", "must be >= 1")
	}
	if c.Sync.OnDemandMaxRetries < 0 {
		errs.add("sync.on_demand_max_retries", "must be >= 0")
	}
	if c.Streaming.KeepAliveTimeout <= 0 {
		errs.add("streaming.keepalive_timeout", "must be > 0")
	}
	if c.Streaming.TokenRefreshMargin < 0 {
		errs.add("streaming.token_refresh_margin", "must be >= 0")
	}

	if c.Alerts.Enabled {
		if c.Alerts.Topic == "" {
			errs.add("alerts.topic", "is required when alerts are enabled")
		}
		validateURL(errs, "alerts.server", c.Alerts.Server)
		if !validPriorities[c.Alerts.Priority] {
			errs.add("alerts.priority", fmt.Sprintf("invalid priority %q (valid: min, low, default, high, urgent)", c.Alerts.Priority))
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateURL(errs *ValidationErrors, key, raw string) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs.add(key, fmt.Sprintf("invalid URL %q", raw))
	}
}
