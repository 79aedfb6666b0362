package config

import (
	"fmt"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only the log level can be applied without a restart; the remaining fields
// flag changes that take effect on the next start.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the dotted paths of changed settings that are
	// only read at startup, e.g. "catalog.labels".
	RestartRequired []string
}

// Empty reports whether d holds no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}

	so, sn := old.Server, new.Server
	restart("server.listen_addr", so.ListenAddr != sn.ListenAddr)
	restart("server.metrics_addr", so.MetricsAddr != sn.MetricsAddr)
	restart("server.max_upload_bytes", so.MaxUploadBytes != sn.MaxUploadBytes)
	restart("server.decode_failure_status", so.DecodeFailureStatus != sn.DecodeFailureStatus)
	restart("server.include_scores", so.IncludeScores != sn.IncludeScores)
	restart("server.read_timeout", so.ReadTimeout != sn.ReadTimeout)
	restart("server.write_timeout", so.WriteTimeout != sn.WriteTimeout)
	restart("server.cors.allowed_origins", !slices.Equal(so.CORS.AllowedOrigins, sn.CORS.AllowedOrigins))
	restart("providers.clip", !providerEntryEqual(old.Providers.CLIP, new.Providers.CLIP))
	restart("catalog.labels", !slices.Equal(old.Catalog.Labels, new.Catalog.Labels))
	restart("classifier", old.Classifier != new.Classifier)
	restart("cache.postgres_dsn", old.Cache.PostgresDSN != new.Cache.PostgresDSN)
	restart("resilience.circuit_breaker", old.Resilience.CircuitBreaker != new.Resilience.CircuitBreaker)

	return d
}

// providerEntryEqual compares two entries field by field. Option values are
// compared by their formatted representation.
func providerEntryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}
