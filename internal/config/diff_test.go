package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/civicsight/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Providers.CLIP = config.ProviderEntry{
		Name:    "onnx",
		Model:   "ViT-B/32",
		Options: map[string]any{"visual_path": "/m/visual.onnx", "max_concurrency": 2},
	}
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("expected no restart-only changes, got %v", d.RestartRequired)
	}
	if !d.Empty() {
		t.Error("Empty() = false for identical configs")
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel: got %q, want %q", d.NewLogLevel, config.LogDebug)
	}
	if d.Empty() {
		t.Error("Empty() = true for a log level change")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level alone should not require a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":7000" }, "server.listen_addr"},
		{"metrics addr", func(c *config.Config) { c.Server.MetricsAddr = ":9090" }, "server.metrics_addr"},
		{"upload limit", func(c *config.Config) { c.Server.MaxUploadBytes = 1 }, "server.max_upload_bytes"},
		{"decode status", func(c *config.Config) { c.Server.DecodeFailureStatus = 400 }, "server.decode_failure_status"},
		{"scores", func(c *config.Config) { c.Server.IncludeScores = true }, "server.include_scores"},
		{"read timeout", func(c *config.Config) { c.Server.ReadTimeout = 5 * time.Second }, "server.read_timeout"},
		{"write timeout", func(c *config.Config) { c.Server.WriteTimeout = 2 * time.Minute }, "server.write_timeout"},
		{"cors", func(c *config.Config) { c.Server.CORS.AllowedOrigins = []string{"https://a.example"} }, "server.cors.allowed_origins"},
		{"provider name", func(c *config.Config) { c.Providers.CLIP.Name = "clipserver" }, "providers.clip"},
		{"provider option", func(c *config.Config) { c.Providers.CLIP.Options["max_concurrency"] = 8 }, "providers.clip"},
		{"labels", func(c *config.Config) { c.Catalog.Labels = append(c.Catalog.Labels, "Flooded street") }, "catalog.labels"},
		{"label order", func(c *config.Config) { slices.Reverse(c.Catalog.Labels) }, "catalog.labels"},
		{"classifier", func(c *config.Config) { c.Classifier.Normalize = true }, "classifier"},
		{"cache", func(c *config.Config) { c.Cache.PostgresDSN = "postgres://db" }, "cache.postgres_dsn"},
		{"breaker", func(c *config.Config) { c.Resilience.CircuitBreaker.MaxFailures = 9 }, "resilience.circuit_breaker"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tc.mutate(new)

			d := config.Diff(old, new)
			if d.LogLevelChanged {
				t.Error("expected LogLevelChanged=false")
			}
			if len(d.RestartRequired) != 1 || d.RestartRequired[0] != tc.want {
				t.Errorf("RestartRequired: got %v, want [%s]", d.RestartRequired, tc.want)
			}
		})
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogWarn
	new.Catalog.Labels = []string{"Clean road"}
	new.Providers.CLIP.Model = "ViT-L/14"

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogWarn {
		t.Errorf("log level diff: got %v/%q", d.LogLevelChanged, d.NewLogLevel)
	}
	want := []string{"providers.clip", "catalog.labels"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired: got %v, want %v", d.RestartRequired, want)
	}
}
