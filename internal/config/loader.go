package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/antzucaro/matchr"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/civicsight/internal/detect"
)

// EnvCLIPAPIKey overrides providers.clip.api_key when set.
const EnvCLIPAPIKey = "CIVICSIGHT_CLIP_API_KEY"

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr          = ":6000"
	DefaultMaxUploadBytes      = 32 << 20
	DefaultDecodeFailureStatus = 500
	DefaultReadTimeout         = 30 * time.Second
	DefaultWriteTimeout        = 60 * time.Second
	DefaultCLIPProvider        = "onnx"
)

// suggestThreshold is the minimum Jaro-Winkler similarity for a known
// provider name to be offered as a correction.
const suggestThreshold = 0.8

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"clip": {"onnx", "clipserver"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. An empty document yields the
// default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyEnv(cfg)
	ApplyDefaults(cfg)
	return cfg
}

// applyEnv overlays secrets from the environment.
func applyEnv(cfg *Config) {
	if key := os.Getenv(EnvCLIPAPIKey); key != "" {
		cfg.Providers.CLIP.APIKey = key
	}
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults. Fields
// that are already set are left untouched.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.MaxUploadBytes == 0 {
		s.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if s.DecodeFailureStatus == 0 {
		s.DecodeFailureStatus = DefaultDecodeFailureStatus
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if len(s.CORS.AllowedOrigins) == 0 {
		s.CORS.AllowedOrigins = []string{"*"}
	}

	if cfg.Providers.CLIP.Name == "" {
		cfg.Providers.CLIP.Name = DefaultCLIPProvider
	}
	if len(cfg.Catalog.Labels) == 0 {
		cfg.Catalog.Labels = detect.DefaultLabels()
	}
	if cfg.Classifier.LogitScale == 0 {
		cfg.Classifier.LogitScale = 1
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	s := cfg.Server
	if s.LogLevel != "" && !s.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", s.LogLevel))
	}
	if s.MaxUploadBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_bytes %d must not be negative", s.MaxUploadBytes))
	}
	if s.DecodeFailureStatus != 0 && s.DecodeFailureStatus != 400 && s.DecodeFailureStatus != 500 {
		errs = append(errs, fmt.Errorf("server.decode_failure_status %d is invalid; valid values: 400, 500", s.DecodeFailureStatus))
	}
	if s.ReadTimeout < 0 || s.WriteTimeout < 0 {
		errs = append(errs, errors.New("server.read_timeout and server.write_timeout must not be negative"))
	}
	if s.MetricsAddr != "" && s.MetricsAddr == s.ListenAddr {
		errs = append(errs, fmt.Errorf("server.metrics_addr %q must differ from server.listen_addr", s.MetricsAddr))
	}

	// Providers
	clipEntry := cfg.Providers.CLIP
	if clipEntry.Name == "" {
		errs = append(errs, errors.New("providers.clip.name is required"))
	}
	validateProviderName("clip", clipEntry.Name)
	if clipEntry.Name == "onnx" {
		if _, ok := clipEntry.Options["visual_path"]; !ok {
			slog.Warn("providers.clip.options.visual_path is not set; the onnx provider will fail to start")
		}
	}

	// Catalog
	if len(cfg.Catalog.Labels) == 0 {
		errs = append(errs, errors.New("catalog.labels must not be empty"))
	} else if _, err := detect.NormalizeCatalog(cfg.Catalog.Labels); err != nil {
		errs = append(errs, fmt.Errorf("catalog.labels: %w", err))
	}

	// Classifier
	if cfg.Classifier.LogitScale < 0 {
		errs = append(errs, fmt.Errorf("classifier.logit_scale %g must not be negative", cfg.Classifier.LogitScale))
	}

	// Resilience
	cb := cfg.Resilience.CircuitBreaker
	if cb.MaxFailures < 0 || cb.HalfOpenMax < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, errors.New("resilience.circuit_breaker values must not be negative"))
	}

	// Cache
	if cfg.Cache.PostgresDSN == "" {
		slog.Debug("cache.postgres_dsn is empty; label embeddings are encoded on every start")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind. When a known name is
// close enough, it is suggested.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	attrs := []any{"kind", kind, "name", name, "known", known}
	if s := suggestProviderName(kind, name); s != "" {
		attrs = append(attrs, "did_you_mean", s)
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider", attrs...)
}

// suggestProviderName returns the known provider name of the given kind most
// similar to name, or "" if none reaches suggestThreshold.
func suggestProviderName(kind, name string) string {
	best, bestScore := "", 0.0
	for _, k := range ValidProviderNames[kind] {
		if score := matchr.JaroWinkler(name, k, false); score > bestScore {
			best, bestScore = k, score
		}
	}
	if bestScore < suggestThreshold {
		return ""
	}
	return best
}
