// Package config defines the civicsight configuration schema, loads it from
// YAML, and maps provider names to constructors.
package config

import "time"

// LogLevel controls log verbosity for the civicsight server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration for the civicsight server.
type Config struct {
	// Server holds HTTP listener and request-handling settings.
	Server ServerConfig `yaml:"server"`

	// Providers selects the embedding model backend.
	Providers ProvidersConfig `yaml:"providers"`

	// Catalog holds the scenario labels images are classified against.
	Catalog CatalogConfig `yaml:"catalog"`

	// Classifier tunes how similarities become probabilities.
	Classifier ClassifierConfig `yaml:"classifier"`

	// Cache configures optional persistence of label embeddings.
	Cache CacheConfig `yaml:"cache"`

	// Resilience configures the circuit breaker around remote providers.
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network and request-handling settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the API listens on (e.g., ":6000").
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr serves /metrics on a separate listener when non-empty.
	// When empty, /metrics is served on ListenAddr.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// MaxUploadBytes limits the request body of an upload.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// DecodeFailureStatus is the HTTP status for uploads that are not a
	// decodable image. Either 400 or 500.
	DecodeFailureStatus int `yaml:"decode_failure_status"`

	// IncludeScores adds the per-label probability distribution to replies.
	IncludeScores bool `yaml:"include_scores"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// CORS controls cross-origin access to the API.
	CORS CORSConfig `yaml:"cors"`
}

// CORSConfig lists the origins allowed to call the API. An empty list or a
// "*" entry allows any origin.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ProvidersConfig holds the provider selection per provider kind.
type ProvidersConfig struct {
	// CLIP embeds images and labels into a shared vector space.
	CLIP ProviderEntry `yaml:"clip"`
}

// ProviderEntry is the common configuration block for a provider.
type ProviderEntry struct {
	// Name selects the registered provider implementation ("onnx" or
	// "clipserver").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// Overridden by the CIVICSIGHT_CLIP_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects the checkpoint (e.g., "ViT-B/32").
	Model string `yaml:"model"`

	// Options holds provider-specific key/value settings such as model file
	// paths or concurrency limits.
	Options map[string]any `yaml:"options"`
}

// CatalogConfig holds the scenario label catalog. Order is significant: it
// decides ties and the order of reported scores.
type CatalogConfig struct {
	Labels []string `yaml:"labels"`
}

// ClassifierConfig tunes scoring.
type ClassifierConfig struct {
	// Normalize L2-normalises embeddings before the inner product.
	Normalize bool `yaml:"normalize"`

	// LogitScale multiplies similarities before the softmax. Default: 1.
	LogitScale float64 `yaml:"logit_scale"`
}

// CacheConfig configures the label-embedding cache.
type CacheConfig struct {
	// PostgresDSN enables the PostgreSQL/pgvector cache when non-empty.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ResilienceConfig groups failure-handling settings.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig mirrors [resilience.CircuitBreakerConfig] in YAML form.
// Zero values select the breaker's defaults.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}
