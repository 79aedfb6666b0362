// Command civicsight is the main entry point for the civicsight scenario
// detection server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/civicsight/internal/app"
	"github.com/MrWong99/civicsight/internal/config"
	"github.com/MrWong99/civicsight/internal/observe"
	"github.com/MrWong99/civicsight/internal/resilience"
	"github.com/MrWong99/civicsight/pkg/provider/clip"
	"github.com/MrWong99/civicsight/pkg/provider/clip/clipserver"
	"github.com/MrWong99/civicsight/pkg/provider/clip/onnx"
	"github.com/MrWong99/civicsight/pkg/vectorcache/postgres"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (built-in defaults when empty)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(os.Stderr, "civicsight: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
			} else {
				fmt.Fprintf(os.Stderr, "civicsight: %v\n", err)
			}
			return 1
		}
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(&level))

	slog.Info("civicsight starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "civicsight",
		ServiceVersion: version,
		Attributes: []attribute.KeyValue{
			attribute.String("clip.provider", cfg.Providers.CLIP.Name),
			attribute.String("clip.model", cfg.Providers.CLIP.Model),
			attribute.Int("catalog.labels", len(cfg.Catalog.Labels)),
		},
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Resilience.CircuitBreaker)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, func(d config.ConfigDiff, _ *config.Config) {
			applyConfigDiff(&level, d)
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in CLIP provider factories into
// reg. Remote providers are wrapped in a circuit breaker built from cb.
func registerBuiltinProviders(reg *config.Registry, cb config.CircuitBreakerConfig) {
	// onnx runs the split visual/text graphs in-process.
	reg.RegisterCLIP("onnx", func(entry config.ProviderEntry) (clip.Provider, error) {
		paths := onnx.Paths{
			Visual:    optString(entry.Options, "visual_path"),
			Text:      optString(entry.Options, "text_path"),
			Tokenizer: optString(entry.Options, "tokenizer_path"),
		}
		opts := []onnx.Option{
			onnx.WithModelID(entry.Model),
			onnx.WithLibraryPath(optString(entry.Options, "library_path")),
		}
		if n := optInt(entry.Options, "max_concurrency"); n > 0 {
			opts = append(opts, onnx.WithMaxConcurrency(n))
		}
		if n := optInt(entry.Options, "intra_op_threads"); n > 0 {
			opts = append(opts, onnx.WithIntraOpThreads(n))
		}
		if n := optInt(entry.Options, "context_length"); n > 0 {
			opts = append(opts, onnx.WithContextLength(n))
		}
		if in, out := optString(entry.Options, "image_input"), optString(entry.Options, "image_output"); in != "" || out != "" {
			opts = append(opts, onnx.WithImageTensorNames(in, out))
		}
		if in, ok := entry.Options["text_input"]; ok {
			opts = append(opts, onnx.WithTextTensorNames(
				fmt.Sprint(in),
				optString(entry.Options, "text_mask_input"),
				optString(entry.Options, "text_output"),
			))
		}
		return onnx.New(paths, opts...)
	})

	// clipserver talks to a remote clip-as-service endpoint.
	reg.RegisterCLIP("clipserver", func(entry config.ProviderEntry) (clip.Provider, error) {
		var opts []clipserver.Option
		if entry.APIKey != "" {
			opts = append(opts, clipserver.WithAPIKey(entry.APIKey))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, clipserver.WithTimeout(d))
		}
		if n := optInt(entry.Options, "dimensions"); n > 0 {
			opts = append(opts, clipserver.WithDimensions(n))
		}
		if n := optInt(entry.Options, "image_size"); n > 0 {
			opts = append(opts, clipserver.WithImageSize(n))
		}
		p, err := clipserver.New(entry.BaseURL, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return resilience.NewCLIPBreaker(p, resilience.CircuitBreakerConfig{
			Name:          "clipserver",
			MaxFailures:   cb.MaxFailures,
			ResetTimeout:  cb.ResetTimeout,
			HalfOpenMax:   cb.HalfOpenMax,
			OnStateChange: func(_, to resilience.State) {
				observe.DefaultMetrics().RecordBreakerTransition(context.Background(), "clipserver", to.String())
			},
		}), nil
	})

	for _, name := range reg.CLIPNames() {
		slog.Debug("registered provider", "kind", "clip", "name", name)
	}
}

// buildProviders instantiates the CLIP provider named in cfg and, when a DSN
// is configured, the label-embedding cache.
func buildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	name := cfg.Providers.CLIP.Name
	p, err := reg.CreateCLIP(cfg.Providers.CLIP)
	if err != nil {
		return nil, fmt.Errorf("create clip provider %q: %w", name, err)
	}
	ps.CLIP = p
	slog.Info("provider created", "kind", "clip", "name", name, "model", p.ModelID())

	if dsn := cfg.Cache.PostgresDSN; dsn != "" {
		store, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			// The cache only saves startup time; run without it.
			slog.Warn("label cache unavailable, continuing without it", "err", err)
		} else {
			ps.Cache = store
			slog.Info("label cache connected", "backend", "postgres")
		}
	}

	return ps, nil
}

// applyConfigDiff applies hot-reloadable changes and warns about the rest.
func applyConfigDiff(level *slog.LevelVar, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "fields", d.RestartRequired)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       civicsight — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("CLIP", cfg.Providers.CLIP.Name, cfg.Providers.CLIP.Model)
	fmt.Printf("║  Labels          : %-19d ║\n", len(cfg.Catalog.Labels))
	if cfg.Cache.PostgresDSN != "" {
		fmt.Printf("║  Label cache     : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Label cache     : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	if cfg.Server.MetricsAddr != "" {
		fmt.Printf("║  Metrics addr    : %-19s ║\n", cfg.Server.MetricsAddr)
	}
	fmt.Printf("║  Decode failure  : %-19d ║\n", cfg.Server.DecodeFailureStatus)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, truncate(value, 19))
}

// truncate shortens s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer option. YAML integers decode as int; quoted
// numbers are parsed. Returns 0 when absent or malformed.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// optDuration extracts a duration option such as "10s". Returns 0 when absent
// or malformed.
func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring malformed duration option", "key", key, "value", s, "err", err)
		return 0
	}
	return d
}
