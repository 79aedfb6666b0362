// Package app wires all civicsight subsystems into a running application.
//
// The App struct owns the full lifecycle: New embeds the label catalog and
// builds the HTTP handlers, Run serves requests until the context is
// cancelled, and Shutdown drains the servers and releases provider
// resources in order.
//
// For testing, inject test doubles through [Providers] and the functional
// options (WithMetrics, WithHealthCheckers).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/civicsight/internal/api"
	"github.com/MrWong99/civicsight/internal/config"
	"github.com/MrWong99/civicsight/internal/detect"
	"github.com/MrWong99/civicsight/internal/health"
	"github.com/MrWong99/civicsight/internal/observe"
	"github.com/MrWong99/civicsight/pkg/provider/clip"
	"github.com/MrWong99/civicsight/pkg/vectorcache"
)

// Providers holds the external dependencies built by main.go via the config
// registry. CLIP is required; Cache may be nil.
type Providers struct {
	CLIP  clip.Provider
	Cache vectorcache.Store
}

// pinger is implemented by dependencies that can report their reachability.
type pinger interface {
	Ping(ctx context.Context) error
}

// checker is implemented by dependencies that expose a readiness check,
// e.g. [resilience.CLIPBreaker].
type checker interface {
	Check(ctx context.Context) error
}

// App owns all subsystem lifetimes and serves the detection API.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	classifier *detect.Classifier
	handler    http.Handler
	extraCheck []health.Checker

	server        *http.Server
	metricsServer *http.Server

	mu    sync.Mutex
	addrs map[string]net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records metrics to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithHealthCheckers adds readiness checks on top of the built-in ones.
func WithHealthCheckers(checks ...health.Checker) Option {
	return func(a *App) { a.extraCheck = append(a.extraCheck, checks...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The label catalog is
// embedded synchronously, so New fails if the CLIP provider cannot encode it.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.CLIP == nil {
		return nil, errors.New("app: a CLIP provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		addrs:     make(map[string]net.Addr),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// Provider resources are released even when New fails below.
	if c, ok := providers.CLIP.(clip.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	if c, ok := providers.Cache.(interface{ Close() }); ok {
		a.closers = append(a.closers, func() error { c.Close(); return nil })
	}

	// ── 1. Classifier ────────────────────────────────────────────────────
	if err := a.initClassifier(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init classifier: %w", err)
	}

	// ── 2. HTTP handlers ─────────────────────────────────────────────────
	a.initHandlers()

	// ── 3. Servers ───────────────────────────────────────────────────────
	a.initServers()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initClassifier embeds the label catalog, using the vector cache if one is
// configured.
func (a *App) initClassifier(ctx context.Context) error {
	opts := []detect.Option{
		detect.WithNormalize(a.cfg.Classifier.Normalize),
		detect.WithLogitScale(a.cfg.Classifier.LogitScale),
		detect.WithMetrics(a.metrics),
	}
	if name := a.cfg.Providers.CLIP.Name; name != "" {
		opts = append(opts, detect.WithProviderName(name))
	}
	if a.providers.Cache != nil {
		opts = append(opts, detect.WithVectorCache(a.providers.Cache))
	}

	labels := a.cfg.Catalog.Labels
	if len(labels) == 0 {
		labels = detect.DefaultLabels()
	}

	c, err := detect.New(ctx, a.providers.CLIP, labels, opts...)
	if err != nil {
		return err
	}
	a.classifier = c
	slog.Info("label catalog embedded",
		"labels", len(c.Labels()),
		"model", c.ModelID(),
		"dimensions", c.Dimensions(),
	)
	return nil
}

// initHandlers builds the root handler: API routes, health probes and, when
// no dedicated metrics listener is configured, /metrics.
func (a *App) initHandlers() {
	mux := http.NewServeMux()

	api.New(a.classifier, api.Config{
		MaxUploadBytes:      a.cfg.Server.MaxUploadBytes,
		DecodeFailureStatus: a.cfg.Server.DecodeFailureStatus,
		IncludeScores:       a.cfg.Server.IncludeScores,
	}, a.metrics).Register(mux)

	health.New(a.healthCheckers()...).WithInfo(map[string]string{
		"model":      a.classifier.ModelID(),
		"provider":   a.cfg.Providers.CLIP.Name,
		"labels":     strconv.Itoa(len(a.classifier.Labels())),
		"dimensions": strconv.Itoa(a.classifier.Dimensions()),
	}).Register(mux)

	if a.cfg.Server.MetricsAddr == "" {
		mux.Handle("GET /metrics", observe.MetricsHandler())
	}

	mw := observe.Middleware(a.metrics, observe.WithQuietPaths("/healthz", "/readyz", "/metrics"))
	a.handler = mw(api.CORS(a.cfg.Server.CORS.AllowedOrigins)(mux))
}

// healthCheckers returns the readiness checks for the configured
// dependencies.
func (a *App) healthCheckers() []health.Checker {
	checks := []health.Checker{{
		Name: "classifier",
		Check: func(context.Context) error {
			if a.classifier.Dimensions() == 0 {
				return errors.New("label embeddings not loaded")
			}
			return nil
		},
	}}
	if c, ok := a.providers.CLIP.(checker); ok {
		checks = append(checks, health.Checker{Name: "clip_breaker", Check: c.Check})
	}
	if p, ok := a.providers.Cache.(pinger); ok {
		checks = append(checks, health.Checker{Name: "label_cache", Check: p.Ping})
	}
	return append(checks, a.extraCheck...)
}

func (a *App) initServers() {
	s := a.cfg.Server
	a.server = &http.Server{
		Addr:         s.ListenAddr,
		Handler:      a.handler,
		ReadTimeout:  s.ReadTimeout,
		WriteTimeout: s.WriteTimeout,
	}
	if s.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", observe.MetricsHandler())
		a.metricsServer = &http.Server{
			Addr:        s.MetricsAddr,
			Handler:     mux,
			ReadTimeout: s.ReadTimeout,
		}
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler served on the listen address.
func (a *App) Handler() http.Handler { return a.handler }

// Classifier returns the shared classifier.
func (a *App) Classifier() *detect.Classifier { return a.classifier }

// Addr returns the bound address of the API listener, or nil before Run has
// started listening.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addrs["api"]
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run binds the listeners and serves until ctx is cancelled or a server
// fails. It returns ctx.Err() on cancellation. Servers keep running until
// [App.Shutdown] is called.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	if err := a.serve("api", a.server, errCh); err != nil {
		return err
	}
	if a.metricsServer != nil {
		if err := a.serve("metrics", a.metricsServer, errCh); err != nil {
			return err
		}
	}

	slog.Info("app running", "addr", a.Addr().String(), "metrics_addr", a.cfg.Server.MetricsAddr)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// serve binds srv.Addr and serves in a background goroutine. Serve errors
// other than [http.ErrServerClosed] are sent to errCh.
func (a *App) serve(name string, srv *http.Server, errCh chan<- error) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s on %q: %w", name, srv.Addr, err)
	}
	a.mu.Lock()
	a.addrs[name] = ln.Addr()
	a.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("app: %s server: %w", name, err)
		}
	}()
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains the HTTP servers concurrently and then runs the closers in
// order. It respects the context deadline: if ctx expires, remaining closers
// are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		g, gctx := errgroup.WithContext(ctx)
		for _, srv := range []*http.Server{a.server, a.metricsServer} {
			if srv == nil {
				continue
			}
			g.Go(func() error { return srv.Shutdown(gctx) })
		}
		if err := g.Wait(); err != nil {
			slog.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs every closer, ignoring the context. Used when New fails.
func (a *App) closeAll() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
}
