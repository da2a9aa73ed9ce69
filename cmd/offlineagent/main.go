package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/offlineagent/internal/agent"
	"github.com/agentworkforce/offlineagent/internal/cachestore"
	"github.com/agentworkforce/offlineagent/internal/httpapi"
	"github.com/agentworkforce/offlineagent/internal/manifest"
	"github.com/agentworkforce/offlineagent/internal/notify"
	"github.com/agentworkforce/offlineagent/internal/pushfeed"
	"github.com/agentworkforce/offlineagent/internal/telemetry"
	"github.com/agentworkforce/offlineagent/internal/writequeue"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "offlineagent: %v\n", err)
		os.Exit(2)
	}
	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "offlineagent: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("offlineagent stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, logger *zap.Logger) error {
	tracer, shutdownTracing, err := telemetry.SetupTracing(ctx, "offlineagent", cfg.OtelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	var origin *url.URL
	if upstream := strings.TrimSpace(cfg.Upstream); upstream != "" {
		origin, err = url.Parse(upstream)
		if err != nil || origin.Scheme == "" || origin.Host == "" {
			return fmt.Errorf("invalid OFFLINEAGENT_UPSTREAM: %q", upstream)
		}
	}
	syncRoutes, err := agent.ParseSyncRoutes(cfg.SyncRoutes)
	if err != nil {
		return fmt.Errorf("parse OFFLINEAGENT_SYNC_ROUTES: %w", err)
	}

	cacheDSN, queueDSN, err := cfg.storageDSNs()
	if err != nil {
		return err
	}
	cacheBackend, cacheKind, err := cachestore.BuildBackendFromDSN(cacheDSN)
	if err != nil {
		return fmt.Errorf("cache backend: %w", err)
	}
	store := cachestore.NewStore(cacheBackend, cacheKind, logger.Named("cache"))
	defer func() { _ = store.Close() }()

	queueBackend, queueKind, err := writequeue.BuildBackendFromDSN(ctx, queueDSN, cfg.QueueCapacity)
	if err != nil {
		return fmt.Errorf("queue backend: %w", err)
	}
	logger.Info("storage ready", zap.String("cache", cacheKind), zap.String("queue", queueKind))

	// Redirects are handed back to the caller untouched.
	httpClient := &http.Client{
		Timeout: cfg.FetchTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	fetcher := agent.NewHTTPFetcher(httpClient, cfg.MaxBodyBytes)

	queue := writequeue.New(queueBackend, writequeue.NewHTTPReplayer(httpClient), writequeue.Options{
		MaxAttempts:    cfg.MaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		Logger:         logger.Named("queue"),
	})
	defer func() { _ = queue.Close() }()

	lifecycle := agent.NewLifecycle(store, fetcher, agent.LifecycleOptions{
		Prefix:      cfg.NamespacePrefix,
		Origin:      origin,
		Concurrency: cfg.InstallConcurrency,
		Logger:      logger.Named("lifecycle"),
		Tracer:      tracer,
	})
	edge := agent.New(lifecycle, store, fetcher, queue, agent.Options{
		Selector: agent.NewSelector(agent.SelectorConfig{
			StaticPrefixes: cfg.StaticPrefixes,
			StaticHosts:    cfg.StaticHosts,
			APIPrefixes:    cfg.APIPrefixes,
		}),
		SyncRoutes:  syncRoutes,
		DefaultTag:  cfg.DefaultSyncTag,
		OfflinePath: cfg.OfflinePath,
		Logger:      logger.Named("agent"),
		Tracer:      tracer,
	})
	proxy := agent.NewProxy(edge, agent.ProxyConfig{
		Upstream:     origin,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Logger:       logger.Named("proxy"),
	})

	var monitor *agent.Monitor
	if probeURL := firstNonEmpty(cfg.ProbeURL, cfg.Upstream); probeURL != "" {
		monitor = agent.NewMonitor(fetcher, agent.MonitorOptions{
			ProbeURL: probeURL,
			Interval: cfg.ProbeInterval,
			Jitter:   cfg.ProbeJitter,
			Timeout:  cfg.ProbeTimeout,
			OnReconnect: func(ctx context.Context) {
				results, err := queue.DrainAll(ctx)
				if err != nil {
					logger.Warn("reconnect drain failed", zap.Error(err))
					return
				}
				for _, r := range results {
					if r.Attempted == 0 {
						continue
					}
					logger.Info("reconnect drain",
						zap.String("tag", r.Tag),
						zap.Int("succeeded", r.Succeeded),
						zap.Int("failed", r.Failed),
						zap.Int("remaining", r.Remaining),
					)
				}
			},
			Logger: logger.Named("monitor"),
		})
	}

	hub := httpapi.NewHub(lifecycle, logger.Named("hub"))
	dispatcher, err := notify.New(hub, hub, notify.Options{Logger: logger.Named("notify")})
	if err != nil {
		return err
	}

	var feed *pushfeed.Subscriber
	if cfg.PushFeedURL != "" {
		feed, err = pushfeed.New(cfg.PushFeedURL, dispatcher, pushfeed.Options{
			Token:  cfg.PushFeedToken,
			Logger: logger.Named("pushfeed"),
		})
		if err != nil {
			return fmt.Errorf("push feed: %w", err)
		}
	}

	var loadManifest func(context.Context) (manifest.Manifest, error)
	if cfg.ManifestFile != "" {
		loadManifest = func(context.Context) (manifest.Manifest, error) {
			return manifest.Load(cfg.ManifestFile)
		}
		if m, err := manifest.Load(cfg.ManifestFile); err != nil {
			logger.Warn("initial manifest not loaded", zap.String("path", cfg.ManifestFile), zap.Error(err))
		} else {
			install(ctx, lifecycle, m, logger)
		}
	}

	control := httpapi.NewServer(httpapi.Deps{
		Lifecycle:    lifecycle,
		Queue:        queue,
		Dispatcher:   dispatcher,
		Hub:          hub,
		Monitor:      monitor,
		LoadManifest: loadManifest,
	}, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		AllowedOrigins:  cfg.AllowedOrigins,
		Logger:          logger.Named("control"),
	})

	servers := []*http.Server{
		{Addr: cfg.ProxyAddr, Handler: proxy, ReadHeaderTimeout: 10 * time.Second},
		{Addr: cfg.ControlAddr, Handler: control, ReadHeaderTimeout: 10 * time.Second},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("server shutdown failed", zap.String("addr", srv.Addr), zap.Error(err))
			}
		}
		return nil
	})
	if monitor != nil {
		g.Go(func() error {
			monitor.Run(gctx)
			return nil
		})
	}
	if cfg.ManifestFile != "" {
		g.Go(func() error {
			return manifest.Watch(gctx, cfg.ManifestFile, cfg.ManifestDebounce, logger.Named("manifest"), func(m manifest.Manifest) {
				install(gctx, lifecycle, m, logger)
			})
		})
	}
	if feed != nil {
		g.Go(func() error {
			return feed.Run(gctx)
		})
	}
	return g.Wait()
}

func install(ctx context.Context, lifecycle *agent.Lifecycle, m manifest.Manifest, logger *zap.Logger) {
	gen, err := lifecycle.Install(ctx, m)
	if err != nil {
		logger.Warn("install failed", zap.String("generation", m.Generation), zap.Error(err))
		return
	}
	logger.Info("generation installed", zap.String("tag", gen.Tag))
	_, err = lifecycle.Activate(ctx)
	switch {
	case err == nil, errors.Is(err, agent.ErrNoWaitingGeneration):
	case errors.Is(err, agent.ErrClientsAttached):
		logger.Info("generation waiting for clients to detach", zap.String("tag", gen.Tag))
	default:
		logger.Warn("activation failed", zap.String("tag", gen.Tag), zap.Error(err))
	}
}
