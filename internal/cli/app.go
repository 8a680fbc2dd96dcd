package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/harun/autopilot/internal/config"
	"github.com/harun/autopilot/internal/logger"
	"github.com/harun/autopilot/internal/observability"
	"github.com/harun/autopilot/internal/tracing"
	"github.com/harun/autopilot/pkg/discovery"
	"github.com/harun/autopilot/pkg/llm"
	"github.com/harun/autopilot/pkg/planner"
	"github.com/harun/autopilot/pkg/registry"
	"github.com/harun/autopilot/pkg/sandbox"
	"github.com/harun/autopilot/pkg/summarizer"
	"github.com/harun/autopilot/pkg/toolexecutor"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app holds the wired components one command works with
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	logger  zerolog.Logger
	catalog *registry.Catalog
	local   *toolexecutor.LocalInvoker

	discovery *discovery.Discovery
	runtime   *planner.Runtime

	closers []func() error
}

// appOptions selects how much of the stack a command needs
type appOptions struct {
	// runtime wires the invoker, sandbox, summarizer and LLM adapter
	runtime bool

	// metrics serves the Prometheus endpoint when enabled in config
	metrics bool
}

// loadConfig reads the config file and applies the persistent flags
func loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newApp loads configuration and wires the components selected by opts.
// The caller must call close.
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{cfg: cfg, log: lg, logger: lg.Zerolog()}
	a.closers = append(a.closers, lg.Close)

	if err := a.wire(ctx, opts); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, opts appOptions) error {
	cfg := a.cfg

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			return fmt.Errorf("failed to initialize audit log: %w", err)
		}
		a.closers = append(a.closers, observability.GetAuditLogger().Close)
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		a.closers = append(a.closers, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tracing.ShutdownOpenTelemetry(shutdownCtx)
		})
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	catalog, err := registry.Open(registry.Config{
		DBPath: cfg.Registry.CatalogPath,
		Logger: a.log.Component("registry"),
	})
	if err != nil {
		return err
	}
	a.catalog = catalog
	a.closers = append(a.closers, catalog.Close)

	if err := a.syncManifests(ctx); err != nil {
		return err
	}

	a.discovery = discovery.New(discovery.Config{
		Registry:     catalog,
		InitialLimit: cfg.Discovery.InitialLimit,
		DetailLevel:  discovery.DetailLevel(cfg.Discovery.DetailLevel),
		Logger:       a.log.Component("discovery"),
	})

	if !opts.runtime {
		return nil
	}

	invoker, err := a.newInvoker(ctx)
	if err != nil {
		return err
	}

	if cfg.Registry.Watch && dirExists(cfg.Registry.ManifestDir) {
		watcher, err := registry.NewWatcher(registry.WatcherConfig{
			Catalog: catalog,
			Dir:     cfg.Registry.ManifestDir,
			Logger:  a.log.Component("registry"),
			OnReload: a.onManifestReload,
		})
		if err != nil {
			return fmt.Errorf("failed to watch manifests: %w", err)
		}
		a.closers = append(a.closers, watcher.Stop)
	}

	store, err := a.newStore()
	if err != nil {
		return err
	}
	sum := summarizer.New(summarizer.Config{
		Store:      store,
		MaxBytes:   cfg.Summarizer.MaxBytes,
		MaxItems:   cfg.Summarizer.MaxItems,
		SampleSize: cfg.Summarizer.SampleSize,
		Logger:     a.log.Component("summarizer"),
	})

	executor, err := sandbox.NewExecutor(cfg.SandboxExecutorConfig())
	if err != nil {
		return fmt.Errorf("failed to create sandbox: %w", err)
	}

	llmCfg := cfg.LLM
	llmCfg.Logger = a.log.Component("llm")
	adapter, err := llm.New(llmCfg)
	if err != nil {
		return fmt.Errorf("failed to create llm adapter: %w", err)
	}

	a.runtime, err = planner.New(planner.Config{
		Discovery:       a.discovery,
		Invoker:         invoker,
		Sandbox:         executor,
		Adapter:         adapter,
		Summarizer:      sum,
		Budget:          cfg.Budget,
		MenuSize:        cfg.Discovery.MenuSize,
		MenuDetail:      discovery.DetailLevel(cfg.Discovery.DetailLevel),
		StorageRoot:     cfg.Summarizer.Root,
		MaxEmptyRetries: cfg.Planner.MaxEmptyRetries,
		RecentSteps:     cfg.Planner.RecentSteps,
		RecentSummaries: cfg.Planner.RecentSummaries,
		Logger:          a.log.Component("planner"),
	})
	if err != nil {
		return err
	}

	if opts.metrics && cfg.Metrics.Enabled {
		a.serveMetrics()
	}

	return nil
}

// syncManifests loads the manifest directory into the catalog when it exists
func (a *app) syncManifests(ctx context.Context) error {
	dir := a.cfg.Registry.ManifestDir
	if !dirExists(dir) {
		a.logger.Debug().Str("dir", dir).Msg("No manifest directory, catalog left as is")
		return nil
	}
	if err := a.catalog.Sync(ctx, dir); err != nil {
		return fmt.Errorf("failed to load manifests: %w", err)
	}
	return nil
}

func (a *app) newInvoker(ctx context.Context) (toolexecutor.Invoker, error) {
	cfg := a.cfg

	if cfg.Invoker.Kind == config.InvokerWebSocket {
		ws, err := toolexecutor.NewWebSocketInvoker(toolexecutor.WebSocketConfig{
			URL:     cfg.Invoker.URL,
			Timeout: cfg.InvokerTimeout(),
			Logger:  a.log.Component("invoker"),
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, ws.Close)
		return ws, nil
	}

	local := toolexecutor.NewLocalInvoker(toolexecutor.LocalConfig{Timeout: cfg.InvokerTimeout()})
	for identity, policy := range cfg.Invoker.Policies {
		policy := policy
		local.SetPolicy(identity, &policy)
	}

	for _, srv := range cfg.Invoker.MCPServers {
		server := toolexecutor.NewMCPServer(srv.Command, srv.Args, srv.Env)
		if err := server.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start MCP server %s: %w", srv.Provider, err)
		}
		a.closers = append(a.closers, server.Stop)

		ids, err := local.RegisterMCPServer(ctx, srv.Provider, server)
		if err != nil {
			return nil, err
		}
		a.logger.Info().
			Str("provider", srv.Provider).
			Int("tools", len(ids)).
			Msg("MCP server registered")
	}

	a.local = local
	if err := a.publishLocalTools(ctx); err != nil {
		return nil, err
	}
	return local, nil
}

// publishLocalTools makes the local invoker's tools searchable through the catalog
// onManifestReload republishes local tools over the reloaded catalog and
// drops cached topologies and search results
func (a *app) onManifestReload(err error) {
	if err != nil {
		return
	}
	if err := a.publishLocalTools(context.Background()); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to republish local tools")
	}
	a.discovery.Invalidate()
}

func (a *app) publishLocalTools(ctx context.Context) error {
	if a.local == nil {
		return nil
	}
	entries := localEntries(a.local.Definitions())
	if len(entries) == 0 {
		return nil
	}
	return a.catalog.Upsert(ctx, entries)
}

func localEntries(defs []toolexecutor.ToolDefinition) []registry.Entry {
	entries := make([]registry.Entry, 0, len(defs))
	for _, def := range defs {
		entries = append(entries, registry.Entry{
			Provider:    def.Provider,
			Tool:        def.Name,
			Description: def.Description,
			Parameters:  toolexecutor.SchemaFor(def.Parameters),
			Keywords:    def.Keywords,
			Available:   true,
		})
	}
	return entries
}

func (a *app) newStore() (summarizer.Store, error) {
	cfg := a.cfg.Summarizer
	if cfg.Storage != config.StorageRedis {
		return summarizer.FileStore{}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	a.closers = append(a.closers, client.Close)
	return summarizer.NewRedisStore(client, a.cfg.RedisTTL()), nil
}

func (a *app) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Str("addr", srv.Addr).Msg("Metrics server failed")
		}
	}()
	a.logger.Info().Str("addr", srv.Addr).Msg("Metrics server listening")

	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}

// close releases everything in reverse order of acquisition
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func dirExists(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
