// Command mcp-app-bridge runs the host API and the sandbox origin that
// renders MCP apps.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/ggoodman/mcp-app-bridge/apps"
	"github.com/ggoodman/mcp-app-bridge/auth"
	"github.com/ggoodman/mcp-app-bridge/broker"
	brokermemory "github.com/ggoodman/mcp-app-bridge/broker/memory"
	brokerredis "github.com/ggoodman/mcp-app-bridge/broker/redis"
	"github.com/ggoodman/mcp-app-bridge/extensions"
	"github.com/ggoodman/mcp-app-bridge/hostapi"
	"github.com/ggoodman/mcp-app-bridge/hostevents"
	"github.com/ggoodman/mcp-app-bridge/hostshell"
	"github.com/ggoodman/mcp-app-bridge/internal/config"
	"github.com/ggoodman/mcp-app-bridge/internal/logctx"
	"github.com/ggoodman/mcp-app-bridge/internal/metrics"
	"github.com/ggoodman/mcp-app-bridge/resources"
	"github.com/ggoodman/mcp-app-bridge/sandbox"
	"github.com/ggoodman/mcp-app-bridge/storage"
	storagememory "github.com/ggoodman/mcp-app-bridge/storage/memory"
	storageredis "github.com/ggoodman/mcp-app-bridge/storage/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	logger := setupLogging(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("bridge.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

// setupLogging installs the default slog logger and bridges the stdlib log
// package into it.
func setupLogging(cfg *config.Config, w io.Writer) *slog.Logger {
	lvl, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(logctx.Handler{Handler: h})
	slog.SetDefault(logger)

	log.SetOutput(stdlibWriter{logger})
	log.SetFlags(0)
	return logger
}

type stdlibWriter struct{ l *slog.Logger }

func (w stdlibWriter) Write(p []byte) (int, error) {
	w.l.Info(strings.TrimRight(string(p), "\n"), slog.String("source", "stdlib"))
	return len(p), nil
}

type backends struct {
	store  storage.Storage
	broker broker.Broker
	close  func() error
}

// openBackends connects redis when configured and falls back to process
// memory otherwise.
func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	if cfg.RedisAddr == "" {
		store, err := storagememory.New(cfg.CacheSize)
		if err != nil {
			return nil, err
		}
		return &backends{
			store:  store,
			broker: brokermemory.New(brokermemory.WithHistory(cfg.EventHistory)),
			close:  store.Close,
		}, nil
	}

	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	store, err := storageredis.New(storageredis.Config{Client: client, KeyPrefix: cfg.RedisPrefix + "storage:"})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	br := brokerredis.New(brokerredis.Config{Client: client, KeyPrefix: cfg.RedisPrefix + "events:", MaxLen: int64(cfg.EventHistory)})
	return &backends{store: store, broker: br, close: client.Close}, nil
}

func newAuthenticator(ctx context.Context, cfg *config.Config) (auth.Authenticator, error) {
	acfg := auth.DefaultConfig()
	acfg.Issuer = cfg.AuthIssuer
	acfg.Audiences = cfg.Audiences()
	acfg.RequiredScopes = cfg.Scopes()
	switch cfg.AuthMode {
	case config.AuthOIDC:
		return auth.NewFromDiscovery(ctx, acfg)
	case config.AuthJWKS:
		return auth.NewStatic(ctx, acfg, cfg.AuthJWKSURL)
	default:
		return auth.AllowAll(""), nil
	}
}

// catalog lists apps from the extension servers and the development
// directory.
type catalog struct {
	mgr *extensions.Manager
	dir *resources.DirSource
}

func (c catalog) ListApps(ctx context.Context) (apps.AppList, error) {
	list, err := c.mgr.ListApps(ctx)
	if err != nil {
		return apps.AppList{}, err
	}
	if c.dir != nil {
		local, err := c.dir.List(ctx)
		if err != nil {
			return apps.AppList{}, err
		}
		list.Apps = append(list.Apps, local...)
	}
	return list, nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	be, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = be.close() }()

	authn, err := newAuthenticator(ctx, cfg)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	mgr, err := extensions.NewManager(cfg.Extensions,
		extensions.WithLogger(logger),
		extensions.WithClientInfo(cfg.HostName, cfg.HostVersion),
	)
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	router := resources.NewRouter(mgr)
	var dir *resources.DirSource
	var devExtensions []string
	if cfg.AppDir != "" {
		dir, err = resources.NewDirSource(cfg.AppDir, logger)
		if err != nil {
			return fmt.Errorf("app directory: %w", err)
		}
		entries, err := os.ReadDir(cfg.AppDir)
		if err != nil {
			return fmt.Errorf("app directory: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				router.Handle(e.Name(), dir)
				devExtensions = append(devExtensions, e.Name())
			}
		}
	}

	sb, err := sandbox.New(cfg.SandboxURL,
		sandbox.WithLogger(logger),
		sandbox.WithTokenTTL(cfg.SurfaceTokenTTL),
	)
	if err != nil {
		return err
	}
	defer func() { _ = sb.Close() }()

	channelOrigin := cfg.ChannelOrigin
	if channelOrigin == "" {
		channelOrigin = sb.Origin()
	}

	var sessions hostshell.SessionService
	if cfg.AgentURL != "" {
		sessions = hostshell.NewAgentClient(cfg.AgentURL, cfg.AgentSecret, hostshell.WithAgentLogger(logger))
	}

	cache := resources.NewCache(be.store, cfg.CacheTTL)
	// Files may have changed while a shared cache outlived the process.
	for _, name := range devExtensions {
		if err := cache.InvalidateExtension(ctx, name); err != nil {
			logger.WarnContext(ctx, "bridge.cache.invalidate_fail", slog.String("extension", name), slog.String("err", err.Error()))
		}
	}
	api := hostapi.New(hostapi.Config{
		HostInfo: apps.ImplementationInfo{Name: cfg.HostName, Version: cfg.HostVersion},
		HostContext: apps.HostContext{
			Theme:       cfg.Theme,
			Locale:      cfg.Locale,
			DisplayMode: apps.DisplayModeInline,
			Platform:    cfg.Platform,
		},
		MinHeight:     cfg.MinHeight,
		RequestRate:   rate.Limit(cfg.RequestRate),
		RequestBurst:  cfg.RequestBurst,
		ChannelOrigin: channelOrigin,
		WorkingDir:    cfg.AgentWorkingDir,
		Realm:         cfg.AuthRealm,
	}, hostapi.Deps{
		Apps:      catalog{mgr: mgr, dir: dir},
		Fetcher:   router,
		Cache:     cache,
		Factory:   sb,
		Tools:     mgr,
		Resources: mgr,
		Events:    hostevents.New(be.broker, hostevents.WithLogger(logger)),
		Sessions:  sessions,
		Auth:      authn,
	}, hostapi.WithLogger(logger), hostapi.WithMetrics(m))

	if dir != nil {
		go func() {
			err := dir.Watch(ctx, func(extensionName, uri string) {
				if err := cache.Invalidate(ctx, extensionName, uri); err != nil {
					logger.WarnContext(ctx, "bridge.cache.invalidate_fail", slog.String("err", err.Error()))
				}
				api.RefreshApp(ctx, extensionName, uri)
			})
			if err != nil {
				logger.WarnContext(ctx, "bridge.watch.fail", slog.String("err", err.Error()))
			}
		}()
	}

	hostMux := http.NewServeMux()
	hostMux.Handle("GET /metrics", metrics.Handler(reg))
	hostMux.Handle("/", api)

	servers := []*http.Server{
		{Addr: cfg.HostAddr, Handler: hostMux, ReadHeaderTimeout: 10 * time.Second},
		{Addr: cfg.SandboxAddr, Handler: sb, ReadHeaderTimeout: 10 * time.Second},
	}
	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			logger.InfoContext(ctx, "bridge.listen", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("bridge.shutdown")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("bridge.shutdown.fail", slog.String("addr", srv.Addr), slog.String("err", err.Error()))
		}
	}
	if err := api.Close(shutdownCtx); err != nil {
		logger.Warn("bridge.renders.close_fail", slog.String("err", err.Error()))
	}
	return runErr
}
