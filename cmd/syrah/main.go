// Command syrah runs the Syrah HTTP/HTTPS debugging proxy: it boots the
// certificate authority, wires the pipeline/session/breakpoint/event-bus
// stack, starts the §6 command-surface API and the event-bus WebSocket,
// and blocks until a shutdown signal arrives. Flags and the actionable-
// error/exit-code conventions are grounded in the teacher's cmd/langley
// entrypoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/syrahproxy/syrah/internal/api"
	"github.com/syrahproxy/syrah/internal/breakpoint"
	"github.com/syrahproxy/syrah/internal/ca"
	"github.com/syrahproxy/syrah/internal/config"
	"github.com/syrahproxy/syrah/internal/connhandler"
	"github.com/syrahproxy/syrah/internal/eventbus"
	"github.com/syrahproxy/syrah/internal/flow"
	"github.com/syrahproxy/syrah/internal/metrics"
	"github.com/syrahproxy/syrah/internal/pipeline"
	"github.com/syrahproxy/syrah/internal/proxy"
	"github.com/syrahproxy/syrah/internal/redact"
	"github.com/syrahproxy/syrah/internal/sched"
	"github.com/syrahproxy/syrah/internal/store"
	"github.com/syrahproxy/syrah/internal/throttle"
	"github.com/syrahproxy/syrah/internal/tracing"

	"github.com/redis/go-redis/v9"
)

// Exit codes, per §6.
const (
	exitClean         = 0
	exitBindFailure   = 1
	exitCAInitFailure = 2
	exitRuntimeFatal  = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config file")
	apiAddr := flag.String("api", "127.0.0.1:9091", "command-surface API listen address")
	autoStart := flag.Bool("auto-start", true, "start the proxy listener immediately instead of waiting for start_proxy")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		printError("failed to load configuration", err, "check the config file's YAML syntax, or delete it to regenerate defaults")
		return exitRuntimeFatal
	}

	configDir, err := config.ConfigDir()
	if err != nil {
		printError("failed to determine config directory", err, "set $HOME (or $APPDATA on Windows) and retry")
		return exitRuntimeFatal
	}
	if err := os.MkdirAll(configDir, 0700); err != nil {
		printError("failed to create config directory", err, fmt.Sprintf("check permissions on %s", configDir))
		return exitRuntimeFatal
	}

	certDir := cfg.Proxy.CADir
	if certDir == "" {
		certDir = filepath.Join(configDir, "certs")
	}
	if err := os.MkdirAll(certDir, 0700); err != nil {
		printError("failed to create certificate directory", err, fmt.Sprintf("check permissions on %s", certDir))
		return exitCAInitFailure
	}

	authority, err := ca.LoadOrCreate(filepath.Join(certDir, "ca-key.pem"), filepath.Join(certDir, "ca-cert.pem"))
	if err != nil {
		printError("failed to load or create the root certificate authority", err, "delete the certs directory to force regeneration")
		return exitCAInitFailure
	}
	logger.Info("certificate authority ready", "dir", certDir)

	redactor := redact.New(&cfg.Redaction)

	dbPath := cfg.Rules.DBPath
	if dbPath == "" {
		dbPath, err = config.DefaultRulesDBPath()
		if err != nil {
			printError("failed to determine the rule database path", err, "set rules.db_path in the config file")
			return exitRuntimeFatal
		}
	}
	dataStore, err := store.Open(dbPath)
	if err != nil {
		printError("failed to open the rule/HAR database", err, fmt.Sprintf("check permissions on %s", dbPath))
		return exitRuntimeFatal
	}
	defer dataStore.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := flow.NewSession("default", "default", cfg.Session.MaxFlows)

	if persisted, err := dataStore.LoadRules(ctx); err != nil {
		logger.Warn("failed to load persisted rules, starting with an empty rule set", "error", err)
	} else if len(persisted) > 0 {
		session.SetRules(persisted)
		logger.Info("loaded persisted rules", "count", len(persisted))
	}

	bus := eventbus.New(buildSecondaryPublisher(cfg.EventBus, logger))

	coordinator := breakpoint.New()
	coordinator.OnHit = func(hit breakpoint.HitEvent) {
		logger.Debug("breakpoint hit", "flow_id", hit.FlowID, "phase", hit.Phase)
	}

	metricsCollector := metrics.NewCollector(cfg.Metrics)

	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		logger.Warn("failed to build tracer, falling back to a no-op tracer", "error", err)
		tracer = tracing.Noop()
	}

	pl := pipeline.New(session, bus, coordinator, logger, pipeline.Config{
		MaxConnectionsPerKey: cfg.Proxy.MaxConnections,
		ConnectTimeout:       cfg.Proxy.ConnectTimeout(),
		ReadTimeout:          cfg.Proxy.ReadTimeout(),
		DecompressResponses:  cfg.Proxy.DecompressResponses,
		InitialThrottle:      defaultThrottleSettings(cfg.Throttle),
		Metrics:              metricsCollector,
		Tracer:               tracer,
	})

	certCache := ca.NewCache(authority, 1000, 0)
	proxyCtl := proxy.New(func(proxyCfg *config.ProxyConfig) *connhandler.Handler {
		return connhandler.New(proxyCfg, certCache, pl, logger, metricsCollector)
	}, logger, metricsCollector)

	scheduler := sched.New(sched.DefaultConfig(), certCache, bus, func() eventbus.StatusSnapshot {
		return proxyCtl.Status()
	}, metricsCollector, logger)
	if err := scheduler.Start(ctx); err != nil {
		printError("failed to start the background scheduler", err, "check the cert sweep/heartbeat cron schedules")
		return exitRuntimeFatal
	}
	defer scheduler.Stop()

	apiServer := api.NewServer(api.Deps{
		Config:      cfg,
		Authority:   authority,
		Session:     session,
		Breakpoints: coordinator,
		ProxyCtl:    proxyCtl,
		Throttle:    pl,
		Store:       dataStore,
		Redactor:    redactor,
		Bus:         bus,
		Logger:      logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/rpc/", apiServer.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/ws", eventbus.WSHandler(bus, cfg.Auth.Token))
	if cfg.Metrics.Enabled && metricsCollector != nil {
		mux.Handle("/metrics", metricsCollector.Handler())
	}

	apiSrv := &http.Server{Addr: *apiAddr, Handler: mux}
	apiErrCh := make(chan error, 1)
	go func() {
		logger.Info("API server starting", "addr", *apiAddr)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			apiErrCh <- err
		}
	}()

	if *autoStart {
		if err := proxyCtl.Start(proxy.StartOptions{
			Port:        cfg.Proxy.Port,
			BindAddress: cfg.Proxy.BindAddress,
			EnableSSL:   cfg.Proxy.EnableSSL,
			BypassHosts: cfg.Proxy.BypassHosts,
		}); err != nil {
			printError("failed to bind the proxy listener", err, fmt.Sprintf("another process may be using %s:%d; pick a different port with start_proxy", cfg.Proxy.BindAddress, cfg.Proxy.Port))
			return exitBindFailure
		}
		session.Transition(flow.SessionRunning)
		logger.Info("proxy listening", "addr", proxyCtl.Status().Address, "enable_ssl", cfg.Proxy.EnableSSL)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-apiErrCh:
		logger.Error("API server failed", "error", err)
		cancel()
		return exitRuntimeFatal
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if proxyCtl.IsRunning() {
		coordinator.AbortAll()
		if err := proxyCtl.Stop(shutdownCtx); err != nil {
			logger.Error("error stopping proxy listener", "error", err)
		}
	}
	apiSrv.Shutdown(shutdownCtx)

	return exitClean
}

// buildSecondaryPublisher wires the optional Redis mirror transport when
// configured; most runs leave event_bus.redis_enabled false and rely on
// the in-process bus alone.
func buildSecondaryPublisher(cfg config.EventBusConfig, logger *slog.Logger) eventbus.Publisher {
	if !cfg.RedisEnabled {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return eventbus.NewRedisPublisher(client, cfg.ChannelPrefix, logger)
}

// defaultThrottleSettings resolves the configured throttle profile
// (a named preset, or explicit custom values) into the shaper settings the
// pipeline seeds itself with at startup.
func defaultThrottleSettings(cfg config.ThrottleConfig) throttle.Settings {
	if cfg.Preset != "" {
		if preset, ok := throttle.Presets[throttle.Preset(cfg.Preset)]; ok {
			return preset
		}
	}
	return throttle.Settings{
		DownloadBps: cfg.DownloadBps,
		UploadBps:   cfg.UploadBps,
		LatencyMs:   int64(cfg.LatencyMs),
		LossPct:     cfg.LossPercent,
	}
}

// printError prints an actionable error (what failed, the underlying
// cause, and a concrete fix) to stderr, grounded in the teacher's
// cmd/langley/errors.go ActionableError shape.
func printError(what string, cause error, fix string) {
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Error:", what)
	fmt.Fprintln(os.Stderr, "Cause:", cause)
	fmt.Fprintln(os.Stderr, "Fix:  ", fix)
	fmt.Fprintln(os.Stderr)
}
