// Command lumi is the main entry point for the Lumi journaling companion
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lumi-journal/lumi/internal/api"
	"github.com/lumi-journal/lumi/internal/app"
	"github.com/lumi-journal/lumi/internal/config"
	"github.com/lumi-journal/lumi/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "optional dotenv file loaded before the config is expanded")
	issueFor := flag.String("issue-token", "", "print a bearer token for this user id and exit")
	tokenTTL := flag.Duration("token-ttl", 30*24*time.Hour, "lifetime of tokens printed by -issue-token")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "lumi: load %s: %v\n", *envPath, err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ── Configuration (with hot reload) ──────────────────────────────────────
	var live atomic.Pointer[app.App]
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config, d config.ConfigDiff) {
		if a := live.Load(); a != nil {
			a.ApplyConfig(next, d)
		}
	}, config.WithWatcherLogger(logger))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lumi: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lumi: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()
	level.Set(app.SlogLevel(cfg.Server.LogLevel))

	auth := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
	if *issueFor != "" {
		token, err := auth.Issue(*issueFor, *tokenTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "lumi: %v\n", err)
			return 1
		}
		fmt.Println(token)
		return 0
	}

	slog.Info("lumi starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, telemetryConfig(cfg.Telemetry))
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers and stores ──────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	stores, closers, err := openStores(ctx, cfg.Storage)
	if err != nil {
		slog.Error("failed to open storage", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	opts := []app.Option{app.WithLogger(logger), app.WithLevelVar(level)}
	for _, c := range closers {
		opts = append(opts, app.WithCloser(c))
	}
	application, err := app.New(cfg, providers, stores, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		for _, c := range closers {
			_ = c()
		}
		return 1
	}
	live.Store(application)

	// ── HTTP server ───────────────────────────────────────────────────────────
	server := api.New(application, auth,
		api.WithLogger(logger),
		api.WithMetricsHandler(promhttp.Handler()),
		api.WithOriginPatterns(cfg.Server.AllowedOrigins...),
	)
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server ready, press Ctrl+C to shut down", "addr", srv.Addr, "tls", cfg.Server.TLS != nil)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		// Conversations hold hijacked connections that Shutdown does not
		// wait for, so close them first.
		appErr := application.Shutdown(shutdownCtx)
		return errors.Join(appErr, srv.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Lumi startup summary         ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	fmt.Printf("║  Fallbacks       : %-19d ║\n",
		len(cfg.Providers.LLMFallbacks)+len(cfg.Providers.STTFallbacks)+len(cfg.Providers.TTSFallbacks))
	fmt.Printf("║  Storage         : %-19s ║\n", cfg.Storage.Backend)
	if cfg.Storage.RedisURL != "" {
		fmt.Printf("║  Greeting KV     : %-19s ║\n", "redis")
	}
	fmt.Printf("║  Timezone        : %-19s ║\n", cfg.Greeting.Timezone)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// telemetryConfig maps the telemetry section onto the observe provider.
func telemetryConfig(tc config.TelemetryConfig) observe.ProviderConfig {
	pc := observe.ProviderConfig{
		ServiceVersion: version,
		Environment:    tc.Environment,
		SampleRatio:    1,
		SlowTurn:       tc.SlowTurn,
	}
	if tc.SampleRatio != nil {
		pc.SampleRatio = *tc.SampleRatio
	}
	return pc
}
