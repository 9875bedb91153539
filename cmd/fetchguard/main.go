// Command fetchguard runs the guarded URL-fetch proxy.
//
//	fetchguard                           serve (CONFIG=path.yaml optional)
//	fetchguard hash-key [key]            print a bcrypt hash for api_key_hashes
//	fetchguard maintenance on|off [msg]  toggle drain mode in the database
package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/fetchguard/dbopen"
	"github.com/hazyhaar/fetchguard/fetchguard"
	"github.com/hazyhaar/fetchguard/idgen"
	"github.com/hazyhaar/fetchguard/mcpquic"
	"github.com/hazyhaar/fetchguard/observability"
	"github.com/hazyhaar/fetchguard/proxy"
	"github.com/hazyhaar/fetchguard/shield"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	if len(os.Args) > 1 {
		if err := runCommand(cfg, os.Args[1], os.Args[2:]); err != nil {
			slog.Error(os.Args[1], "error", err)
			os.Exit(1)
		}
		return
	}

	if err := serve(cfg, logger); err != nil {
		slog.Error("fetchguard stopped", "error", err)
		os.Exit(1)
	}
}

func loadConfig() (*proxy.Config, error) {
	cfg := proxy.DefaultConfig()
	if path := env("CONFIG", ""); path != "" {
		loaded, err := proxy.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	return cfg, cfg.ApplyEnv(os.Getenv)
}

func openDB(cfg *proxy.Config) (*sql.DB, error) {
	return dbopen.Open(cfg.DBPath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(observability.Schema),
		dbopen.WithSchema(shield.Schema),
	)
}

func serve(cfg *proxy.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	// Fetch log.
	fetchLog := observability.NewFetchLog(db, observability.WithLogger(logger))
	defer fetchLog.Close()

	// Shield: drain mode and rate limits, both reloaded from the database.
	mm := shield.NewMaintenanceMode(db, "/health")
	mm.Reload(ctx)
	rl := shield.NewRateLimiter(db, "/health")
	if cfg.RateLimit.MaxRequests > 0 && cfg.RateLimit.WindowSeconds > 0 {
		if err := rl.SeedRule(ctx, shield.RateLimitRule{
			Endpoint:      shield.DefaultEndpoint,
			MaxRequests:   cfg.RateLimit.MaxRequests,
			WindowSeconds: cfg.RateLimit.WindowSeconds,
			Enabled:       true,
		}); err != nil {
			return fmt.Errorf("seed rate limit: %w", err)
		}
	}
	rl.Reload(ctx)

	// Deferred after the closes above so it runs before them.
	stopBackground := startBackground(ctx, cfg, fetchLog, mm, rl)
	defer stopBackground()

	auth, err := shield.NewKeyAuth(cfg.APIKeyHashes)
	if err != nil {
		return fmt.Errorf("api keys: %w", err)
	}
	if !auth.Enabled() {
		slog.Warn("no api_key_hashes configured; admin routes are open")
	}

	fetcher, err := fetchguard.NewFetcher(cfg.Fetch, fetchguard.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("fetcher: %w", err)
	}
	handler := proxy.New(fetcher, proxy.WithFetchLog(fetchLog), proxy.WithKeyAuth(auth))

	// Optional MCP over QUIC.
	if cfg.MCPQUIC.Listen != "" {
		if err := startQUIC(ctx, cfg.MCPQUIC, handler, logger); err != nil {
			return fmt.Errorf("mcp quic: %w", err)
		}
	}

	// Router.
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(shield.DefaultStack(mm, rl)...)
	handler.Routes(r)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      max(60*time.Second, cfg.Fetch.RequestTimeout()+10*time.Second),
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", cfg.Listen, "max_concurrent_fetches", cfg.Fetch.MaxConcurrentFetches)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	if n := fetchLog.Dropped(); n > 0 {
		slog.Warn("fetch log entries dropped", "count", n)
	}
	slog.Info("server stopped")
	return nil
}

func startQUIC(ctx context.Context, qc proxy.QUICConfig, handler *proxy.Handler, logger *slog.Logger) error {
	var (
		tlsCfg *tls.Config
		err    error
	)
	if qc.CertFile != "" {
		tlsCfg, err = mcpquic.ServerTLSConfig(qc.CertFile, qc.KeyFile)
	} else {
		slog.Warn("mcp quic: no certificate configured, using a self-signed one")
		tlsCfg, err = mcpquic.SelfSignedTLSConfig("localhost", "127.0.0.1", "::1")
	}
	if err != nil {
		return err
	}

	ln, err := mcpquic.NewListener(qc.Listen, tlsCfg, handler.MCPServer(), logger)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go func() {
		slog.Info("mcp quic starting", "addr", ln.Addr().String())
		if err := ln.Serve(ctx); err != nil && ctx.Err() == nil {
			slog.Error("mcp quic", "error", err)
		}
	}()
	return nil
}

// retentionInterval is how often expired fetch log rows are purged.
var retentionInterval = time.Hour

// startBackground runs the database-backed loops: fetch log retention and the
// shield reloaders. The returned stop cancels them and waits for retention to
// return, so it must be called before the database is closed.
func startBackground(ctx context.Context, cfg *proxy.Config, fetchLog *observability.FetchLog, mm *shield.MaintenanceMode, rl *shield.RateLimiter) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if cfg.LogRetentionDays > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fetchLog.RunRetention(ctx, retentionInterval, time.Duration(cfg.LogRetentionDays)*24*time.Hour)
		}()
	}
	if mm != nil {
		mm.StartReloader(ctx)
	}
	if rl != nil {
		rl.StartReloader(ctx)
	}
	return func() {
		cancel()
		wg.Wait()
	}
}

// runCommand handles the operator subcommands.
func runCommand(cfg *proxy.Config, name string, args []string) error {
	switch name {
	case "hash-key":
		key := ""
		if len(args) > 0 {
			key = args[0]
		} else {
			key = idgen.Token(32)()
			fmt.Println("key:", key)
		}
		hash, err := shield.HashKey(key)
		if err != nil {
			return err
		}
		fmt.Println("hash:", hash)
		return nil

	case "maintenance":
		if len(args) == 0 || (args[0] != "on" && args[0] != "off") {
			return fmt.Errorf("usage: fetchguard maintenance on|off [message]")
		}
		db, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		mm := shield.NewMaintenanceMode(db)
		if err := mm.Set(context.Background(), args[0] == "on", strings.Join(args[1:], " ")); err != nil {
			return err
		}
		slog.Info("maintenance mode updated", "active", args[0] == "on")
		return nil
	}
	return fmt.Errorf("unknown command %q", name)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
