package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"pdfbridge/internal/app"
	"pdfbridge/internal/bridge"
	"pdfbridge/internal/chrome"
	"pdfbridge/internal/config"
	"pdfbridge/internal/host"
	"pdfbridge/internal/ipc"
	"pdfbridge/internal/ipc/transport"
	"pdfbridge/internal/logging"
	"pdfbridge/internal/pdfcache"
	"pdfbridge/internal/postgres"
	"pdfbridge/internal/render"
	"pdfbridge/internal/store"
	"pdfbridge/internal/templates"
)

func main() {
	// A missing .env file is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg := config.Load()
	logging.InitLogger(
		cfg.Logger.File,
		cfg.Logger.MaxSizeMB,
		cfg.Logger.MaxBackups,
		cfg.Logger.MaxAgeDays,
		cfg.Logger.Compress,
		cfg.Logger.Level,
	)
	logging.SetLogLevel(cfg.Logger.Level)

	if err := chrome.ResolveBrowser(&cfg, cfg.PDF.DownloadBrowser); err != nil {
		logging.Warn("No Chrome binary resolved; renders will fail until one is installed", "error", err)
	}

	bus, err := transport.Open(cfg)
	if err != nil {
		logging.Error("Failed to open bridge transport", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	ctx := context.Background()
	st, err := store.New(ctx, cfg)
	if err != nil {
		logging.Error("Failed to open artifact store", "error", err)
		os.Exit(1)
	}

	renderer := render.NewChrome(cfg)
	defer renderer.Close()

	var cache host.Cache
	if cfg.Cache.PDFCacheEnabled && cfg.Cache.RedisHost != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr: cfg.Cache.RedisHost,
			DB:   cfg.Cache.PDFCacheDB,
		})
		defer rdb.Close()
		cache = pdfcache.New(rdb, cfg.Cache.PDFCacheTTL)
	}

	var ledger host.Recorder
	if cfg.Auth.RecordExports {
		if l, err := openLedger(ctx, cfg.Auth.Postgres); err != nil {
			logging.Error("Export ledger unavailable", "error", err)
		} else {
			ledger = l
		}
	}
	defer postgres.Close()

	idleConnsClosed := make(chan struct{})
	if cfg.Auth.Enabled {
		if err := postgres.LoadTokens(cfg.Auth.Postgres); err != nil {
			logging.Error("Failed to load API tokens", "error", err)
		}
		go postgres.RefreshTokensPeriodically(cfg.Auth.Postgres, cfg.Auth.ReloadInterval, idleConnsClosed)
	}

	catalog, err := templates.Load(cfg.Templates.Catalog)
	if err != nil {
		logging.Error("Failed to load template catalog", "error", err)
		catalog, _ = templates.New(nil)
	}

	opts := host.Options{
		Renderer:     renderer,
		Print:        renderer.DefaultOptions(),
		Store:        st,
		Cache:        cache,
		Ledger:       ledger,
		Workers:      cfg.Bridge.Workers,
		MaxHTMLBytes: cfg.Limits.MaxHTMLBytes,
		MaxPDFBytes:  cfg.Limits.MaxPDFBytes,
	}
	if cfg.Bridge.Acks {
		opts.Acks = bus
	}
	stopHost, hostFailed := runHost(host.New(opts), bus)

	out := bridge.NewOutbox(bus)
	out.Start()

	server := app.SetupApp(cfg, app.Deps{
		Bridge:    bridge.New(out),
		Renderer:  renderer,
		Pools:     renderer,
		Cache:     cache,
		Templates: catalog,
	})

	failed := startServer(server, cfg, idleConnsClosed, hostFailed)
	<-idleConnsClosed

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := out.Close(drainCtx); err != nil {
		logging.Warn("Bridge outbox not fully drained", "pending", out.Pending(), "error", err)
	}
	stopHost()
	if failed {
		os.Exit(1)
	}
}

// runHost consumes download-pdf messages in the background. The returned
// func stops consuming and waits for in-flight exports. The channel receives
// the error if the host stops on its own.
func runHost(h *host.Host, sub ipc.Subscriber) (func(), <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	failed := make(chan error, 1)
	go func() {
		defer close(done)
		if err := h.Run(ctx, sub); err != nil {
			logging.Error("Host stopped", "error", err)
			failed <- err
		}
	}()
	return func() {
		cancel()
		<-done
	}, failed
}

func openLedger(ctx context.Context, cfg config.PostgresConfig) (*postgres.Ledger, error) {
	db, err := postgres.Open(cfg)
	if err != nil {
		return nil, err
	}
	l := postgres.NewLedger(db)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := l.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// startServer starts the Fiber app and waits for a shutdown signal or a
// host failure. It reports whether the host failed.
func startServer(app *fiber.App, cfg config.Config, idleConnsClosed chan struct{}, hostFailed <-chan error) bool {
	go func() {
		if err := app.Listen(cfg.Server.Host + cfg.Server.Port); err != nil {
			logging.Error("Server error", "error", err)
		}
	}()

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigint)

	failed := false
	select {
	case <-sigint:
		logging.Warn("Shutdown signal received, closing server...")
	case err := <-hostFailed:
		failed = true
		logging.Error("Host stopped consuming PDF requests, closing server...", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logging.Error("Server forced to shutdown", "error", err)
	}

	close(idleConnsClosed)
	logging.Info("Server stopped cleanly")
	return failed
}
