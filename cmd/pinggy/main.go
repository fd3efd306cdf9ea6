package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"pinggy/internal/archiver"
	"pinggy/internal/bot"
	"pinggy/internal/config"
	"pinggy/internal/extractor"
	"pinggy/internal/fetcher"
	"pinggy/internal/metrics"
	"pinggy/internal/reconcile"
	"pinggy/internal/scheduler"
	"pinggy/internal/server"
	"pinggy/internal/storage"
	"pinggy/internal/subscription"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// A missing .env file is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("pinggy stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("pinggy stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DBDriver, cfg.DBPath, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	client := &http.Client{Timeout: cfg.FetchTimeout}
	retriever := fetcher.New(client)
	retriever.SetMaxItems(cfg.MaxItems)

	rec := reconcile.New(store, retriever, m, log)

	sched := scheduler.New(store, rec, m, log)
	sched.SetOverride(cfg.FetchIntervalOverride)
	sched.SetBootstrapWindow(cfg.BootstrapWindow)

	arch := archiver.New(store, m, log)
	arch.SetMaxAge(cfg.ArchiveAfter)

	svc := subscription.New(store, subscription.Deps{
		Retriever:  retriever,
		Discoverer: fetcher.NewDiscoverer(client),
		Extractor:  extractor.New(client),
		Reconciler: rec,
		Scheduler:  sched,
	}, log)
	svc.SetPageLimit(cfg.PageLimit)
	svc.SetDefaultInterval(cfg.DefaultFetchInterval)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.New(store, sched, reg, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var b *bot.Bot
	if cfg.BotEnabled() {
		b, err = bot.New(cfg.TelegramBotToken, store, svc, cfg, log)
		if err != nil {
			return err
		}
	} else {
		log.Info("telegram bot disabled, TELEGRAM_BOT_TOKEN not set")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		arch.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if b != nil {
		g.Go(func() error {
			b.Run(gctx)
			return nil
		})
	}

	log.Info("starting pinggy", "driver", cfg.DBDriver)
	return g.Wait()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
