package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"carminepf/internal/acquire"
	"carminepf/internal/acquire/htmlpage"
	"carminepf/internal/api"
	"carminepf/internal/bot"
	"carminepf/internal/config"
	"carminepf/internal/fetcher"
	"carminepf/internal/metrics"
	"carminepf/internal/model"
	"carminepf/internal/offers"
	"carminepf/internal/pipeline"
	"carminepf/internal/profit"
	"carminepf/internal/queue"
	"carminepf/internal/ratelimit"
	"carminepf/internal/scheduler"
	"carminepf/internal/storage"
)

const (
	httpTimeout     = 30 * time.Second
	reportTimeout   = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()
	httpClient := &http.Client{Timeout: httpTimeout}

	enricher := offers.NewClient(httpClient, offers.Options{
		BaseURL:  cfg.KeepaBaseURL,
		FixedFee: cfg.FixedFee,
		Limiter:  ratelimit.New(cfg.KeepaRequestsPerMinute),
		Logger:   log.With("component", "offers"),
	})

	// Bound to the bot once it exists; the bot itself needs the scheduler.
	notify := &notifier{}
	pipe := pipeline.New(store, fetcher.New(httpClient), enricher, profit.NewEstimator(cfg.TaxRate),
		log.With("component", "pipeline"),
		pipeline.WithMetrics(m),
		pipeline.WithAPIKey(cfg.KeepaAPIKey),
		pipeline.WithNotifier(notify),
	)

	sched := scheduler.New(pipe, store, m, log.With("component", "scheduler"))
	sched.SetTickInterval(cfg.TickInterval)

	q := queue.New(store, cfg.QueueBatch, m, log.With("component", "queue"))

	var history *acquire.History
	if cfg.DriverURL != "" {
		history = acquire.NewHistory(log.With("component", "history"))
	}
	var wg sync.WaitGroup

	var b *bot.Bot
	if cfg.TelegramBotToken != "" {
		var attempts bot.Attempts
		if history != nil {
			attempts = history
		}
		b, err = bot.New(cfg.TelegramBotToken, sched, store, attempts, cfg, log.With("component", "bot"))
		if err != nil {
			log.Error("create bot", "error", err)
			os.Exit(1)
		}
		notify.set(b)
	}

	if history != nil {
		channel := acquire.NewChannelReporter(reportTimeout)
		wg.Go(func() { history.Serve(ctx, channel.Requests()) })

		var reporter acquire.Reporter = channel
		if b != nil {
			reporter = acquire.Tee(channel, b)
		}
		automaton := acquire.NewAutomaton(acquire.DefaultTimeouts, reporter, m, log.With("component", "acquire"))
		driver := htmlpage.NewDriver(httpClient, cfg.DriverURL, log.With("component", "driver"))
		dispatcher := acquire.NewDispatcher(q, driver, store, automaton, cfg.AcquireConcurrency, log.With("component", "dispatcher"))

		wg.Go(func() { acquireLoop(ctx, dispatcher, cfg.AcquireInterval, cfg.QueueBatch, log) })
	}

	var attempts api.Attempts
	if history != nil {
		attempts = history
	}
	handler := api.NewHandler(sched, q, store, attempts, m, cfg.KeepaAPIKey, log.With("component", "api"))
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg.Go(func() {
		log.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "error", err)
			cancel()
		}
	})

	if mc, err := store.GetConfig(ctx); err == nil && mc.IsActive {
		if err := sched.Start(ctx); err != nil {
			log.Error("resume monitoring", "error", err)
		} else {
			log.Info("resumed monitoring")
		}
	}

	log.Info("starting watcher")

	if b != nil {
		wg.Go(func() { b.Run(ctx) })
	}

	<-ctx.Done()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		log.Error("scheduler shutdown", "error", err)
	}
	wg.Wait()

	log.Info("watcher stopped")
}

func acquireLoop(ctx context.Context, d *acquire.Dispatcher, interval time.Duration, batch int, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			outs, err := d.Drain(ctx, batch)
			if err != nil {
				log.Error("drain queue", "error", err)
				continue
			}
			if len(outs) > 0 {
				log.Info("acquisition batch done", "attempts", len(outs))
			}
		}
	}
}

type notifier struct {
	mu     sync.RWMutex
	target pipeline.Notifier
}

func (n *notifier) set(t pipeline.Notifier) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.target = t
}

func (n *notifier) NotifyCandidates(ctx context.Context, items []model.Item) error {
	n.mu.RLock()
	t := n.target
	n.mu.RUnlock()
	if t == nil {
		return nil
	}
	return t.NotifyCandidates(ctx, items)
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
