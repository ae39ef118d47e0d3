// Package main runs the slot watcher: a Cloud Run style service that checks ticket
// availability for many subscribers and alerts them when slots open.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slotwatch/checker"
	"slotwatch/config"
	"slotwatch/dispatch"
	"slotwatch/email"
	"slotwatch/governor"
	"slotwatch/harvest"
	"slotwatch/history"
	"slotwatch/metrics"
	"slotwatch/notify"
	"slotwatch/pkg/slotwatch"
	"slotwatch/probe"
	"slotwatch/proxy"
	"slotwatch/server"
	"slotwatch/session"
	"slotwatch/sink"
	"slotwatch/storage"
	"slotwatch/telegram"
	"strconv"
	"strings"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// historyStore is satisfied by both the PostgreSQL and the in-memory history.
type historyStore interface {
	Record(ctx context.Context, entries []history.Entry) error
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// recorder is every metrics hook the components use.
type recorder interface {
	proxy.Recorder
	governor.Recorder
	session.Recorder
	notify.Recorder
	sink.Recorder
	dispatch.Recorder
}

func main() {
	configPath := flag.String("config", os.Getenv("SLOTWATCH_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Log, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	clock := slotwatch.SystemClock{}

	// Metrics
	var (
		rec        recorder = metrics.Nop{}
		metricsH   http.Handler
		registry   *prometheus.Registry
		promMetric *metrics.Metrics
	)
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promMetric = metrics.New(registry)
		rec = promMetric
		metricsH = promMetric.Handler()
	}

	// Storage
	store, closeStore, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Proxy pool
	pool := proxy.New(proxy.Config{
		Clock:        clock,
		Store:        store,
		Metrics:      rec,
		Logger:       logger,
		PreferredTag: cfg.Proxy.PreferredTag,
	})
	seeds, err := cfg.ProxyRecords(storage.ProxyID)
	if err != nil {
		return fmt.Errorf("%w: %w", slotwatch.ErrConfiguration, err)
	}
	if err := pool.Seed(ctx, seeds); err != nil {
		return fmt.Errorf("load proxy pool: %w", err)
	}
	if pool.Active() == 0 {
		logger.Warn("No active proxies; ticks will fail until one is added", "hint", "set proxy.seeds or SLOTWATCH_PROXY_LIST")
	}
	if promMetric != nil {
		promMetric.RegisterGauge(registry, "proxies_cooling", "Proxies currently in cooldown.", func() float64 {
			now := clock.Now()
			var n int
			for _, r := range pool.Snapshot() {
				if r.Active && r.CoolingAt(now) {
					n++
				}
			}
			return float64(n)
		})
		promMetric.RegisterGauge(registry, "proxies_active", "Active proxies in the pool.", func() float64 {
			return float64(pool.Active())
		})
	}

	// Egress: governor, cheap-path client and rotation
	gov := governor.New(governor.Config{
		Logger:        logger,
		Metrics:       rec,
		MaxConcurrent: cfg.Governor.MaxConcurrent,
		RPS:           cfg.Governor.RPS,
		Attempts:      cfg.Governor.Attempts,
		BaseDelay:     cfg.Governor.BaseDelay,
		MaxDelay:      cfg.Governor.MaxDelay,
		Timeout:       cfg.Governor.Timeout,
	})
	client, err := probe.New(probe.Config{Logger: logger, BaseURL: cfg.BaseURL, UserAgent: cfg.UserAgent})
	if err != nil {
		return fmt.Errorf("create probe client: %w", err)
	}
	egress := checker.NewEgress(checker.EgressConfig{
		Prober:   client,
		Pool:     pool,
		Governor: gov,
		Logger:   logger,
		Attempts: cfg.Dispatch.EgressAttempts,
	})

	// Session cache with the browser harvester behind it
	harvester := harvest.New(harvest.Config{
		Proxies:   pool,
		Logger:    logger,
		BaseURL:   cfg.BaseURL,
		ExecPath:  cfg.Harvest.ChromePath,
		UserAgent: cfg.UserAgent,
		APIWait:   cfg.Harvest.APIWait,
		Settle:    cfg.Harvest.Settle,
	})
	cache := session.New(session.Config{
		Validator:          egress,
		Harvester:          harvester,
		Store:              store,
		Metrics:            rec,
		Clock:              clock,
		Logger:             logger,
		MaxAge:             cfg.Session.MaxAge,
		HarvestTimeout:     cfg.Session.HarvestTimeout,
		ValidateTimeout:    cfg.Session.ValidateTimeout,
		HarvestsPerContext: cfg.Session.HarvestsPerContext,
	})
	if err := cache.Load(ctx); err != nil {
		logger.Warn("Failed to load persisted sessions, starting cold", "error", err)
	}

	chk := checker.New(checker.Config{
		Resolver:    cache,
		Prober:      egress,
		Clock:       clock,
		Logger:      logger,
		MaxParallel: cfg.Dispatch.ProbeParallel,
	})

	// Notification
	notifier := notify.New(notify.Config{
		Store:    notify.NewCacheStore(cfg.Notify.CacheBytes, cfg.Notify.StateTTL),
		Clock:    clock,
		Metrics:  rec,
		Logger:   logger,
		Cooldown: cfg.Notify.Cooldown,
	})
	router, err := newRouter(ctx, cfg, logger, rec)
	if err != nil {
		return err
	}

	// History
	hist, closeHistory, err := openHistory(ctx, cfg.History, logger)
	if err != nil {
		return err
	}
	defer closeHistory()

	disp := dispatch.New(dispatch.Config{
		Store:       store,
		Checker:     chk,
		Notifier:    notifier,
		Sink:        router,
		History:     hist,
		Pool:        pool,
		Metrics:     rec,
		Clock:       clock,
		Logger:      logger,
		DefaultSite: cfg.Site,
		BookingBase: cfg.BaseURL,
		MinInterval: cfg.Dispatch.MinInterval,
		BatchDates:  cfg.Dispatch.BatchDates,
		Concurrency: cfg.Dispatch.Concurrency,
	})
	if cfg.Dispatch.TickInterval > 0 {
		go disp.Run(ctx, cfg.Dispatch.TickInterval)
	}

	srv := server.New(&server.Config{
		Ticker:    disp,
		Proxies:   pool,
		Pruner:    hist,
		Metrics:   metricsH,
		Clock:     clock,
		Logger:    logger,
		Retention: cfg.History.Retention,
	})
	return srv.ListenAndServe(ctx, strconv.Itoa(cfg.Server.Port))
}

func openStore(ctx context.Context, cfg config.Storage, logger *slog.Logger) (*storage.Store, func(), error) {
	if cfg.Bucket == "" {
		path := cfg.LocalPath
		if path == "" {
			path = "./data"
			logger.Info("No storage bucket set, defaulting to local development mode", "storage_path", path)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		return storage.New(nil, "", path, logger), func() {}, nil
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize storage client: %w", err)
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}
	logger.Info("Using cloud storage", "bucket", cfg.Bucket)
	return storage.New(client, cfg.Bucket, "", logger), closeFn, nil
}

func openHistory(ctx context.Context, cfg config.History, logger *slog.Logger) (historyStore, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Info("No history database configured, keeping history in memory")
		return history.NewMemory(), func() {}, nil
	}
	pg, err := history.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

func newRouter(ctx context.Context, cfg *config.Config, logger *slog.Logger, rec sink.Recorder) (*sink.Router, error) {
	router := sink.NewRouter(logger, rec)

	if cfg.Telegram.Token != "" {
		b, err := telegram.NewBot(cfg.Telegram.Token)
		if err != nil {
			return nil, fmt.Errorf("initialize telegram bot: %w", err)
		}
		router.Register(slotwatch.ChannelTelegram, telegram.New(b, logger))
	} else {
		logger.Info("Telegram channel disabled (no token)")
	}

	var provider email.Provider
	switch cfg.Email.Provider {
	case "brevo":
		provider = email.NewBrevoProvider(cfg.Email.BrevoAPIKey, cfg.Email.FromAddress, cfg.Email.FromName, logger)
	case "gmail":
		svc, err := initGmailService(ctx, cfg.Email.GoogleCredentialsJSON)
		if err != nil {
			logger.Warn("Failed to initialize Gmail service, using mock email", "error", err)
			provider = email.NewMockProvider(logger)
		} else {
			provider = email.NewGmailProvider(svc, logger)
		}
	default:
		logger.Info("Mock email mode enabled")
		provider = email.NewMockProvider(logger)
	}
	router.Register(slotwatch.ChannelEmail, email.New(provider, logger, cfg.Email.SiteName))

	logger.Info("Notification channels ready", "channels", strings.Join(router.Kinds(), ","))
	return router, nil
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)), option.WithScopes(gmail.GmailSendScope))
	}

	// Application Default Credentials; the service account needs the gmail.send scope.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx, option.WithScopes(gmail.GmailSendScope))
	}

	return nil, errors.New("google credentials required when not running in Cloud Run")
}
