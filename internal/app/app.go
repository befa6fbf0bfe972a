package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tradewatch/internal/config"
	"tradewatch/internal/jobs"
	"tradewatch/internal/metrics"
	"tradewatch/internal/monitor"
	"tradewatch/internal/notify"
	"tradewatch/internal/quote"
	"tradewatch/internal/rules"
	"tradewatch/internal/scheduler"
	"tradewatch/internal/storage"
	"tradewatch/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (storage.Backend, error) {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", a.Config.Database.Driver, err)
	}
	if a.Config.Database.Driver == "memory" {
		a.Logger.Warn().Msg("database.driver is memory; monitor state is lost on exit")
	}
	return store, nil
}

// newQuotes assembles broker quotes, the on-chain source and the cache.
func (a *App) newQuotes() (quote.Client, func(), error) {
	cfg := a.Config.Quotes
	broker := quote.NewHTTPClient(quote.HTTPOptions{
		BaseURL:   cfg.BaseURL,
		Token:     cfg.Token,
		Timeout:   cfg.RequestTimeout,
		UserAgent: cfg.UserAgent,
	}, a.Logger)

	var client quote.Client = broker
	if cfg.Chain.RPCURL != "" {
		chain := quote.NewChain(quote.ChainOptions{
			RPCURL:  cfg.Chain.RPCURL,
			Timeout: cfg.Chain.RequestTimeout,
		}, a.Logger)
		client = quote.NewComposite(broker).Route(quote.ChainPrefix, chain)
	}

	closer := func() {}
	switch cfg.Cache.Backend {
	case "", "none":
		return client, closer, nil
	case "memory":
		return quote.NewCached(client, quote.NewMemoryCache(cfg.Cache.TTL), a.Logger), closer, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.Config.Redis.Addr,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
		})
		closer = func() {
			if err := rdb.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close redis client")
			}
		}
		return quote.NewCached(client, quote.NewRedisCache(rdb, cfg.Cache.TTL), a.Logger), closer, nil
	default:
		return nil, nil, fmt.Errorf("unknown quote cache backend %q", cfg.Cache.Backend)
	}
}

func (a *App) newSenders() ([]notify.Sender, error) {
	cfg := a.Config.Notify
	var senders []notify.Sender

	if cfg.Telegram.Enabled {
		senders = append(senders, notify.NewTelegramSender(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, cfg.SendTimeout, a.Logger))
	}
	if cfg.Webhook.Enabled {
		senders = append(senders, notify.NewWebhookSender(cfg.Webhook.URL, cfg.Webhook.Secret, cfg.SendTimeout))
	}
	if cfg.Slack.Enabled {
		senders = append(senders, notify.NewSlackSender(cfg.Slack.WebhookURL, cfg.Slack.Channel))
	}
	if cfg.Shoutrrr.Enabled {
		sender, err := notify.NewShoutrrrSender(cfg.Shoutrrr.URLs...)
		if err != nil {
			return nil, fmt.Errorf("configure shoutrrr: %w", err)
		}
		senders = append(senders, sender)
	}
	if cfg.Log.Enabled {
		senders = append(senders, notify.NewLogSender(a.Logger))
	}
	return senders, nil
}

func (a *App) newRouter(recorder notify.DeliveryRecorder, m *metrics.Metrics) (*notify.Router, error) {
	senders, err := a.newSenders()
	if err != nil {
		return nil, err
	}
	cfg := a.Config.Notify
	router := notify.NewRouter(notify.Options{
		DedupWindow: cfg.DedupWindow,
		RateLimit: notify.RateLimitOptions{
			Window:       cfg.RateWindow,
			GlobalCap:    cfg.GlobalCap,
			DefaultCap:   cfg.DefaultCap,
			CategoryCaps: cfg.CategoryCaps,
		},
		SendTimeout: cfg.SendTimeout,
		Recorder:    recorder,
		Metrics:     m,
	}, a.Logger, senders...)

	if len(senders) == 0 {
		a.Logger.Warn().Msg("no notification channel enabled")
	}
	return router, nil
}

// monitorDefaults merges the global monitor section with the notify minimum severity.
func (a *App) monitorDefaults() (monitor.Settings, error) {
	cfg := a.Config.Monitor
	minSeverity, err := notify.ParseSeverity(a.Config.Notify.MinSeverity)
	if err != nil {
		return monitor.Settings{}, err
	}
	return monitor.Settings{
		Interval:         cfg.Interval,
		MinSeverity:      minSeverity,
		FetchTimeout:     cfg.FetchTimeout,
		PersistTimeout:   cfg.PersistTimeout,
		ShutdownGrace:    cfg.ShutdownGrace,
		CheckpointEvery:  cfg.CheckpointEvery,
		MaxObservations:  cfg.MaxObservations,
		MaxDedupEntries:  cfg.MaxDedupEntries,
		ConsumeOnFailure: cfg.ConsumeOnFailure,
	}, nil
}

// startMonitors resumes persisted monitors, then seeds configured ones that
// have never run.
func (a *App) startMonitors(ctx context.Context, manager *monitor.Manager) error {
	if _, err := manager.Resume(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("resume monitors")
	}

	now := time.Now()
	for _, mc := range a.Config.Monitors {
		initial := make([]rules.Rule, 0, len(mc.Rules))
		for _, rc := range mc.Rules {
			initial = append(initial, rc.Rule(mc.Key, now))
		}
		settings := monitor.Settings{Interval: mc.Interval, Account: mc.Account}
		if mc.MinSeverity != "" {
			sev, err := notify.ParseSeverity(mc.MinSeverity)
			if err != nil {
				return fmt.Errorf("monitor %s: %w", mc.Key, err)
			}
			settings.MinSeverity = sev
		}

		status, err := manager.Start(ctx, mc.Key, initial, settings)
		switch {
		case errors.Is(err, monitor.ErrAlreadyRunning):
			continue
		case err != nil:
			return fmt.Errorf("start monitor %s: %w", mc.Key, err)
		}
		a.Logger.Info().Str("monitor", mc.Key).Int("rules", status.RuleCount).Msg("monitor seeded")
	}
	return nil
}

// newScheduler registers every configured job; disabled ones are listed but never run.
func (a *App) newScheduler(store storage.Backend, q quote.Client, router *notify.Router, m *metrics.Metrics) (*scheduler.Scheduler, error) {
	sched := scheduler.New(scheduler.Options{
		CheckInterval: a.Config.Scheduler.CheckInterval,
		JobTimeout:    a.Config.Scheduler.JobTimeout,
		Location:      a.Config.Location(),
		LockKey:       a.Config.Scheduler.AdvisoryLockKey,
		Store:         store,
		Metrics:       m,
	}, a.Logger)

	registry := jobs.NewRegistry(jobs.Deps{
		Quotes:     q,
		Router:     router,
		Deliveries: store,
		Account:    a.defaultAccount(),
		Channels:   router.Channels(),
		Retention:  a.Config.Database.DeliveryRetention,
		Screen: quote.ScreenOptions{
			Concurrency: a.Config.Quotes.Screen.Concurrency,
			ChunkSize:   a.Config.Quotes.Screen.ChunkSize,
		},
	}, a.Logger)

	for _, jc := range a.Config.Jobs {
		def := jobDefinition(jc)
		fn, err := registry.Build(def)
		if err != nil {
			if def.Disabled {
				a.Logger.Warn().Err(err).Str("job", def.ID).Msg("disabled job not registered")
				continue
			}
			return nil, err
		}
		if err := sched.AddJob(def, fn); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

func (a *App) defaultAccount() string {
	for _, mc := range a.Config.Monitors {
		if mc.Account != "" {
			return mc.Account
		}
	}
	return ""
}

func jobDefinition(jc config.JobConfig) scheduler.Definition {
	return scheduler.Definition{
		ID:        jc.ID,
		Kind:      jc.Kind,
		TimeOfDay: jc.Time,
		Weekdays:  jc.Weekdays,
		Cron:      jc.Cron,
		Params:    jc.Params,
		Disabled:  !jc.IsEnabled(),
	}
}

func (a *App) serveMetrics(ctx context.Context, m *metrics.Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: a.Config.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.Logger.Info().Str("listen", srv.Addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	quotes, closeQuotes, err := a.newQuotes()
	if err != nil {
		return err
	}
	defer closeQuotes()

	m := metrics.New()
	router, err := a.newRouter(store, m)
	if err != nil {
		return err
	}

	defaults, err := a.monitorDefaults()
	if err != nil {
		return err
	}
	manager := monitor.NewManager(monitor.ManagerOptions{
		Quotes:       quotes,
		Router:       router,
		Store:        store,
		Metrics:      m,
		Defaults:     defaults,
		StartupDelay: a.Config.Monitor.StartupDelay,
		InboxSize:    a.Config.Monitor.InboxSize,
	}, a.Logger)

	sched, err := a.newScheduler(store, quotes, router, m)
	if err != nil {
		return err
	}
	if err := sched.RestoreHistory(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("restore job history")
	}

	if err := a.startMonitors(ctx, manager); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), a.Config.Monitor.ShutdownGrace)
		defer stopCancel()
		_ = manager.StopAll(stopCtx)
		return err
	}

	a.Logger.Info().
		Str("version", version.String()).
		Int("monitors", len(manager.List())).
		Int("jobs", len(sched.ListJobs())).
		Msg("starting monitoring service")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := sched.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if a.Config.Metrics.Listen != "" {
		g.Go(func() error { return a.serveMetrics(gctx, m) })
	}

	runErr := g.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), a.Config.Monitor.ShutdownGrace+5*time.Second)
	defer stopCancel()
	if err := manager.StopAll(stopCtx); err != nil {
		a.Logger.Error().Err(err).Msg("stop monitors")
	}

	if runErr != nil {
		a.Logger.Error().Err(runErr).Msg("service terminated with error")
		return runErr
	}
	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}
