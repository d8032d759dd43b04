// Package service assembles the stores, dispatcher, workflow services and periodic workers
// into one application.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rebook/internal/api"
	"rebook/internal/bot"
	"rebook/internal/config"
	"rebook/internal/confirmation"
	"rebook/internal/database"
	"rebook/internal/dispatch"
	"rebook/internal/domain"
	"rebook/internal/events"
	"rebook/internal/lock"
	"rebook/internal/logging"
	"rebook/internal/provider"
	"rebook/internal/report"
	"rebook/internal/repository"
	"rebook/internal/waterfall"
	"rebook/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	WorkerConfirmationIssuer = "confirmation-issuer"
	WorkerAutoCancelSweep    = "auto-cancel-sweep"
	WorkerWaterfallAdvance   = "waterfall-advance"
	WorkerReminderSender     = "reminder-sender"
)

const (
	lockTTL      = 10 * time.Second
	lockWait     = 3 * time.Second
	auditTimeout = 5 * time.Second
)

// ErrWorkerBusy is returned when a pass of the same worker is already running.
var ErrWorkerBusy = errors.New("worker pass already in progress")

type Option func(*App)

// WithProvider replaces the configured message provider.
func WithProvider(p domain.MessageProvider) Option {
	return func(a *App) {
		a.provider = p
	}
}

// WithTelegramAPI sends messages through api and answers their buttons.
func WithTelegramAPI(tg bot.TelegramAPI) Option {
	return func(a *App) {
		a.telegram = tg
		a.provider = provider.NewTelegramProvider(tg, a.cfg.Provider.CostPerMessage)
	}
}

type App struct {
	cfg    *config.Config
	db     *database.DB
	redis  *redis.Client
	logger *zerolog.Logger

	provider      domain.MessageProvider
	telegram      bot.TelegramAPI
	limiter       domain.RateLimiter
	locker        domain.Locker
	bus           *events.EventBus
	dispatcher    *dispatch.Dispatcher
	confirmations *confirmation.Service
	waterfall     *waterfall.Service
	exporter      *report.Exporter

	issuer    *confirmation.Issuer
	sweeper   *confirmation.Sweeper
	reminders *confirmation.ReminderSender
	scheduler *worker.Scheduler
}

func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger, opts ...Option) (*App, error) {
	db, err := database.NewDB(cfg.Database.Path, logging.Component(logger, "database"))
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, db: db, logger: logger}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.initRedis(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if a.provider == nil {
		if a.provider, err = a.newProvider(); err != nil {
			a.Close()
			return nil, err
		}
	}
	a.limiter = a.newLimiter()
	a.locker = a.newLocker()

	a.bus = events.NewEventBus(logging.Component(logger, "events"))
	a.bus.Subscribe(events.AllEvents, events.NewAuditHandler(db, auditTimeout))

	a.dispatcher = dispatch.NewDispatcher(
		db, a.provider, dispatch.NewConsentPolicy(db), a.limiter, a.bus, cfg.Dispatch,
		logging.Component(logger, "dispatch"),
	)
	a.confirmations = confirmation.NewService(
		db, db, a.dispatcher, a.bus, cfg.Confirmation, cfg.App.PublicURL, cfg.App.Location(),
		logging.Component(logger, "confirmation"),
	)
	a.waterfall = waterfall.NewService(
		db, db, a.dispatcher, a.locker, a.bus, cfg.Waitlist, cfg.App.PublicURL, cfg.App.Location(),
		logging.Component(logger, "waterfall"),
	)
	a.exporter = report.NewExporter(db, cfg.Exports.Path, logging.Component(logger, "report"))

	workerLogger := logging.Component(logger, "worker")
	a.issuer = confirmation.NewIssuer(a.confirmations, workerLogger)
	a.sweeper = confirmation.NewSweeper(a.confirmations, a.waterfall, workerLogger)
	a.reminders = confirmation.NewReminderSender(a.confirmations, workerLogger)
	a.scheduler = worker.NewScheduler(cfg.Workers.RunTimeout, workerLogger)
	a.registerWorkers()

	return a, nil
}

func (a *App) initRedis(ctx context.Context) error {
	if !a.cfg.Redis.Enabled() {
		return nil
	}

	client := repository.NewRedisClient(a.cfg.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := repository.Ping(pingCtx, client); err != nil {
		_ = client.Close()
		if a.cfg.Dispatch.LimiterStore == config.LimiterStoreRedis {
			return err
		}
		a.logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		return nil
	}

	a.logger.Info().Str("addr", a.cfg.Redis.Address).Msg("redis connected")
	a.redis = client
	return nil
}

func (a *App) newProvider() (domain.MessageProvider, error) {
	cfg := a.cfg.Provider
	switch cfg.Type {
	case config.ProviderTelegram:
		tg, err := provider.NewTelegramBot(cfg.Telegram)
		if err != nil {
			return nil, fmt.Errorf("init telegram provider: %w", err)
		}
		a.telegram = tg
		return provider.NewTelegramProvider(tg, cfg.CostPerMessage), nil
	default:
		return provider.NewLogProvider(cfg.CostPerMessage, logging.Component(a.logger, "provider")), nil
	}
}

func (a *App) newLimiter() domain.RateLimiter {
	memory := repository.NewMemoryRateLimiter()
	if a.redis == nil {
		return memory
	}

	shared := repository.NewRedisRateLimiter(a.redis, "rebook:rate")
	if a.cfg.Dispatch.LimiterStore == config.LimiterStoreFailover {
		return repository.NewFailoverRateLimiter(shared, memory, logging.Component(a.logger, "rate-limiter"))
	}
	if a.cfg.Dispatch.LimiterStore == config.LimiterStoreRedis {
		return shared
	}
	return memory
}

func (a *App) newLocker() domain.Locker {
	if a.redis != nil {
		return lock.NewRedisLocker(a.redis, lockTTL, lockWait)
	}
	return lock.NewMemoryLocker()
}

func (a *App) registerWorkers() {
	w := a.cfg.Workers
	a.scheduler.Add(worker.Task{
		Name:     WorkerConfirmationIssuer,
		Interval: w.IssuerInterval,
		Run: func(ctx context.Context) (worker.Summary, error) {
			return a.issuer.Run(ctx)
		},
	})
	a.scheduler.Add(worker.Task{
		Name:     WorkerAutoCancelSweep,
		Interval: w.SweepInterval,
		Run: func(ctx context.Context) (worker.Summary, error) {
			return a.sweeper.Run(ctx)
		},
	})
	a.scheduler.Add(worker.Task{
		Name:     WorkerWaterfallAdvance,
		Interval: w.AdvanceInterval,
		Run: func(ctx context.Context) (worker.Summary, error) {
			return a.waterfall.Advance(ctx)
		},
	})
	a.scheduler.Add(worker.Task{
		Name:     WorkerReminderSender,
		Interval: w.ReminderInterval,
		Run: func(ctx context.Context) (worker.Summary, error) {
			return a.reminders.Run(ctx)
		},
	})
	if a.cfg.Backup.Enabled {
		a.scheduler.Add(worker.Task{
			Name:     WorkerDatabaseBackup,
			Interval: a.cfg.Backup.Interval,
			Run: func(ctx context.Context) (worker.Summary, error) {
				return a.RunBackup(ctx)
			},
		})
	}
}

// Workers lists worker names in registration order.
func (a *App) Workers() []string {
	return a.scheduler.Names()
}

// RunWorker performs one guarded pass of the named worker.
func (a *App) RunWorker(ctx context.Context, name string) (worker.Summary, error) {
	summary, ran, err := a.scheduler.RunNow(ctx, name)
	if err != nil {
		return summary, err
	}
	if !ran {
		return nil, fmt.Errorf("%s: %w", name, ErrWorkerBusy)
	}
	return summary, nil
}

func (a *App) RunConfirmationIssuer(ctx context.Context) (confirmation.IssueResult, error) {
	summary, err := a.RunWorker(ctx, WorkerConfirmationIssuer)
	result, _ := summary.(confirmation.IssueResult)
	return result, err
}

func (a *App) RunAutoCancelSweep(ctx context.Context) (confirmation.SweepResult, error) {
	summary, err := a.RunWorker(ctx, WorkerAutoCancelSweep)
	result, _ := summary.(confirmation.SweepResult)
	return result, err
}

func (a *App) RunWaterfallAdvance(ctx context.Context) (waterfall.AdvanceResult, error) {
	summary, err := a.RunWorker(ctx, WorkerWaterfallAdvance)
	result, _ := summary.(waterfall.AdvanceResult)
	return result, err
}

func (a *App) RunReminderSender(ctx context.Context) (confirmation.ReminderResult, error) {
	summary, err := a.RunWorker(ctx, WorkerReminderSender)
	result, _ := summary.(confirmation.ReminderResult)
	return result, err
}

// StartDispatcher recovers queued messages and starts sending.
func (a *App) StartDispatcher(ctx context.Context) error {
	return a.dispatcher.Start(ctx)
}

// StartWorkers starts every periodic worker.
func (a *App) StartWorkers(ctx context.Context) {
	a.scheduler.Start(ctx)
}

// Drain waits until queued messages are sent or given up.
func (a *App) Drain(ctx context.Context) error {
	return a.dispatcher.Drain(ctx)
}

// Wait blocks until workers and the dispatcher stop after ctx cancellation.
func (a *App) Wait() {
	a.scheduler.Wait()
	a.dispatcher.Wait()
}

func (a *App) HTTPServer() *api.HTTPServer {
	return api.NewHTTPServer(a.cfg.API, api.Deps{
		Confirmations: a.confirmations,
		Offers:        a.waterfall,
		Deliveries:    a.dispatcher,
		Checks:        a.healthChecks(),
	}, logging.Component(a.logger, "api"))
}

// TelegramBot returns nil unless messages go out through Telegram.
func (a *App) TelegramBot() *bot.Bot {
	if a.telegram == nil {
		return nil
	}
	return bot.New(a.telegram, a.confirmations, a.waterfall, logging.Component(a.logger, "bot"))
}

func (a *App) healthChecks() map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{
		"database": a.db.PingContext,
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return repository.Ping(ctx, a.redis)
		}
	}
	return checks
}

// ExportCosts writes the dispatch cost report for [from, to) and returns the file path.
func (a *App) ExportCosts(ctx context.Context, from, to time.Time) (string, error) {
	return a.exporter.ExportCosts(ctx, from, to)
}

func (a *App) Confirmations() *confirmation.Service {
	return a.confirmations
}

func (a *App) Waterfall() *waterfall.Service {
	return a.waterfall
}

func (a *App) DB() *database.DB {
	return a.db
}

func (a *App) Close() {
	if err := repository.Close(a.redis); err != nil {
		a.logger.Warn().Err(err).Msg("close redis")
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("close database")
	}
}
