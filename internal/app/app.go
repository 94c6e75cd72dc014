// Package app wires the escrow engine, its adapters and background workers from escrow.yml.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tradeescrow/internal/config"
	"tradeescrow/internal/db"
	"tradeescrow/internal/engine"
	"tradeescrow/internal/gateway"
	"tradeescrow/internal/migrate"
	"tradeescrow/internal/notify"
	"tradeescrow/internal/outbox"
	"tradeescrow/internal/scheduler"
)

type Options struct {
	Workspace string
	// ConfigPath overrides the workspace escrow.yml.
	ConfigPath string
	// Config, when set, is used as is.
	Config  *config.Config
	Gateway gateway.Gateway
	Logger  *zap.Logger
}

// App holds an opened workspace. Close releases the database and any broker connections.
type App struct {
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Scheduler scheduler.Scheduler
	Outbox    *outbox.Dispatcher
	Logger    *zap.Logger

	closers []func() error
}

// LoadConfig resolves the config for opts: explicit config, then ConfigPath, then the
// workspace file, then defaults.
func LoadConfig(opts Options) (*config.Config, error) {
	switch {
	case opts.Config != nil:
		return opts.Config, opts.Config.Validate()
	case opts.ConfigPath != "":
		return config.FromFile(opts.ConfigPath)
	default:
		return config.LoadOptional(opts.Workspace)
	}
}

func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &App{Config: cfg, DB: conn, Logger: logger, closers: []func() error{conn.Close}}
	if err := migrate.Migrate(conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	notifier, closers, err := BuildNotifier(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(closers, a.closers...)

	gw := opts.Gateway
	if gw == nil {
		gw = gateway.NewSandbox()
	}
	a.Engine = engine.New(conn, cfg, gw, notifier, logger)

	locker, lockCloser := BuildLocker(ctx, cfg, logger)
	if lockCloser != nil {
		a.closers = append([]func() error{lockCloser}, a.closers...)
	}
	a.Scheduler = scheduler.Scheduler{
		Releaser:   a.Engine,
		Locker:     locker,
		Interval:   cfg.AutoRelease.Interval,
		LockTTL:    cfg.AutoRelease.LockTTL,
		BatchLimit: cfg.AutoRelease.BatchLimit,
		Logger:     logger.Named("scheduler"),
	}
	a.Outbox = outbox.New(a.Engine.Repo, cfg, logger.Named("outbox"))
	return a, nil
}

// BuildNotifier fans out to every configured channel. The returned closers shut down broker
// connections.
func BuildNotifier(cfg *config.Config, logger *zap.Logger) (notify.Notifier, []func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		targets notify.Multi
		closers []func() error
	)
	if cfg.Notifications.Log {
		targets = append(targets, notify.Log{Logger: logger.Named("notify")})
	}
	for _, wh := range cfg.Notifications.Webhooks {
		targets = append(targets, notify.NewWebhook(wh.URL, wh.Secret))
	}
	if brokers := cfg.Notifications.Kafka.Brokers; len(brokers) > 0 {
		producer, err := notify.NewKafkaProducer(brokers)
		if err != nil {
			return nil, nil, err
		}
		k := notify.Kafka{Producer: producer, Topic: cfg.Notifications.Kafka.Topic}
		targets = append(targets, k)
		closers = append(closers, k.Close)
	}
	switch len(targets) {
	case 0:
		return notify.Nop{}, closers, nil
	case 1:
		return targets[0], closers, nil
	}
	return targets, closers, nil
}

// BuildLocker returns a Redis lock when redis.addr is configured, otherwise a no-op lock for
// single-instance deployments.
func BuildLocker(ctx context.Context, cfg *config.Config, logger *zap.Logger) (scheduler.Locker, func() error) {
	if cfg.Redis.Addr == "" {
		return scheduler.NoopLocker{}, nil
	}
	locker, client := scheduler.NewRedisLocker(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable; sweeps will fail until it recovers",
			zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	return locker, client.Close
}

// RunWorkers runs the auto-release scheduler and the outbox dispatcher until ctx is done.
func (a *App) RunWorkers(ctx context.Context) {
	if a.Config.AutoRelease.Enabled {
		go func() {
			if err := a.Scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error("scheduler stopped", zap.Error(err))
			}
		}()
	}
	if len(a.Config.Outbox.Webhooks) > 0 {
		go func() {
			if err := a.Outbox.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error("outbox stopped", zap.Error(err))
			}
		}()
	}
}

func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
