package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/WizardOfCommits/wp-meta-updater/internal/config"
	"github.com/WizardOfCommits/wp-meta-updater/internal/metrics"
	"github.com/WizardOfCommits/wp-meta-updater/internal/publisher"
	"github.com/WizardOfCommits/wp-meta-updater/internal/scheduler"
	"github.com/WizardOfCommits/wp-meta-updater/internal/service"
	"github.com/WizardOfCommits/wp-meta-updater/internal/source/wordpress"
	"github.com/WizardOfCommits/wp-meta-updater/internal/storage/jsonfile"
	"github.com/WizardOfCommits/wp-meta-updater/internal/storage/mysql"
	"github.com/WizardOfCommits/wp-meta-updater/internal/storage/postgres"
	"github.com/WizardOfCommits/wp-meta-updater/internal/storage/redis"
	"github.com/WizardOfCommits/wp-meta-updater/internal/workingset"
)

var (
	_ scheduler.LockingRepository = (*jsonfile.ScheduleRepository)(nil)
	_ scheduler.LockingRepository = (*redis.ScheduleRepository)(nil)
)

// app builds the components a command needs from the configuration and
// closes whatever it opened.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	client   *wordpress.Client
	rabbitMQ *publisher.RabbitMQ
	redis    *goredis.Client
	history  *postgres.RunLogStore
	closers  []func() error
}

func newApp(opts *rootOptions) (*app, error) {
	logger := setupLogger("info")

	cfg, err := config.Load(opts.configPath)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("config file not found, using defaults and environment", "path", opts.configPath)
		cfg = config.Default()
		cfg.WordPress.SiteURL = os.Getenv("WP_SITE_URL")
		cfg.WordPress.Username = os.Getenv("WP_USERNAME")
		cfg.WordPress.Credential = os.Getenv("WP_CREDENTIAL")
	} else if err != nil {
		logger.Error("failed to load config", "error", err)
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		return nil, fmt.Errorf("validate config: %w", err)
	}

	level := cfg.LogLevel
	if opts.debug {
		level = "debug"
	}
	logger = setupLogger(level)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  metrics.New(registry),
	}, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("failed to close resource", "error", err)
		}
	}
	a.closers = nil
}

func (a *app) sessionPath() string {
	return filepath.Join(a.cfg.Paths.DataDir, workingset.SessionFileName)
}

func (a *app) wordpress() *wordpress.Client {
	if a.client != nil {
		return a.client
	}
	wp := a.cfg.WordPress
	a.client = wordpress.New(wordpress.Config{
		SiteURL:           wp.SiteURL,
		Username:          wp.Username,
		Credential:        wp.Credential,
		Timeout:           wp.Timeout,
		ListTimeout:       wp.ListTimeout,
		PerPage:           wp.PerPage,
		FetchWorkers:      wp.FetchWorkers,
		RequestsPerSecond: wp.RequestsPerSecond,
		MaxRetries:        wp.Retry.MaxRetries,
		InitialBackoff:    wp.Retry.InitialBackoff,
		Multiplier:        wp.Retry.Multiplier,
		MaxBackoff:        wp.Retry.MaxBackoff,
	}, a.logger)
	return a.client
}

// directWriter returns nil when no database is configured.
func (a *app) directWriter() (*mysql.Writer, error) {
	if !a.cfg.MySQL.Enabled() {
		return nil, nil
	}
	db, err := mysql.Open(a.cfg.MySQL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)

	store, err := mysql.NewContentStore(db, a.cfg.MySQL.TablePrefix)
	if err != nil {
		return nil, err
	}
	return mysql.NewWriter(store, mysql.NewTransactionManager(db), a.logger), nil
}

func (a *app) publisher() (*publisher.RabbitMQ, error) {
	if a.rabbitMQ != nil || !a.cfg.RabbitMQ.Enabled() {
		return a.rabbitMQ, nil
	}
	pub, err := publisher.NewRabbitMQ(a.cfg.RabbitMQ, a.logger)
	if err != nil {
		return nil, err
	}
	a.rabbitMQ = pub
	a.closers = append(a.closers, pub.Close)
	return pub, nil
}

func (a *app) redisClient() (*goredis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client, err := redis.NewClient(a.cfg.Redis)
	if err != nil {
		return nil, err
	}
	a.redis = client
	a.closers = append(a.closers, client.Close)
	return client, nil
}

// runHistory returns nil when no postgres database is configured.
func (a *app) runHistory() (*postgres.RunLogStore, error) {
	if a.history != nil || !a.cfg.Postgres.Enabled() {
		return a.history, nil
	}
	db, err := sqlx.Connect("postgres", a.cfg.Postgres.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	a.logger.Info("connected to database")
	a.history = postgres.NewRunLogStore(db)
	return a.history, nil
}

func (a *app) runLoggers() ([]service.RunLogger, error) {
	loggers := []service.RunLogger{jsonfile.NewRunLogWriter(a.cfg.Paths.LogsDir)}

	history, err := a.runHistory()
	if err != nil {
		return nil, err
	}
	if history != nil {
		loggers = append(loggers, history)
	}

	pub, err := a.publisher()
	if err != nil {
		return nil, err
	}
	if pub != nil {
		loggers = append(loggers, publisher.RunLogSink{Publisher: pub})
	}
	return loggers, nil
}

// locker shares the bulk lock through redis when the scheduler stores its
// jobs there, and through the data directory otherwise.
func (a *app) locker() (service.Locker, error) {
	if a.cfg.Scheduler.Store == "redis" {
		client, err := a.redisClient()
		if err != nil {
			return nil, err
		}
		return redis.NewLock(client, "", a.cfg.Scheduler.JobTimeout), nil
	}
	return jsonfile.NewDirLock(a.cfg.Paths.DataDir), nil
}

func (a *app) dispatcher() (*service.Dispatcher, error) {
	engines := []*service.BulkUpdater{
		service.NewBulkUpdater(a.wordpress(), a.cfg.Bulk.API, a.metrics, a.logger),
	}

	direct, err := a.directWriter()
	if err != nil {
		return nil, err
	}
	if direct != nil {
		engines = append(engines, service.NewBulkUpdater(direct, a.cfg.Bulk.Direct, a.metrics, a.logger))
	}

	locker, err := a.locker()
	if err != nil {
		return nil, err
	}
	loggers, err := a.runLoggers()
	if err != nil {
		return nil, err
	}
	return service.NewDispatcher(engines, locker, loggers, a.metrics, a.logger), nil
}

func (a *app) scheduleRepository() (scheduler.Repository, error) {
	if a.cfg.Scheduler.Store == "redis" {
		client, err := a.redisClient()
		if err != nil {
			return nil, err
		}
		return redis.NewScheduleRepository(client, a.cfg.Redis.Key), nil
	}
	return jsonfile.NewScheduleRepository(a.cfg.Paths.DataDir), nil
}

// scheduler builds a scheduler. executor may be nil for commands that only
// edit the queue.
func (a *app) scheduler(executor scheduler.Executor) (*scheduler.Scheduler, error) {
	repo, err := a.scheduleRepository()
	if err != nil {
		return nil, err
	}

	var notifier scheduler.Notifier
	pub, err := a.publisher()
	if err != nil {
		return nil, err
	}
	if pub != nil {
		notifier = pub
	}

	return scheduler.NewScheduler(
		repo,
		workingset.NewSessionStore(a.sessionPath()),
		executor,
		notifier,
		a.cfg.Scheduler,
		a.metrics,
		a.logger,
	), nil
}
