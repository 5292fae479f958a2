package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/WizardOfCommits/wp-meta-updater/internal/domain"
	"github.com/WizardOfCommits/wp-meta-updater/internal/metrics"
)

// Request describes one bulk run.
type Request struct {
	Kind    string
	Method  domain.Method
	Records []domain.ContentRecord
}

// Dispatcher routes bulk runs to the engine for their method and makes
// sure only one run executes at a time, in this process and, when a
// Locker is set, across processes sharing it.
type Dispatcher struct {
	engines map[domain.Method]*BulkUpdater
	locker  Locker
	logs    []RunLogger
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu sync.Mutex
}

func NewDispatcher(
	engines []*BulkUpdater,
	locker Locker,
	logs []RunLogger,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Dispatcher {
	byMethod := make(map[domain.Method]*BulkUpdater, len(engines))
	for _, e := range engines {
		if e != nil && e.Method() != "" {
			byMethod[e.Method()] = e
		}
	}
	return &Dispatcher{
		engines: byMethod,
		locker:  locker,
		logs:    logs,
		metrics: m,
		logger:  logger.With("component", "dispatcher"),
		now:     time.Now,
	}
}

// Execute runs req and persists one run log when stats are produced.
func (d *Dispatcher) Execute(ctx context.Context, req Request, progress ProgressFunc) (*domain.UpdateStats, error) {
	method := req.Method
	if method == "" {
		method = domain.MethodAPI
	}
	engine, ok := d.engines[method]
	if !ok {
		return nil, fmt.Errorf("method %q: %w", method, domain.ErrNotConfigured)
	}

	if !d.mu.TryLock() {
		return nil, domain.ErrBusy
	}
	defer d.mu.Unlock()

	if d.locker != nil {
		unlock, err := d.locker.TryLock()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrBusy, err)
		}
		defer func() {
			if err := unlock(); err != nil {
				d.logger.Warn("failed to release bulk lock", "error", err)
			}
		}()
	}

	done := d.metrics.RunStarted(method)
	started := d.now()
	stats, err := engine.Run(ctx, req.Records, progress)
	done()

	if stats != nil {
		d.saveLog(ctx, domain.RunLog{
			RunID:     uuid.NewString(),
			Timestamp: started.UTC(),
			Type:      req.Kind,
			Method:    method,
			Stats:     *stats,
			Errors:    stats.Errors,
			Duration:  d.now().Sub(started),
		})
	}
	return stats, err
}

// RunScheduled executes the records of a scheduled update.
func (d *Dispatcher) RunScheduled(ctx context.Context, method domain.Method, records []domain.ContentRecord) (*domain.UpdateStats, error) {
	return d.Execute(ctx, Request{Kind: domain.RunScheduled, Method: method, Records: records}, nil)
}

func (d *Dispatcher) saveLog(ctx context.Context, entry domain.RunLog) {
	logCtx := context.WithoutCancel(ctx)
	for _, l := range d.logs {
		if err := l.Save(logCtx, entry); err != nil {
			d.logger.Error("failed to save run log", "run_id", entry.RunID, "error", err)
		}
	}
}
