package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/WizardOfCommits/wp-meta-updater/internal/config"
	"github.com/WizardOfCommits/wp-meta-updater/internal/domain"
	"github.com/WizardOfCommits/wp-meta-updater/internal/metrics"
)

// ProgressFunc receives the number of records with a final outcome.
// It runs on the engine goroutine and must return quickly.
type ProgressFunc func(completed, total int)

// BulkUpdater writes many records through one MetadataWriter in
// sequential batches, each served by a bounded worker pool.
type BulkUpdater struct {
	writer  MetadataWriter
	config  config.EngineConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	sleep   func(ctx context.Context, d time.Duration) error
	reclaim func()
}

func NewBulkUpdater(
	writer MetadataWriter,
	cfg config.EngineConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *BulkUpdater {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if writer != nil {
		logger = logger.With("method", string(writer.Method()))
	}
	return &BulkUpdater{
		writer:  writer,
		config:  cfg,
		metrics: m,
		logger:  logger,
		sleep:   sleepContext,
		reclaim: debug.FreeOSMemory,
	}
}

func (b *BulkUpdater) Method() domain.Method {
	if b.writer == nil {
		return ""
	}
	return b.writer.Method()
}

type outcome struct {
	record domain.ContentRecord
	result domain.WriteResult
	err    error
}

// Run writes records and returns the aggregate outcome.
//
// Configuration errors return nil stats. A backend that cannot be reached
// fails every record with one shared entry and an error wrapping
// domain.ErrSystemic. When ctx is cancelled the current batch finishes,
// no further batch starts, and the partial stats come back with an error
// wrapping domain.ErrCancelled.
func (b *BulkUpdater) Run(ctx context.Context, records []domain.ContentRecord, progress ProgressFunc) (*domain.UpdateStats, error) {
	total := len(records)
	stats := &domain.UpdateStats{Total: total, Errors: []domain.FailedItem{}}
	if total == 0 {
		return stats, nil
	}

	if b.writer == nil {
		return nil, fmt.Errorf("bulk update: writer: %w", domain.ErrNotConfigured)
	}
	if err := ctx.Err(); err != nil {
		return stats, fmt.Errorf("%w: %w", domain.ErrCancelled, err)
	}

	if err := b.writer.Prepare(ctx); err != nil {
		if errors.Is(err, domain.ErrNotConfigured) {
			return nil, fmt.Errorf("bulk update: %w", err)
		}
		b.logger.Error("backend unavailable, failing all records", "records", total, "error", err)
		stats.Failed = total
		stats.Errors = []domain.FailedItem{{
			ID:    0,
			Type:  "system",
			Title: "system error",
			Error: err.Error(),
		}}
		return stats, fmt.Errorf("%w: %w", domain.ErrSystemic, err)
	}

	startTime := time.Now()
	size := b.config.BatchSize
	batches := (total + size - 1) / size

	b.logger.Info("starting bulk update",
		"records", total,
		"batches", batches,
		"batch_size", size,
		"workers", b.config.Workers,
	)

	completed := 0
	for i := 0; i < batches; i++ {
		if err := ctx.Err(); err != nil {
			return stats, b.cancelled(err, completed, total)
		}

		end := min((i+1)*size, total)
		cancelled := false
		b.runBatch(ctx, records[i*size:end], func(o outcome) {
			b.account(stats, o)
			completed++
			if progress != nil {
				progress(completed, total)
			}
			if ctx.Err() != nil {
				cancelled = true
			}
		})
		b.metrics.BatchDone(b.writer.Method())

		b.logger.Debug("batch completed",
			"batch", i+1,
			"of", batches,
			"success", stats.Success,
			"failed", stats.Failed,
		)

		if cancelled {
			return stats, b.cancelled(ctx.Err(), completed, total)
		}

		if b.config.ReclaimEvery > 0 && (i+1)%b.config.ReclaimEvery == 0 {
			b.reclaim()
		}

		if i < batches-1 && b.config.BatchDelay > 0 {
			if err := b.sleep(ctx, b.config.BatchDelay); err != nil {
				return stats, b.cancelled(err, completed, total)
			}
		}
	}

	b.logger.Info("bulk update completed",
		"total", stats.Total,
		"success", stats.Success,
		"failed", stats.Failed,
		"retries", stats.Retries,
		"duration", time.Since(startTime),
	)
	return stats, nil
}

// runBatch dispatches every record of the batch to the pool and calls
// done once per record on the calling goroutine. Writes run on a context
// detached from cancellation so in-flight requests are not aborted.
func (b *BulkUpdater) runBatch(ctx context.Context, batch []domain.ContentRecord, done func(outcome)) {
	jobs := make(chan domain.ContentRecord, len(batch))
	results := make(chan outcome, len(batch))
	writeCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for w := 0; w < min(b.config.Workers, len(batch)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				res, err := b.write(writeCtx, rec)
				results <- outcome{record: rec, result: res, err: err}
			}
		}()
	}

	for _, rec := range batch {
		jobs <- rec
	}
	close(jobs)

	for range batch {
		done(<-results)
	}
	wg.Wait()
}

func (b *BulkUpdater) write(ctx context.Context, rec domain.ContentRecord) (res domain.WriteResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("write panicked: %v", r)
		}
	}()
	return b.writer.WriteMetadata(ctx, rec)
}

func (b *BulkUpdater) account(stats *domain.UpdateStats, o outcome) {
	retries := o.result.Retries()
	stats.Retries += retries
	b.metrics.RecordOutcome(b.writer.Method(), o.err == nil, retries)

	if o.err == nil {
		stats.Success++
		return
	}

	stats.Failed++
	stats.Errors = append(stats.Errors, domain.FailedItem{
		ID:    o.record.ID,
		Type:  o.record.Type,
		Title: o.record.Title,
		Error: o.err.Error(),
	})
	b.logger.Warn("record update failed",
		"record_id", o.record.ID,
		"type", o.record.Type,
		"error", o.err,
	)
}

func (b *BulkUpdater) cancelled(cause error, completed, total int) error {
	b.logger.Warn("bulk update cancelled", "completed", completed, "total", total)
	return fmt.Errorf("%w after %d of %d records: %w", domain.ErrCancelled, completed, total, cause)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
