package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/WizardOfCommits/wp-meta-updater/internal/config"
	"github.com/WizardOfCommits/wp-meta-updater/internal/domain"
	"github.com/WizardOfCommits/wp-meta-updater/internal/metrics"
)

// Repository persists the whole list of scheduled updates.
type Repository interface {
	Load(ctx context.Context) ([]domain.ScheduledUpdate, error)
	Save(ctx context.Context, updates []domain.ScheduledUpdate) error
}

// LockingRepository is a Repository shared with other processes. Lock holds
// it for the duration of one load-modify-save.
type LockingRepository interface {
	Repository
	Lock(ctx context.Context) (unlock func() error, err error)
}

// RecordResolver turns stored refs into current records at trigger time.
type RecordResolver interface {
	Resolve(ctx context.Context, refs []domain.RecordRef) ([]domain.ContentRecord, error)
	MarkSynced(ctx context.Context, records []domain.ContentRecord, stats *domain.UpdateStats) error
}

// Executor runs a bulk update for a scheduled job.
type Executor interface {
	RunScheduled(ctx context.Context, method domain.Method, records []domain.ContentRecord) (*domain.UpdateStats, error)
}

// Notifier is told about every status change. Optional.
type Notifier interface {
	Notify(ctx context.Context, update domain.ScheduledUpdate) error
}

// NewUpdate is the input of Add.
type NewUpdate struct {
	Name         string
	ScheduleTime time.Time
	Recurring    bool
	IntervalDays int
	Items        []domain.RecordRef
	Method       domain.Method
}

type Scheduler struct {
	repo       Repository
	resolver   RecordResolver
	executor   Executor
	notifier   Notifier
	metrics    *metrics.Metrics
	interval   time.Duration
	jobTimeout time.Duration
	logger     *slog.Logger
	now        func() time.Time

	// mu serializes every load-modify-save of the repository in this
	// process; LockingRepository extends that to other processes.
	mu sync.Mutex
}

func NewScheduler(
	repo Repository,
	resolver RecordResolver,
	executor Executor,
	notifier Notifier,
	cfg config.SchedulerConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		repo:       repo,
		resolver:   resolver,
		executor:   executor,
		notifier:   notifier,
		metrics:    m,
		interval:   interval,
		jobTimeout: cfg.JobTimeout,
		logger:     logger.With("component", "scheduler"),
		now:        time.Now,
	}
}

// Recover normalizes the persisted list after a restart.
//
// Jobs left running are reset to pending and keep their time, so the next
// tick runs them again. Pending one-shot jobs whose time has passed become
// missed. Pending recurring jobs whose time has passed are moved forward by
// whole intervals. Jobs without a method get the API method.
func (s *Scheduler) Recover(ctx context.Context) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	updates, err := s.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("load scheduled updates: %w", err)
	}

	now := s.now()
	var changed []int
	for i := range updates {
		u := &updates[i]
		if u.Method == "" {
			u.Method = domain.MethodAPI
		}

		switch u.Status {
		case domain.StatusRunning:
			s.logger.Warn("resetting interrupted scheduled update", "update_id", u.ID, "name", u.Name)
			u.Status = domain.StatusPending
			changed = append(changed, i)
		case domain.StatusPending:
			if u.ScheduleTime.After(now) {
				continue
			}
			if u.Recurring && u.IntervalDays > 0 {
				u.ScheduleTime = advance(u.ScheduleTime, u.Interval(), now)
				s.logger.Info("advanced overdue recurring update",
					"update_id", u.ID,
					"next_run", u.ScheduleTime,
				)
				changed = append(changed, i)
				continue
			}
			u.Status = domain.StatusMissed
			s.logger.Warn("scheduled update missed", "update_id", u.ID, "schedule_time", u.ScheduleTime)
			changed = append(changed, i)
		case "":
			u.Status = domain.StatusPending
			changed = append(changed, i)
		}
	}

	if err := s.repo.Save(ctx, updates); err != nil {
		return fmt.Errorf("save scheduled updates: %w", err)
	}
	s.setPending(updates)

	for _, i := range changed {
		s.notify(ctx, updates[i])
	}
	return nil
}

// Add validates and persists a new pending update.
func (s *Scheduler) Add(ctx context.Context, in NewUpdate) (domain.ScheduledUpdate, error) {
	now := s.now()
	if err := validate(in, now); err != nil {
		return domain.ScheduledUpdate{}, err
	}

	method := in.Method
	if method == "" {
		method = domain.MethodAPI
	}
	name := in.Name
	if name == "" {
		name = "Scheduled update " + in.ScheduleTime.Format("2006-01-02 15:04")
	}
	interval := 0
	if in.Recurring {
		interval = in.IntervalDays
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return domain.ScheduledUpdate{}, err
	}
	defer release()

	updates, err := s.repo.Load(ctx)
	if err != nil {
		return domain.ScheduledUpdate{}, fmt.Errorf("load scheduled updates: %w", err)
	}

	u := domain.ScheduledUpdate{
		ID:           nextID(updates, now),
		Name:         name,
		ScheduleTime: in.ScheduleTime,
		CreatedAt:    now,
		Recurring:    in.Recurring,
		IntervalDays: interval,
		Items:        slices.Clone(in.Items),
		Method:       method,
	}
	if err := domain.TransitionStatus(&u, domain.StatusPending); err != nil {
		return domain.ScheduledUpdate{}, err
	}

	updates = append(updates, u)
	if err := s.repo.Save(ctx, updates); err != nil {
		return domain.ScheduledUpdate{}, fmt.Errorf("save scheduled updates: %w", err)
	}
	s.setPending(updates)

	s.logger.Info("update scheduled",
		"update_id", u.ID,
		"schedule_time", u.ScheduleTime,
		"method", u.Method,
		"items", len(u.Items),
	)
	return u, nil
}

func (s *Scheduler) List(ctx context.Context) ([]domain.ScheduledUpdate, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	updates, err := s.repo.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load scheduled updates: %w", err)
	}
	return updates, nil
}

// Cancel removes an update. It returns domain.ErrNotFound for unknown ids.
func (s *Scheduler) Cancel(ctx context.Context, id int64) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	updates, err := s.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("load scheduled updates: %w", err)
	}

	i := slices.IndexFunc(updates, func(u domain.ScheduledUpdate) bool { return u.ID == id })
	if i < 0 {
		return fmt.Errorf("scheduled update %d: %w", id, domain.ErrNotFound)
	}
	updates = slices.Delete(updates, i, i+1)

	if err := s.repo.Save(ctx, updates); err != nil {
		return fmt.Errorf("save scheduled updates: %w", err)
	}
	s.setPending(updates)
	s.logger.Info("scheduled update cancelled", "update_id", id)
	return nil
}

// Reschedule moves a non-running update to a new future time and makes it
// pending again. This is how missed updates are revived.
func (s *Scheduler) Reschedule(ctx context.Context, id int64, at time.Time) (domain.ScheduledUpdate, error) {
	if !at.After(s.now()) {
		return domain.ScheduledUpdate{}, fmt.Errorf("schedule time %s is in the past: %w", at.Format(time.RFC3339), domain.ErrInvalidSchedule)
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return domain.ScheduledUpdate{}, err
	}
	defer release()

	updates, err := s.repo.Load(ctx)
	if err != nil {
		return domain.ScheduledUpdate{}, fmt.Errorf("load scheduled updates: %w", err)
	}

	i := slices.IndexFunc(updates, func(u domain.ScheduledUpdate) bool { return u.ID == id })
	if i < 0 {
		return domain.ScheduledUpdate{}, fmt.Errorf("scheduled update %d: %w", id, domain.ErrNotFound)
	}
	u := &updates[i]
	if u.Status == domain.StatusRunning {
		return domain.ScheduledUpdate{}, fmt.Errorf("scheduled update %d is running: %w", id, domain.ErrInvalidSchedule)
	}
	if err := domain.TransitionStatus(u, domain.StatusPending); err != nil {
		return domain.ScheduledUpdate{}, fmt.Errorf("%w: %v", domain.ErrInvalidSchedule, err)
	}
	u.ScheduleTime = at

	if err := s.repo.Save(ctx, updates); err != nil {
		return domain.ScheduledUpdate{}, fmt.Errorf("save scheduled updates: %w", err)
	}
	s.setPending(updates)
	s.notify(ctx, *u)

	s.logger.Info("scheduled update rescheduled", "update_id", id, "schedule_time", at)
	return *u, nil
}

// Start runs the trigger loop until ctx is done. The first check happens
// immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval)

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every pending update due before the next wake-up, one at a time.
func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.dueIDs(ctx)
	if err != nil {
		s.logger.Error("failed to check scheduled updates", "error", err)
		return
	}

	for _, id := range due {
		if ctx.Err() != nil {
			return
		}
		s.runJob(ctx, id)
	}
}

func (s *Scheduler) dueIDs(ctx context.Context) ([]int64, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	updates, err := s.repo.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load scheduled updates: %w", err)
	}
	s.setPending(updates)

	horizon := s.now().Add(s.interval)
	var due []int64
	for _, u := range updates {
		if u.Status == domain.StatusPending && u.ScheduleTime.Before(horizon) {
			due = append(due, u.ID)
		}
	}
	return due, nil
}

func (s *Scheduler) runJob(ctx context.Context, id int64) {
	job, ok, err := s.claim(ctx, id)
	if err != nil {
		s.logger.Error("failed to start scheduled update", "update_id", id, "error", err)
		return
	}
	if !ok {
		return
	}
	s.notify(ctx, job)

	logger := s.logger.With("update_id", job.ID, "name", job.Name, "method", job.Method)
	logger.Info("executing scheduled update", "items", len(job.Items))

	stats, runErr := s.execute(ctx, job)
	// A busy engine or a shutdown puts the job back in the queue.
	requeue := errors.Is(runErr, domain.ErrBusy) || ctx.Err() != nil

	updated, err := s.finish(ctx, job, stats, runErr, requeue)
	if err != nil {
		logger.Error("failed to record scheduled update result", "error", err)
		return
	}
	if updated == nil {
		return
	}

	switch {
	case errors.Is(runErr, domain.ErrBusy):
		logger.Warn("bulk update already running, retrying on next tick")
	case requeue:
		logger.Warn("scheduled update interrupted, left pending", "error", runErr)
	case runErr != nil:
		logger.Error("scheduled update failed", "error", runErr)
	default:
		logger.Info("scheduled update completed",
			"success", updated.LastResult.Success,
			"failed", updated.LastResult.Failed,
		)
	}
}

// claim marks a still-pending update as running and persists that before
// any work starts.
func (s *Scheduler) claim(ctx context.Context, id int64) (domain.ScheduledUpdate, bool, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return domain.ScheduledUpdate{}, false, err
	}
	defer release()

	updates, err := s.repo.Load(ctx)
	if err != nil {
		return domain.ScheduledUpdate{}, false, fmt.Errorf("load scheduled updates: %w", err)
	}
	i := slices.IndexFunc(updates, func(u domain.ScheduledUpdate) bool { return u.ID == id })
	if i < 0 || updates[i].Status != domain.StatusPending {
		return domain.ScheduledUpdate{}, false, nil
	}

	if err := domain.TransitionStatus(&updates[i], domain.StatusRunning); err != nil {
		return domain.ScheduledUpdate{}, false, err
	}
	if err := s.repo.Save(ctx, updates); err != nil {
		return domain.ScheduledUpdate{}, false, fmt.Errorf("save scheduled updates: %w", err)
	}
	s.setPending(updates)
	return updates[i], true, nil
}

// execute resolves the records and runs the bulk update. Panics become
// errors so one job cannot stop the loop.
func (s *Scheduler) execute(ctx context.Context, job domain.ScheduledUpdate) (stats *domain.UpdateStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			stats = nil
			err = fmt.Errorf("scheduled update panicked: %v", r)
		}
	}()

	if s.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
	}

	records, err := s.resolver.Resolve(ctx, job.Items)
	if err != nil {
		return nil, fmt.Errorf("resolve records: %w", err)
	}
	if len(records) < len(job.Items) {
		s.logger.Warn("some scheduled records no longer exist",
			"update_id", job.ID,
			"requested", len(job.Items),
			"found", len(records),
		)
	}
	if len(records) == 0 {
		return &domain.UpdateStats{Errors: []domain.FailedItem{}}, nil
	}

	stats, err = s.executor.RunScheduled(ctx, job.Method, records)
	if stats != nil {
		if markErr := s.resolver.MarkSynced(context.WithoutCancel(ctx), records, stats); markErr != nil {
			s.logger.Error("failed to mark records as synced", "update_id", job.ID, "error", markErr)
		}
	}
	return stats, err
}

// finish applies the outcome to the freshly loaded list. A nil update means
// the job was cancelled while it ran.
func (s *Scheduler) finish(
	ctx context.Context,
	job domain.ScheduledUpdate,
	stats *domain.UpdateStats,
	runErr error,
	requeue bool,
) (*domain.ScheduledUpdate, error) {
	ctx = context.WithoutCancel(ctx)

	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	updates, err := s.repo.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load scheduled updates: %w", err)
	}
	i := slices.IndexFunc(updates, func(u domain.ScheduledUpdate) bool { return u.ID == job.ID })
	if i < 0 {
		s.logger.Warn("scheduled update removed while running", "update_id", job.ID)
		return nil, nil
	}
	u := &updates[i]

	var notices []domain.ScheduledUpdate
	if requeue {
		if err := domain.TransitionStatus(u, domain.StatusPending); err != nil {
			return nil, err
		}
		notices = append(notices, *u)
	} else {
		ranAt := s.now()
		u.LastRun = &ranAt
		u.LastResult = &domain.RunResult{}
		if stats != nil {
			u.LastResult.Success = stats.Success
			u.LastResult.Failed = stats.Failed
		}

		final := domain.StatusCompleted
		u.LastError = ""
		if runErr != nil {
			final = domain.StatusError
			u.LastError = runErr.Error()
		}
		if err := domain.TransitionStatus(u, final); err != nil {
			return nil, err
		}
		s.metrics.ScheduledRun(final)
		notices = append(notices, *u)

		if u.Recurring && u.IntervalDays > 0 {
			u.ScheduleTime = u.ScheduleTime.Add(u.Interval())
			if err := domain.TransitionStatus(u, domain.StatusPending); err != nil {
				return nil, err
			}
			notices = append(notices, *u)
		}
	}

	result := *u
	if result.Status != domain.StatusPending {
		updates = slices.Delete(updates, i, i+1)
	}

	if err := s.repo.Save(ctx, updates); err != nil {
		return nil, fmt.Errorf("save scheduled updates: %w", err)
	}
	s.setPending(updates)

	for _, n := range notices {
		s.notify(ctx, n)
	}
	return &result, nil
}

// acquire takes the in-process lock and, for a shared repository, the
// repository lock.
func (s *Scheduler) acquire(ctx context.Context) (func(), error) {
	s.mu.Lock()
	locking, ok := s.repo.(LockingRepository)
	if !ok {
		return s.mu.Unlock, nil
	}

	unlock, err := locking.Lock(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("lock scheduled updates: %w", err)
	}
	return func() {
		if err := unlock(); err != nil {
			s.logger.Warn("failed to release scheduled updates lock", "error", err)
		}
		s.mu.Unlock()
	}, nil
}

func (s *Scheduler) notify(ctx context.Context, u domain.ScheduledUpdate) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(context.WithoutCancel(ctx), u); err != nil {
		s.logger.Warn("failed to publish status change", "update_id", u.ID, "status", u.Status, "error", err)
	}
}

func (s *Scheduler) setPending(updates []domain.ScheduledUpdate) {
	n := 0
	for _, u := range updates {
		if u.Status == domain.StatusPending {
			n++
		}
	}
	s.metrics.SetPending(n)
}

func validate(in NewUpdate, now time.Time) error {
	if len(in.Items) == 0 {
		return fmt.Errorf("no items to update: %w", domain.ErrInvalidSchedule)
	}
	if !in.ScheduleTime.After(now) {
		return fmt.Errorf("schedule time %s is in the past: %w", in.ScheduleTime.Format(time.RFC3339), domain.ErrInvalidSchedule)
	}
	if in.Recurring && in.IntervalDays <= 0 {
		return fmt.Errorf("recurring update needs a positive interval: %w", domain.ErrInvalidSchedule)
	}
	if in.Method != "" && !in.Method.Valid() {
		return fmt.Errorf("unknown method %q: %w", in.Method, domain.ErrInvalidSchedule)
	}
	return nil
}

// nextID derives the id from the creation time in seconds and bumps it
// past any id already in use.
func nextID(updates []domain.ScheduledUpdate, now time.Time) int64 {
	id := now.Unix()
	for _, u := range updates {
		if u.ID >= id {
			id = u.ID + 1
		}
	}
	return id
}

// advance moves t forward by whole steps until it is after now.
func advance(t time.Time, step time.Duration, now time.Time) time.Time {
	if !t.After(now) {
		n := now.Sub(t)/step + 1
		t = t.Add(n * step)
	}
	return t
}
