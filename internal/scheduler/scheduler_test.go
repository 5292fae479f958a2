package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/WizardOfCommits/wp-meta-updater/internal/config"
	"github.com/WizardOfCommits/wp-meta-updater/internal/domain"
)

type memoryRepo struct {
	mu      sync.Mutex
	updates []domain.ScheduledUpdate
	saves   int
}

func (r *memoryRepo) Load(context.Context) ([]domain.ScheduledUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.updates), nil
}

func (r *memoryRepo) Save(_ context.Context, updates []domain.ScheduledUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = slices.Clone(updates)
	r.saves++
	return nil
}

func (r *memoryRepo) get(id int64) (domain.ScheduledUpdate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.updates {
		if u.ID == id {
			return u, true
		}
	}
	return domain.ScheduledUpdate{}, false
}

type lockingRepo struct {
	*memoryRepo
	locks   int
	unlocks int
	err     error
}

func (r *lockingRepo) Lock(context.Context) (func() error, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.locks++
	return func() error {
		r.unlocks++
		return nil
	}, nil
}

type fakeResolver struct {
	records map[domain.RecordRef]domain.ContentRecord
	synced  []domain.ContentRecord
}

func (f *fakeResolver) Resolve(_ context.Context, refs []domain.RecordRef) ([]domain.ContentRecord, error) {
	var out []domain.ContentRecord
	for _, ref := range refs {
		if rec, ok := f.records[ref]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeResolver) MarkSynced(_ context.Context, records []domain.ContentRecord, _ *domain.UpdateStats) error {
	f.synced = append(f.synced, records...)
	return nil
}

type fakeExecutor struct {
	calls   int
	methods []domain.Method
	run     func(records []domain.ContentRecord) (*domain.UpdateStats, error)
	// observed is the persisted status of the job while the executor ran.
	observed domain.Status
	repo     *memoryRepo
}

func (f *fakeExecutor) RunScheduled(_ context.Context, method domain.Method, records []domain.ContentRecord) (*domain.UpdateStats, error) {
	f.calls++
	f.methods = append(f.methods, method)
	if f.repo != nil && len(f.repo.updates) > 0 {
		f.observed = f.repo.updates[0].Status
	}
	if f.run != nil {
		return f.run(records)
	}
	return &domain.UpdateStats{Total: len(records), Success: len(records), Errors: []domain.FailedItem{}}, nil
}

type recordingNotifier struct {
	statuses []domain.Status
}

func (n *recordingNotifier) Notify(_ context.Context, u domain.ScheduledUpdate) error {
	n.statuses = append(n.statuses, u.Status)
	return nil
}

type SchedulerTestSuite struct {
	suite.Suite
	repo     *memoryRepo
	resolver *fakeResolver
	executor *fakeExecutor
	notifier *recordingNotifier
	now      time.Time
	sched    *Scheduler
}

func (s *SchedulerTestSuite) SetupTest() {
	s.now = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s.repo = &memoryRepo{}
	s.resolver = &fakeResolver{records: map[domain.RecordRef]domain.ContentRecord{
		{ID: 1, Type: "post"}: {ID: 1, Type: "post", SEOTitle: "One"},
		{ID: 2, Type: "page"}: {ID: 2, Type: "page", SEOTitle: "Two"},
	}}
	s.executor = &fakeExecutor{repo: s.repo}
	s.notifier = &recordingNotifier{}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	s.sched = NewScheduler(s.repo, s.resolver, s.executor, s.notifier,
		config.SchedulerConfig{Interval: 30 * time.Second, JobTimeout: time.Minute}, nil, logger)
	s.sched.now = func() time.Time { return s.now }
}

func TestSchedulerTestSuite(t *testing.T) {
	suite.Run(t, new(SchedulerTestSuite))
}

func (s *SchedulerTestSuite) seed(updates ...domain.ScheduledUpdate) {
	s.repo.updates = updates
}

func (s *SchedulerTestSuite) job(id int64, at time.Time, status domain.Status) domain.ScheduledUpdate {
	return domain.ScheduledUpdate{
		ID:           id,
		Name:         "job",
		ScheduleTime: at,
		Items:        []domain.RecordRef{{ID: 1, Type: "post"}, {ID: 2, Type: "page"}},
		Method:       domain.MethodAPI,
		Status:       status,
	}
}

func (s *SchedulerTestSuite) TestRecover_RunningBecomesPending() {
	s.seed(s.job(1, s.now.Add(-time.Hour), domain.StatusRunning))

	s.Require().NoError(s.sched.Recover(context.Background()))

	updates, err := s.sched.List(context.Background())
	s.Require().NoError(err)
	s.Require().Len(updates, 1)
	s.Equal(domain.StatusPending, updates[0].Status)
	s.Equal(s.now.Add(-time.Hour), updates[0].ScheduleTime)
}

func (s *SchedulerTestSuite) TestRecover_InterruptedOverdueJobRunsOnNextTick() {
	s.seed(s.job(1, s.now.Add(-time.Hour), domain.StatusRunning))

	s.Require().NoError(s.sched.Recover(context.Background()))
	s.sched.tick(context.Background())

	s.Equal(1, s.executor.calls)
	s.Empty(s.repo.updates)
}

func (s *SchedulerTestSuite) TestRecover_PastOneShotIsMissed() {
	s.seed(
		s.job(1, s.now.Add(-time.Minute), domain.StatusPending),
		s.job(2, s.now.Add(time.Hour), domain.StatusPending),
	)

	s.Require().NoError(s.sched.Recover(context.Background()))

	missed, _ := s.repo.get(1)
	future, _ := s.repo.get(2)
	s.Equal(domain.StatusMissed, missed.Status)
	s.Equal(domain.StatusPending, future.Status)

	s.sched.tick(context.Background())
	s.Equal(0, s.executor.calls)
}

func (s *SchedulerTestSuite) TestRecover_PastRecurringIsAdvanced() {
	u := s.job(1, s.now.Add(-15*24*time.Hour), domain.StatusPending)
	u.Recurring = true
	u.IntervalDays = 7
	s.seed(u)

	s.Require().NoError(s.sched.Recover(context.Background()))

	got, _ := s.repo.get(1)
	s.Equal(domain.StatusPending, got.Status)
	s.Equal(s.now.Add(6*24*time.Hour), got.ScheduleTime)
}

func (s *SchedulerTestSuite) TestRecover_NotifiesChangedJobs() {
	s.seed(
		s.job(1, s.now.Add(time.Hour), domain.StatusRunning),
		s.job(2, s.now.Add(-time.Hour), domain.StatusPending),
		s.job(3, s.now.Add(2*time.Hour), domain.StatusPending),
	)

	s.Require().NoError(s.sched.Recover(context.Background()))

	s.Equal([]domain.Status{domain.StatusPending, domain.StatusMissed}, s.notifier.statuses)
}

func (s *SchedulerTestSuite) TestRecover_LocksSharedRepository() {
	locking := &lockingRepo{memoryRepo: s.repo}
	s.sched.repo = locking
	s.seed(s.job(1, s.now.Add(-time.Hour), domain.StatusPending))

	s.Require().NoError(s.sched.Recover(context.Background()))
	s.Equal(1, locking.locks)
	s.Equal(1, locking.unlocks)

	locking.err = errors.New("lock timeout")
	s.ErrorContains(s.sched.Recover(context.Background()), "lock timeout")
	s.Equal(1, locking.unlocks)

	// the in-process lock was released on failure
	locking.err = nil
	_, err := s.sched.List(context.Background())
	s.NoError(err)
}

func (s *SchedulerTestSuite) TestRecover_DefaultsMethod() {
	u := s.job(1, s.now.Add(time.Hour), domain.StatusPending)
	u.Method = ""
	s.seed(u)

	s.Require().NoError(s.sched.Recover(context.Background()))

	got, _ := s.repo.get(1)
	s.Equal(domain.MethodAPI, got.Method)
}

func (s *SchedulerTestSuite) TestAdd_Validates() {
	ctx := context.Background()
	refs := []domain.RecordRef{{ID: 1, Type: "post"}}

	_, err := s.sched.Add(ctx, NewUpdate{ScheduleTime: s.now.Add(time.Hour)})
	s.ErrorIs(err, domain.ErrInvalidSchedule)

	_, err = s.sched.Add(ctx, NewUpdate{ScheduleTime: s.now.Add(-time.Hour), Items: refs})
	s.ErrorIs(err, domain.ErrInvalidSchedule)

	_, err = s.sched.Add(ctx, NewUpdate{ScheduleTime: s.now.Add(time.Hour), Items: refs, Recurring: true})
	s.ErrorIs(err, domain.ErrInvalidSchedule)

	_, err = s.sched.Add(ctx, NewUpdate{ScheduleTime: s.now.Add(time.Hour), Items: refs, Method: "ftp"})
	s.ErrorIs(err, domain.ErrInvalidSchedule)

	s.Empty(s.repo.updates)
}

func (s *SchedulerTestSuite) TestAdd_AssignsUniqueIDs() {
	ctx := context.Background()
	in := NewUpdate{ScheduleTime: s.now.Add(time.Hour), Items: []domain.RecordRef{{ID: 1, Type: "post"}}}

	first, err := s.sched.Add(ctx, in)
	s.Require().NoError(err)
	second, err := s.sched.Add(ctx, in)
	s.Require().NoError(err)

	s.Equal(s.now.Unix(), first.ID)
	s.Equal(first.ID+1, second.ID)
	s.Equal(domain.StatusPending, first.Status)
	s.Equal(domain.MethodAPI, first.Method)
	s.Equal(0, first.IntervalDays)
	s.NotEmpty(first.Name)
	s.Len(s.repo.updates, 2)
}

func (s *SchedulerTestSuite) TestTick_RunsDueOneShotAndRemovesIt() {
	s.seed(s.job(1, s.now.Add(10*time.Second), domain.StatusPending))

	s.sched.tick(context.Background())

	s.Equal(1, s.executor.calls)
	s.Equal(domain.StatusRunning, s.executor.observed)
	s.Empty(s.repo.updates)
	s.Len(s.resolver.synced, 2)
	s.Equal([]domain.Status{domain.StatusRunning, domain.StatusCompleted}, s.notifier.statuses)
}

func (s *SchedulerTestSuite) TestTick_SkipsJobsBeyondHorizon() {
	s.seed(s.job(1, s.now.Add(time.Minute), domain.StatusPending))

	s.sched.tick(context.Background())

	s.Equal(0, s.executor.calls)
	got, _ := s.repo.get(1)
	s.Equal(domain.StatusPending, got.Status)
}

func (s *SchedulerTestSuite) TestTick_RecurringAdvancesByInterval() {
	at := s.now.Add(5 * time.Second)
	u := s.job(1, at, domain.StatusPending)
	u.Recurring = true
	u.IntervalDays = 7
	s.seed(u)

	s.sched.tick(context.Background())

	got, ok := s.repo.get(1)
	s.Require().True(ok)
	s.Equal(domain.StatusPending, got.Status)
	s.Equal(at.Add(7*24*time.Hour), got.ScheduleTime)
	s.Require().NotNil(got.LastRun)
	s.Equal(s.now, *got.LastRun)
	s.Equal(&domain.RunResult{Success: 2, Failed: 0}, got.LastResult)
	s.Equal([]domain.Status{domain.StatusRunning, domain.StatusCompleted, domain.StatusPending}, s.notifier.statuses)
}

func (s *SchedulerTestSuite) TestTick_MissingRecordsAreSkipped() {
	u := s.job(1, s.now, domain.StatusPending)
	u.Items = append(u.Items, domain.RecordRef{ID: 99, Type: "post"})
	u.Recurring = true
	u.IntervalDays = 1
	s.seed(u)

	var got []domain.ContentRecord
	s.executor.run = func(records []domain.ContentRecord) (*domain.UpdateStats, error) {
		got = records
		return &domain.UpdateStats{Total: len(records), Success: len(records)}, nil
	}

	s.sched.tick(context.Background())

	s.Len(got, 2)
}

func (s *SchedulerTestSuite) TestTick_NoRecordsCompletesWithoutExecuting() {
	u := s.job(1, s.now, domain.StatusPending)
	u.Items = []domain.RecordRef{{ID: 42, Type: "post"}}
	u.Recurring = true
	u.IntervalDays = 1
	s.seed(u)

	s.sched.tick(context.Background())

	s.Equal(0, s.executor.calls)
	got, _ := s.repo.get(1)
	s.Equal(&domain.RunResult{}, got.LastResult)
	s.Empty(got.LastError)
}

func (s *SchedulerTestSuite) TestTick_ErrorIsIsolatedPerJob() {
	failing := s.job(1, s.now, domain.StatusPending)
	failing.Recurring = true
	failing.IntervalDays = 1
	s.seed(failing, s.job(2, s.now, domain.StatusPending))

	s.executor.run = func(records []domain.ContentRecord) (*domain.UpdateStats, error) {
		if s.executor.calls == 1 {
			panic("engine exploded")
		}
		return &domain.UpdateStats{Total: len(records), Success: len(records)}, nil
	}

	s.sched.tick(context.Background())

	s.Equal(2, s.executor.calls)
	got, ok := s.repo.get(1)
	s.Require().True(ok)
	s.Equal(domain.StatusPending, got.Status)
	s.Contains(got.LastError, "engine exploded")
	_, ok = s.repo.get(2)
	s.False(ok)
	s.Contains(s.notifier.statuses, domain.StatusError)
}

func (s *SchedulerTestSuite) TestTick_BusyLeavesJobPending() {
	at := s.now
	s.seed(s.job(1, at, domain.StatusPending))
	s.executor.run = func([]domain.ContentRecord) (*domain.UpdateStats, error) {
		return nil, domain.ErrBusy
	}

	s.sched.tick(context.Background())

	got, ok := s.repo.get(1)
	s.Require().True(ok)
	s.Equal(domain.StatusPending, got.Status)
	s.Equal(at, got.ScheduleTime)
	s.Nil(got.LastRun)
	s.Empty(s.resolver.synced)

	s.executor.run = nil
	s.sched.tick(context.Background())
	s.Equal(2, s.executor.calls)
	s.Empty(s.repo.updates)
}

func (s *SchedulerTestSuite) TestTick_FailureWithoutStatsClearsLastResult() {
	at := s.now
	u := s.job(1, at, domain.StatusPending)
	u.Recurring = true
	u.IntervalDays = 7
	s.seed(u)

	s.sched.tick(context.Background())
	got, _ := s.repo.get(1)
	s.Require().Equal(&domain.RunResult{Success: 2}, got.LastResult)

	s.now = at.Add(7 * 24 * time.Hour)
	s.executor.run = func([]domain.ContentRecord) (*domain.UpdateStats, error) {
		return nil, errors.New("boom")
	}
	s.sched.tick(context.Background())

	got, _ = s.repo.get(1)
	s.Equal(domain.StatusPending, got.Status)
	s.Equal(&domain.RunResult{}, got.LastResult)
	s.Equal("boom", got.LastError)
}

func (s *SchedulerTestSuite) TestTick_FailedRunRecordsError() {
	s.seed(s.job(1, s.now, domain.StatusPending))
	s.executor.run = func(records []domain.ContentRecord) (*domain.UpdateStats, error) {
		return &domain.UpdateStats{Total: 2, Failed: 2}, errors.New("systemic failure: dial tcp")
	}

	s.sched.tick(context.Background())

	s.Empty(s.repo.updates)
	s.Equal([]domain.Status{domain.StatusRunning, domain.StatusError}, s.notifier.statuses)
}

func (s *SchedulerTestSuite) TestCancelAndReschedule() {
	ctx := context.Background()
	s.seed(
		s.job(1, s.now.Add(-time.Hour), domain.StatusMissed),
		s.job(2, s.now.Add(time.Hour), domain.StatusPending),
	)

	s.Require().NoError(s.sched.Cancel(ctx, 2))
	s.ErrorIs(s.sched.Cancel(ctx, 2), domain.ErrNotFound)

	_, err := s.sched.Reschedule(ctx, 1, s.now.Add(-time.Minute))
	s.ErrorIs(err, domain.ErrInvalidSchedule)

	u, err := s.sched.Reschedule(ctx, 1, s.now.Add(2*time.Hour))
	s.Require().NoError(err)
	s.Equal(domain.StatusPending, u.Status)
	s.Equal(s.now.Add(2*time.Hour), u.ScheduleTime)

	s.Len(s.repo.updates, 1)
}

func (s *SchedulerTestSuite) TestReschedule_RejectsRunning() {
	s.seed(s.job(1, s.now, domain.StatusRunning))

	_, err := s.sched.Reschedule(context.Background(), 1, s.now.Add(time.Hour))

	s.ErrorIs(err, domain.ErrInvalidSchedule)
}

func (s *SchedulerTestSuite) TestStart_TicksImmediatelyAndStops() {
	s.seed(s.job(1, s.now, domain.StatusPending))
	ctx, cancel := context.WithCancel(context.Background())
	s.executor.run = func(records []domain.ContentRecord) (*domain.UpdateStats, error) {
		cancel()
		return &domain.UpdateStats{Total: len(records), Success: len(records)}, nil
	}

	err := s.sched.Start(ctx)

	s.ErrorIs(err, context.Canceled)
	s.Equal(1, s.executor.calls)
	// The shutdown interrupted the run, so the job is queued again.
	got, ok := s.repo.get(1)
	s.Require().True(ok)
	s.Equal(domain.StatusPending, got.Status)
}
