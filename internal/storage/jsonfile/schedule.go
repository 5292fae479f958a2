package jsonfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/WizardOfCommits/wp-meta-updater/internal/domain"
)

const ScheduleFileName = "scheduled_updates.json"

const (
	scheduleLockPoll  = 20 * time.Millisecond
	scheduleLockStale = time.Minute
)

// ScheduleRepository stores the scheduled updates as one JSON array that
// is rewritten whole on every save.
type ScheduleRepository struct {
	path string
	lock *DirLock
}

func NewScheduleRepository(dataDir string) *ScheduleRepository {
	return &ScheduleRepository{
		path: filepath.Join(dataDir, ScheduleFileName),
		lock: &DirLock{dir: filepath.Join(dataDir, scheduleLockDirName)},
	}
}

// Lock holds the file for one load-modify-save against other processes
// sharing the data directory. It waits for the current holder and breaks
// a lock older than a minute, which only a dead process leaves behind.
func (r *ScheduleRepository) Lock(ctx context.Context) (func() error, error) {
	for {
		unlock, err := r.lock.TryLock()
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}
		if r.lock.heldLongerThan(scheduleLockStale) {
			if err := r.lock.ForceUnlock(); err != nil {
				return nil, err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock scheduled updates: %w", ctx.Err())
		case <-time.After(scheduleLockPoll):
		}
	}
}

func (r *ScheduleRepository) Path() string {
	return r.path
}

// Load returns an empty list when the file does not exist yet.
func (r *ScheduleRepository) Load(_ context.Context) ([]domain.ScheduledUpdate, error) {
	var updates []domain.ScheduledUpdate
	if err := ReadJSON(r.path, &updates); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []domain.ScheduledUpdate{}, nil
		}
		return nil, err
	}
	if updates == nil {
		updates = []domain.ScheduledUpdate{}
	}
	return updates, nil
}

func (r *ScheduleRepository) Save(_ context.Context, updates []domain.ScheduledUpdate) error {
	if updates == nil {
		updates = []domain.ScheduledUpdate{}
	}
	return WriteJSON(r.path, updates)
}
