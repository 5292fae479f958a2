package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/WizardOfCommits/wp-meta-updater/internal/domain"
)

const DefaultScheduleKey = "wpmeta:scheduled_updates"

const (
	scheduleLockTTL  = 30 * time.Second
	scheduleLockPoll = 20 * time.Millisecond
)

// ScheduleRepository keeps the scheduled updates as one JSON array under
// a single key, the same document the file repository writes.
type ScheduleRepository struct {
	client *redis.Client
	key    string
	lock   *Lock
}

func NewScheduleRepository(client *redis.Client, key string) *ScheduleRepository {
	if key == "" {
		key = DefaultScheduleKey
	}
	return &ScheduleRepository{
		client: client,
		key:    key,
		lock:   NewLock(client, key+":lock", scheduleLockTTL),
	}
}

// Lock holds the list for one load-modify-save against other processes
// using the same server, waiting for the current holder.
func (r *ScheduleRepository) Lock(ctx context.Context) (func() error, error) {
	for {
		unlock, err := r.lock.TryLock()
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock %s: %w", r.key, ctx.Err())
		case <-time.After(scheduleLockPoll):
		}
	}
}

func (r *ScheduleRepository) Load(ctx context.Context) ([]domain.ScheduledUpdate, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []domain.ScheduledUpdate{}, nil
		}
		return nil, fmt.Errorf("get %s: %w", r.key, err)
	}

	var updates []domain.ScheduledUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("decode %s: %w", r.key, err)
	}
	if updates == nil {
		updates = []domain.ScheduledUpdate{}
	}
	return updates, nil
}

func (r *ScheduleRepository) Save(ctx context.Context, updates []domain.ScheduledUpdate) error {
	if updates == nil {
		updates = []domain.ScheduledUpdate{}
	}
	data, err := json.Marshal(updates)
	if err != nil {
		return fmt.Errorf("encode scheduled updates: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", r.key, err)
	}
	return nil
}
