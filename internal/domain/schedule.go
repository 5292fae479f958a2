package domain

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusMissed    Status = "missed"
)

var allowedTransitions = map[Status]map[Status]bool{
	"": {
		StatusPending: true,
	},
	StatusPending: {
		StatusPending: true,
		StatusRunning: true,
		StatusMissed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusError:     true,
		StatusPending:   true, // crash recovery
	},
	StatusCompleted: {
		StatusPending: true,
	},
	StatusError: {
		StatusPending: true,
	},
	StatusMissed: {
		StatusPending: true, // rescheduled by the user
	},
}

func IsKnownStatus(status Status) bool {
	if status == "" {
		return false
	}
	_, ok := allowedTransitions[status]
	return ok
}

func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// RunResult summarizes the last execution of a scheduled update.
type RunResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// ScheduledUpdate is a bulk job with a trigger time and optional recurrence.
type ScheduledUpdate struct {
	ID           int64       `json:"id"`
	Name         string      `json:"name"`
	ScheduleTime time.Time   `json:"schedule_time"`
	CreatedAt    time.Time   `json:"created_at"`
	Recurring    bool        `json:"recurring"`
	IntervalDays int         `json:"interval_days"`
	Items        []RecordRef `json:"items"`
	Method       Method      `json:"method"`
	Status       Status      `json:"status"`
	LastRun      *time.Time  `json:"last_run,omitempty"`
	LastResult   *RunResult  `json:"last_result,omitempty"`
	LastError    string      `json:"last_error,omitempty"`
}

// Interval returns the recurrence period.
func (u ScheduledUpdate) Interval() time.Duration {
	return time.Duration(u.IntervalDays) * 24 * time.Hour
}

func TransitionStatus(u *ScheduledUpdate, to Status) error {
	from := u.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid scheduled update transition: %q -> %q (id=%d)", from, to, u.ID)
	}
	u.Status = to
	return nil
}
