package domain

import "errors"

var (
	ErrNotConfigured   = errors.New("not configured")
	ErrSystemic        = errors.New("backend unavailable")
	ErrCancelled       = errors.New("bulk update cancelled")
	ErrBusy            = errors.New("bulk update already in progress")
	ErrNotFound        = errors.New("not found")
	ErrInvalidSchedule = errors.New("invalid scheduled update")
)
