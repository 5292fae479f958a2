package wordpress

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"
)

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d - %s", e.Code, e.Body)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// permanent marks err as not worth retrying.
func permanent(err error) error {
	return &permanentError{err: err}
}

// retry runs fn until it succeeds, fails with a non-retryable error, or has
// been retried MaxRetries times. It returns the number of attempts made.
func (c *Client) retry(ctx context.Context, op string, fn func(context.Context) error) (int, error) {
	delay := c.cfg.InitialBackoff

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}

		wait, ok := c.retryWait(ctx, err, delay)
		if !ok {
			return attempt, err
		}
		if attempt > c.cfg.MaxRetries {
			return attempt, fmt.Errorf("after %d attempts: %w", attempt, err)
		}

		c.logger.Warn("request failed, retrying",
			"operation", op,
			"attempt", attempt,
			"backoff", wait,
			"error", err,
		)

		if err := c.sleep(ctx, wait); err != nil {
			return attempt, fmt.Errorf("%s: %w", op, err)
		}
		delay = time.Duration(float64(delay) * c.cfg.Multiplier)
	}
}

// retryWait decides whether err is transient and how long to wait.
// Throttling statuses wait twice as long as other transient failures.
func (c *Client) retryWait(ctx context.Context, err error, delay time.Duration) (time.Duration, bool) {
	if ctx.Err() != nil {
		return 0, false
	}

	var pe *permanentError
	if errors.As(err, &pe) {
		return 0, false
	}

	var wait time.Duration
	var se *StatusError
	switch {
	case errors.As(err, &se):
		switch se.Code {
		case http.StatusBadGateway, http.StatusServiceUnavailable:
			wait = delay
		case http.StatusForbidden, http.StatusTooManyRequests:
			wait = 2 * delay
		default:
			return 0, false
		}
	case isTimeout(err):
		wait = delay
	default:
		return 0, false
	}

	if c.cfg.MaxBackoff > 0 && wait > c.cfg.MaxBackoff {
		wait = c.cfg.MaxBackoff
	}
	return wait, true
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sortTypes(types []ContentType) {
	sort.Slice(types, func(i, j int) bool {
		return types[i].Slug < types[j].Slug
	})
}
