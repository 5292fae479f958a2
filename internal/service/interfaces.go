package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"github.com/WizardOfCommits/wp-meta-updater/internal/domain"
)

// MetadataWriter applies one record's SEO fields to a backend.
type MetadataWriter interface {
	Method() domain.Method
	// Prepare fails with domain.ErrNotConfigured for configuration problems
	// and with any other error when the backend cannot be reached at all.
	Prepare(ctx context.Context) error
	WriteMetadata(ctx context.Context, record domain.ContentRecord) (domain.WriteResult, error)
}

type RunLogger interface {
	Save(ctx context.Context, entry domain.RunLog) error
}

// Locker guards bulk runs across processes.
type Locker interface {
	TryLock() (unlock func() error, err error)
}
