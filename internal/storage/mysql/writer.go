package mysql

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/WizardOfCommits/wp-meta-updater/internal/domain"
	"github.com/WizardOfCommits/wp-meta-updater/internal/seo"
)

// Writer applies record metadata straight to the database, one
// transaction per record.
type Writer struct {
	store     *ContentStore
	txManager *TransactionManager
	logger    *slog.Logger
}

func NewWriter(store *ContentStore, txManager *TransactionManager, logger *slog.Logger) *Writer {
	return &Writer{
		store:     store,
		txManager: txManager,
		logger:    logger.With("component", "mysql"),
	}
}

func (w *Writer) Method() domain.Method {
	return domain.MethodDirect
}

func (w *Writer) Prepare(ctx context.Context) error {
	if w.store == nil || w.txManager == nil {
		return fmt.Errorf("mysql store: %w", domain.ErrNotConfigured)
	}
	if err := w.store.Ping(ctx); err != nil {
		return fmt.Errorf("connect to mysql: %w", err)
	}
	return nil
}

func (w *Writer) WriteMetadata(ctx context.Context, rec domain.ContentRecord) (domain.WriteResult, error) {
	result := domain.WriteResult{Attempts: 1}

	var conv seo.Convention
	err := w.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		post, err := w.store.GetPost(txCtx, rec.ID)
		if err != nil {
			return err
		}
		if post.Type != rec.Type {
			return fmt.Errorf("post %d is a %s, not a %s", rec.ID, post.Type, rec.Type)
		}

		plan := seo.Plan(post.Payload(), rec.SEOTitle, rec.SEODescription)
		conv = plan.Convention

		keys := make([]string, 0, len(plan.Meta))
		for k := range plan.Meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			if err := w.store.SetMeta(txCtx, rec.ID, k, plan.Meta[k]); err != nil {
				return err
			}
		}

		if rec.H1Changed() {
			return w.store.SetTitle(txCtx, rec.ID, rec.TitleH1)
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	result.Message = "updated via " + conv.String()
	w.logger.Debug("updated post", "record_id", rec.ID, "convention", conv.String())
	return result, nil
}
