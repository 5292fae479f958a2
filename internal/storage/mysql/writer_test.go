package mysql

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/suite"

	"github.com/WizardOfCommits/wp-meta-updater/internal/config"
	"github.com/WizardOfCommits/wp-meta-updater/internal/domain"
)

type WriterTestSuite struct {
	suite.Suite
	mock   sqlmock.Sqlmock
	db     *sqlx.DB
	writer *Writer
}

func (s *WriterTestSuite) SetupTest() {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	s.Require().NoError(err)

	s.mock = mock
	s.db = sqlx.NewDb(db, "mysql")

	store, err := NewContentStore(s.db, "wp_")
	s.Require().NoError(err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	s.writer = NewWriter(store, NewTransactionManager(s.db), logger)
}

func (s *WriterTestSuite) TearDownTest() {
	s.NoError(s.mock.ExpectationsWereMet())
	s.db.Close()
}

func TestWriterTestSuite(t *testing.T) {
	suite.Run(t, new(WriterTestSuite))
}

func (s *WriterTestSuite) expectPost(id int64, postType string, meta map[string]string) {
	s.mock.ExpectQuery("SELECT ID, post_type, post_title, post_excerpt FROM wp_posts WHERE ID = ?").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"ID", "post_type", "post_title", "post_excerpt"}).
			AddRow(id, postType, "Title", ""))

	rows := sqlmock.NewRows([]string{"meta_key", "meta_value"})
	for k, v := range meta {
		rows.AddRow(k, v)
	}
	s.mock.ExpectQuery("SELECT meta_key, meta_value FROM wp_postmeta WHERE post_id = ?").
		WithArgs(id).
		WillReturnRows(rows)
}

func (s *WriterTestSuite) TestWriteMetadata_GenericInsertAndUpdate() {
	rec := domain.ContentRecord{ID: 5, Type: "post", SEOTitle: "T", SEODescription: "D"}

	s.mock.ExpectBegin()
	s.expectPost(5, "post", nil)

	s.mock.ExpectQuery("SELECT meta_id FROM wp_postmeta").
		WithArgs(int64(5), "seo_description").
		WillReturnRows(sqlmock.NewRows([]string{"meta_id"}))
	s.mock.ExpectExec("INSERT INTO wp_postmeta").
		WithArgs(int64(5), "seo_description", "D").
		WillReturnResult(sqlmock.NewResult(1, 1))

	s.mock.ExpectQuery("SELECT meta_id FROM wp_postmeta").
		WithArgs(int64(5), "seo_title").
		WillReturnRows(sqlmock.NewRows([]string{"meta_id"}).AddRow(int64(9)))
	s.mock.ExpectExec("UPDATE wp_postmeta SET meta_value").
		WithArgs("T", int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectCommit()

	result, err := s.writer.WriteMetadata(context.Background(), rec)

	s.NoError(err)
	s.Equal(1, result.Attempts)
	s.Equal("updated via generic", result.Message)
}

func (s *WriterTestSuite) TestWriteMetadata_UpdatesChangedH1() {
	rec := domain.ContentRecord{ID: 6, Type: "page", SEOTitle: "T", SEODescription: "D", TitleH1: "New", OriginalTitleH1: "Old"}

	s.mock.ExpectBegin()
	s.expectPost(6, "page", map[string]string{"_seopress_titles_title": "old"})

	for _, key := range []string{
		"_seopress_social_fb_desc",
		"_seopress_social_fb_title",
		"_seopress_social_twitter_desc",
		"_seopress_social_twitter_title",
		"_seopress_titles_desc",
		"_seopress_titles_title",
	} {
		s.mock.ExpectQuery("SELECT meta_id FROM wp_postmeta").
			WithArgs(int64(6), key).
			WillReturnRows(sqlmock.NewRows([]string{"meta_id"}).AddRow(int64(1)))
		s.mock.ExpectExec("UPDATE wp_postmeta SET meta_value").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	s.mock.ExpectExec("UPDATE wp_posts SET post_title").
		WithArgs("New", int64(6)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectCommit()

	result, err := s.writer.WriteMetadata(context.Background(), rec)

	s.NoError(err)
	s.Equal("updated via seopress", result.Message)
}

func (s *WriterTestSuite) TestWriteMetadata_TypeMismatchRollsBack() {
	s.mock.ExpectBegin()
	s.expectPost(7, "page", nil)
	s.mock.ExpectRollback()

	_, err := s.writer.WriteMetadata(context.Background(), domain.ContentRecord{ID: 7, Type: "post"})

	s.ErrorContains(err, "post 7 is a page, not a post")
}

func (s *WriterTestSuite) TestWriteMetadata_MissingPost() {
	s.mock.ExpectBegin()
	s.mock.ExpectQuery("SELECT ID, post_type, post_title, post_excerpt FROM wp_posts").
		WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows([]string{"ID", "post_type", "post_title", "post_excerpt"}))
	s.mock.ExpectRollback()

	_, err := s.writer.WriteMetadata(context.Background(), domain.ContentRecord{ID: 8, Type: "post"})

	s.ErrorIs(err, domain.ErrNotFound)
}

func (s *WriterTestSuite) TestPrepare() {
	s.mock.ExpectPing()
	s.NoError(s.writer.Prepare(context.Background()))

	s.mock.ExpectPing().WillReturnError(errors.New("dial tcp: connection refused"))
	err := s.writer.Prepare(context.Background())
	s.Error(err)
	s.NotErrorIs(err, domain.ErrNotConfigured)

	s.ErrorIs((&Writer{}).Prepare(context.Background()), domain.ErrNotConfigured)
}

func TestNewContentStore_RejectsPrefix(t *testing.T) {
	_, err := NewContentStore(nil, "wp_; DROP TABLE x")
	if err == nil {
		t.Fatal("expected invalid prefix error")
	}
}

func TestDSN(t *testing.T) {
	dsn := DSN(config.MySQLConfig{Host: "db", Port: 3306, User: "wp", Password: "pw", DBName: "wordpress"})
	want := "wp:pw@tcp(db:3306)/wordpress?"
	if len(dsn) < len(want) || dsn[:len(want)] != want {
		t.Fatalf("DSN() = %q, want prefix %q", dsn, want)
	}
}
