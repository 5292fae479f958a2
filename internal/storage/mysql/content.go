// Package mysql reads and writes SEO metadata directly in a WordPress
// database.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	driver "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/WizardOfCommits/wp-meta-updater/internal/config"
	"github.com/WizardOfCommits/wp-meta-updater/internal/domain"
	"github.com/WizardOfCommits/wp-meta-updater/internal/seo"
)

var validPrefix = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// DSN builds a driver DSN for the WordPress database.
func DSN(cfg config.MySQLConfig) string {
	c := driver.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.Net = "tcp"
	c.Addr = cfg.Addr()
	c.DBName = cfg.DBName
	c.ParseTime = true
	c.Timeout = 10 * time.Second
	c.Params = map[string]string{"charset": "utf8mb4"}
	return c.FormatDSN()
}

// Open prepares a handle without connecting; the first ping or query does.
func Open(cfg config.MySQLConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("mysql", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

// Post is a row of the posts table with its metadata.
type Post struct {
	ID      int64  `db:"ID"`
	Type    string `db:"post_type"`
	Title   string `db:"post_title"`
	Excerpt string `db:"post_excerpt"`
	Meta    map[string]string
}

func (p Post) Payload() seo.Payload {
	return seo.Payload{
		Title:   p.Title,
		Excerpt: p.Excerpt,
		Meta:    p.Meta,
	}
}

type metaRow struct {
	Key   string         `db:"meta_key"`
	Value sql.NullString `db:"meta_value"`
}

type ContentStore struct {
	db     *sqlx.DB
	prefix string
}

func NewContentStore(db *sqlx.DB, prefix string) (*ContentStore, error) {
	if !validPrefix.MatchString(prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}
	return &ContentStore{db: db, prefix: prefix}, nil
}

func (s *ContentStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *ContentStore) GetPost(ctx context.Context, id int64) (*Post, error) {
	ex := executor(ctx, s.db)

	var post Post
	query := fmt.Sprintf("SELECT ID, post_type, post_title, post_excerpt FROM %sposts WHERE ID = ?", s.prefix)
	if err := sqlx.GetContext(ctx, ex, &post, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("post %d: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get post %d: %w", id, err)
	}

	var rows []metaRow
	query = fmt.Sprintf("SELECT meta_key, meta_value FROM %spostmeta WHERE post_id = ?", s.prefix)
	if err := sqlx.SelectContext(ctx, ex, &rows, query, id); err != nil {
		return nil, fmt.Errorf("get meta of post %d: %w", id, err)
	}

	post.Meta = make(map[string]string, len(rows))
	for _, r := range rows {
		if _, seen := post.Meta[r.Key]; !seen {
			post.Meta[r.Key] = r.Value.String
		}
	}
	return &post, nil
}

// SetMeta updates the first row for key, inserting one if none exists.
func (s *ContentStore) SetMeta(ctx context.Context, postID int64, key, value string) error {
	ex := executor(ctx, s.db)

	var metaID int64
	query := fmt.Sprintf("SELECT meta_id FROM %spostmeta WHERE post_id = ? AND meta_key = ? LIMIT 1", s.prefix)
	err := sqlx.GetContext(ctx, ex, &metaID, query, postID, key)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		query = fmt.Sprintf("INSERT INTO %spostmeta (post_id, meta_key, meta_value) VALUES (?, ?, ?)", s.prefix)
		if _, err := ex.ExecContext(ctx, query, postID, key, value); err != nil {
			return fmt.Errorf("insert meta %s: %w", key, err)
		}
	case err != nil:
		return fmt.Errorf("find meta %s: %w", key, err)
	default:
		query = fmt.Sprintf("UPDATE %spostmeta SET meta_value = ? WHERE meta_id = ?", s.prefix)
		if _, err := ex.ExecContext(ctx, query, value, metaID); err != nil {
			return fmt.Errorf("update meta %s: %w", key, err)
		}
	}
	return nil
}

func (s *ContentStore) SetTitle(ctx context.Context, postID int64, title string) error {
	ex := executor(ctx, s.db)
	query := fmt.Sprintf("UPDATE %sposts SET post_title = ? WHERE ID = ?", s.prefix)
	if _, err := ex.ExecContext(ctx, query, title, postID); err != nil {
		return fmt.Errorf("update title of post %d: %w", postID, err)
	}
	return nil
}
