package wordpress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/WizardOfCommits/wp-meta-updater/internal/domain"
	"github.com/WizardOfCommits/wp-meta-updater/internal/seo"
)

const (
	userAgent = "WP-Meta-Updater/1.0"

	typesTimeout = 10 * time.Second
	maxBodyBytes = 4 << 20
	maxErrorBody = 500
)

var builtinEndpoints = map[string]string{
	"post":       "posts",
	"page":       "pages",
	"product":    "products",
	"attachment": "media",
}

// excludedTypes are never offered as custom types.
var excludedTypes = map[string]bool{
	"post":          true,
	"page":          true,
	"attachment":    true,
	"wp_block":      true,
	"wp_template":   true,
	"wp_navigation": true,
}

// Config holds REST client configuration. It is not modified after New.
type Config struct {
	SiteURL           string
	Username          string
	Credential        string
	Timeout           time.Duration
	ListTimeout       time.Duration
	PerPage           int
	FetchWorkers      int
	RequestsPerSecond float64
	MaxRetries        int
	InitialBackoff    time.Duration
	Multiplier        float64
	MaxBackoff        time.Duration
}

// Client talks to the WordPress REST API.
type Client struct {
	httpClient *http.Client
	cfg        Config
	baseURL    string
	username   string
	password   string
	limiter    *rate.Limiter
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *slog.Logger

	mu          sync.RWMutex
	endpoints   map[string]string
	typesLoaded bool
}

func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.ListTimeout == 0 {
		cfg.ListTimeout = 30 * time.Second
	}
	if cfg.PerPage == 0 {
		cfg.PerPage = 100
	}
	if cfg.FetchWorkers == 0 {
		cfg.FetchWorkers = 5
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 2
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	user, pass := ResolveCredentials(cfg.Username, cfg.Credential)

	endpoints := make(map[string]string, len(builtinEndpoints))
	for k, v := range builtinEndpoints {
		endpoints[k] = v
	}

	return &Client{
		httpClient: &http.Client{},
		cfg:        cfg,
		baseURL:    strings.TrimRight(cfg.SiteURL, "/"),
		username:   user,
		password:   pass,
		limiter:    limiter,
		sleep:      sleepContext,
		logger:     logger.With("component", "wordpress"),
		endpoints:  endpoints,
	}
}

func (c *Client) Method() domain.Method {
	return domain.MethodAPI
}

// Prepare checks the configuration, then that the site answers at all.
func (c *Client) Prepare(ctx context.Context) error {
	if c.baseURL == "" {
		return fmt.Errorf("wordpress site url: %w", domain.ErrNotConfigured)
	}
	if c.cfg.Credential == "" {
		return fmt.Errorf("wordpress credential: %w", domain.ErrNotConfigured)
	}
	if _, err := c.siteInfo(ctx); err != nil {
		return fmt.Errorf("reach %s: %w", c.baseURL, err)
	}
	c.ensureTypes(ctx)
	return nil
}

// ensureTypes registers custom type endpoints once. Failure only limits
// writes to the built-in types.
func (c *Client) ensureTypes(ctx context.Context) {
	c.mu.RLock()
	loaded := c.typesLoaded
	c.mu.RUnlock()
	if loaded {
		return
	}
	if _, err := c.DiscoverTypes(ctx); err != nil {
		c.logger.Warn("custom content types unavailable", "error", err)
	}
}

// TestConnection validates credentials and discovers custom content types.
// A failure to list types does not fail the connection test.
func (c *Client) TestConnection(ctx context.Context) (*ConnectionInfo, error) {
	if c.baseURL == "" || c.cfg.Credential == "" {
		return nil, fmt.Errorf("test connection: %w", domain.ErrNotConfigured)
	}

	site, err := c.siteInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("test connection: %w", err)
	}

	info := &ConnectionInfo{SiteName: site.Name}
	types, err := c.DiscoverTypes(ctx)
	if err != nil {
		c.logger.Warn("custom type discovery failed", "error", err)
	}
	info.Types = types

	c.logger.Info("connected to wordpress", "site", site.Name, "custom_types", len(types))
	return info, nil
}

func (c *Client) siteInfo(ctx context.Context) (*siteJSON, error) {
	var site siteJSON
	_, err := c.retry(ctx, "test connection", func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/wp-json", nil, c.cfg.Timeout)
		if err != nil {
			return err
		}
		return decode(resp, &site)
	})
	if err != nil {
		return nil, err
	}
	return &site, nil
}

// DiscoverTypes lists custom post types and registers their endpoints.
func (c *Client) DiscoverTypes(ctx context.Context) ([]ContentType, error) {
	var all map[string]ContentType
	_, err := c.retry(ctx, "fetch types", func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/wp-json/wp/v2/types", nil, typesTimeout)
		if err != nil {
			return err
		}
		return decode(resp, &all)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch types: %w", err)
	}

	types := make([]ContentType, 0, len(all))
	c.mu.Lock()
	for slug, t := range all {
		if excludedTypes[slug] || t.RestBase == "" {
			continue
		}
		if t.Slug == "" {
			t.Slug = slug
		}
		c.endpoints[t.Slug] = t.RestBase
		types = append(types, t)
	}
	c.typesLoaded = true
	c.mu.Unlock()

	sortTypes(types)
	return types, nil
}

func (c *Client) endpoint(contentType string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ep, ok := c.endpoints[contentType]
	if !ok {
		return "", fmt.Errorf("unknown content type %q", contentType)
	}
	return ep, nil
}

// ListOptions narrows a list request.
type ListOptions struct {
	PerPage  int
	Category int
}

// FetchPage fetches one page of items with embedded media.
func (c *Client) FetchPage(ctx context.Context, contentType string, page int, opts ListOptions) (*Page, error) {
	ep, err := c.endpoint(contentType)
	if err != nil {
		return nil, err
	}

	perPage := opts.PerPage
	if perPage == 0 {
		perPage = c.cfg.PerPage
	}

	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	q.Set("_embed", "true")
	if opts.Category > 0 {
		switch contentType {
		case "post":
			q.Set("categories", strconv.Itoa(opts.Category))
		case "product":
			q.Set("product_cat", strconv.Itoa(opts.Category))
		}
	}
	target := fmt.Sprintf("%s/wp-json/wp/v2/%s?%s", c.baseURL, ep, q.Encode())

	var result Page
	_, err = c.retry(ctx, "list "+contentType, func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodGet, target, nil, c.cfg.ListTimeout)
		if err != nil {
			return err
		}
		var items []Item
		if err := decode(resp, &items); err != nil {
			return err
		}
		result = Page{
			Items:      items,
			Total:      headerInt(resp.header, "X-WP-Total"),
			TotalPages: headerInt(resp.header, "X-WP-TotalPages"),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s page %d: %w", contentType, page, err)
	}

	c.logger.Debug("fetched page",
		"type", contentType,
		"page", page,
		"items", len(result.Items),
		"total_pages", result.TotalPages,
	)
	return &result, nil
}

// FetchAll fetches the first page to learn the page count, then the rest
// in parallel. Items keep page order.
func (c *Client) FetchAll(ctx context.Context, contentType string, opts ListOptions) ([]Item, error) {
	if _, err := c.endpoint(contentType); err != nil {
		c.ensureTypes(ctx)
	}
	first, err := c.FetchPage(ctx, contentType, 1, opts)
	if err != nil {
		return nil, err
	}
	if first.TotalPages <= 1 {
		return first.Items, nil
	}

	pages := make([][]Item, first.TotalPages)
	pages[0] = first.Items

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.FetchWorkers)
	for p := 2; p <= first.TotalPages; p++ {
		g.Go(func() error {
			page, err := c.FetchPage(gctx, contentType, p, opts)
			if err != nil {
				return err
			}
			pages[p-1] = page.Items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	items := make([]Item, 0, first.Total)
	for _, p := range pages {
		items = append(items, p...)
	}
	return items, nil
}

// FetchItem fetches a single item.
func (c *Client) FetchItem(ctx context.Context, contentType string, id int64) (*Item, error) {
	if _, err := c.endpoint(contentType); err != nil {
		c.ensureTypes(ctx)
	}
	ep, err := c.endpoint(contentType)
	if err != nil {
		return nil, err
	}

	var item *Item
	_, err = c.retry(ctx, "fetch item", func(ctx context.Context) error {
		got, err := c.getItem(ctx, ep, id)
		if err != nil {
			return err
		}
		item = got
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s %d: %w", contentType, id, err)
	}
	return item, nil
}

func (c *Client) getItem(ctx context.Context, endpoint string, id int64) (*Item, error) {
	resp, err := c.do(ctx, http.MethodGet, c.itemURL(endpoint, id), nil, c.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	var item Item
	if err := decode(resp, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (c *Client) itemURL(endpoint string, id int64) string {
	return fmt.Sprintf("%s/wp-json/wp/v2/%s/%d", c.baseURL, endpoint, id)
}

// WriteMetadata re-fetches the item, detects its SEO convention and posts
// the record's values to every key of that convention.
func (c *Client) WriteMetadata(ctx context.Context, rec domain.ContentRecord) (domain.WriteResult, error) {
	ep, err := c.endpoint(rec.Type)
	if err != nil {
		return domain.WriteResult{Attempts: 1}, err
	}

	var conv seo.Convention
	attempts, err := c.retry(ctx, "update item", func(ctx context.Context) error {
		item, err := c.getItem(ctx, ep, rec.ID)
		if err != nil {
			return err
		}

		plan := seo.Plan(item.Payload(), rec.SEOTitle, rec.SEODescription)
		conv = plan.Convention

		body, err := json.Marshal(updateBody(plan, rec))
		if err != nil {
			return permanent(fmt.Errorf("encode update: %w", err))
		}

		_, err = c.do(ctx, http.MethodPost, c.itemURL(ep, rec.ID), body, c.cfg.Timeout)
		return err
	})
	result := domain.WriteResult{Attempts: attempts}
	if err != nil {
		return result, err
	}

	result.Message = "updated via " + conv.String()
	c.logger.Debug("updated item",
		"record_id", rec.ID,
		"type", rec.Type,
		"convention", conv.String(),
		"attempts", attempts,
	)
	return result, nil
}

func updateBody(plan seo.WritePlan, rec domain.ContentRecord) map[string]any {
	body := make(map[string]any, len(plan.Root)+2)
	for k, v := range plan.Root {
		body[k] = v
	}
	body["meta"] = plan.Meta
	if rec.H1Changed() {
		body["title"] = rec.TitleH1
	}
	return body
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// do performs one request bounded by timeout. Non-2xx statuses are
// returned as *StatusError.
func (c *Client) do(ctx context.Context, method, target string, body []byte, timeout time.Duration) (*response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target, reader)
	if err != nil {
		return nil, permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Cache-Control", "no-cache")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(data), maxErrorBody)}
	}

	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func decode(resp *response, v any) error {
	if err := json.Unmarshal(resp.body, v); err != nil {
		return permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func headerInt(h http.Header, key string) int {
	n, err := strconv.Atoi(h.Get(key))
	if err != nil {
		return 0
	}
	return n
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// IsStatus reports whether err carries the given HTTP status.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
