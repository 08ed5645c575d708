// Package feed is the client for a ranked listing feed provider's OData
// list and media endpoints.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-sync/internal/config"
	"github.com/sells-group/listing-sync/internal/fetcher"
	"github.com/sells-group/listing-sync/internal/model"
	"github.com/sells-group/listing-sync/internal/monitoring"
	"github.com/sells-group/listing-sync/internal/resilience"
	"github.com/sells-group/listing-sync/pkg/odata"
)

const (
	defaultPageSize = 100
	maxMediaTop     = model.MaxMediaItems
)

// PageRequest describes one list-page fetch.
type PageRequest struct {
	Strategy Strategy
	Top      int
	NextLink string
	Cursor   model.Cursor
	// Floor bounds a cursor scan to records modified at or after it.
	Floor time.Time
	// Extra is and-ed onto the composed filter.
	Extra string
}

// Page is the result of one list fetch. A Failed page carries no items and
// no continuation.
type Page struct {
	Items   []*model.RawRecord
	Next    string
	Dropped int
	Failed  bool
	URL     string
	// Top is the effective page size the request asked for.
	Top int
}

// Source is the provider surface the orchestration jobs depend on.
type Source interface {
	Slug() string
	Rank() int
	KeyField() string
	TimestampField() string
	FetchPage(ctx context.Context, req PageRequest) (*Page, error)
	FetchByIDs(ctx context.Context, ids []string) (*Page, error)
}

// MediaSource fetches a listing's media list.
type MediaSource interface {
	Slug() string
	FetchMedia(ctx context.Context, resourceKey string, top int) ([]model.RawMedia, error)
}

type envelope struct {
	Value    []json.RawMessage `json:"value"`
	NextLink string            `json:"@odata.nextLink"`
}

// Client talks to one provider.
type Client struct {
	cfg     config.ProviderConfig
	fetch   fetcher.Fetcher
	breaker *resilience.CircuitBreaker
	now     func() time.Time
	log     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithClock overrides the wall clock used for cursor clamping.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithBreaker guards list fetches with a circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// NewClient creates a provider client.
func NewClient(cfg config.ProviderConfig, f fetcher.Fetcher, opts ...Option) *Client {
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = defaultPageSize
	}
	if cfg.KeyField == "" {
		cfg.KeyField = "ListingKey"
	}
	if cfg.TimestampField == "" {
		cfg.TimestampField = "ModificationTimestamp"
	}
	if cfg.IDField == "" {
		cfg.IDField = "ListingId"
	}
	c := &Client{
		cfg:   cfg,
		fetch: f,
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "feed"), zap.String("provider", cfg.Slug)),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Slug returns the provider slug.
func (c *Client) Slug() string { return c.cfg.Slug }

// Rank returns the provider's configured trust rank.
func (c *Client) Rank() int { return c.cfg.Rank }

// KeyField returns the record field used as the keyset tie-breaker.
func (c *Client) KeyField() string { return c.cfg.KeyField }

// TimestampField returns the record field used as the keyset timestamp.
func (c *Client) TimestampField() string { return c.cfg.TimestampField }

func (c *Client) clampTop(top int) int {
	if top <= 0 || top > c.cfg.MaxPageSize {
		return c.cfg.MaxPageSize
	}
	return top
}

func (c *Client) header() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	return h
}

// PageURL builds the list URL for req without fetching it.
func (c *Client) PageURL(req PageRequest) (string, error) {
	switch req.Strategy {
	case StrategyNextLink:
		if req.NextLink == "" {
			return "", eris.New("feed: next_link strategy without a link")
		}
		return req.NextLink, nil
	case StrategyCursor, StrategyBaseOnly:
	default:
		return "", eris.Errorf("feed: unknown strategy %d", req.Strategy)
	}

	filter := c.cfg.BaseFilter
	if req.Strategy == StrategyCursor {
		filter = CursorFilter(c.cfg.BaseFilter, c.cfg.TimestampField, c.cfg.KeyField, req.Cursor, req.Floor, c.now())
	}
	q := odata.Query{
		Select:  c.cfg.Select,
		Filter:  odata.And(filter, req.Extra),
		OrderBy: []string{c.cfg.TimestampField + " asc", c.cfg.KeyField + " asc"},
		Top:     c.clampTop(req.Top),
	}
	u, err := q.URL(c.cfg.ListURL)
	if err != nil {
		return "", eris.Wrap(err, "feed: build list url")
	}
	return u, nil
}

// FetchPage fetches one page. Transport failures, non-2xx responses, an open
// circuit and undecodable envelopes are logged and returned as a Failed page;
// an error is returned only for an invalid request or a done context.
func (c *Client) FetchPage(ctx context.Context, req PageRequest) (*Page, error) {
	u, err := c.PageURL(req)
	if err != nil {
		return nil, err
	}
	page, err := c.fetchList(ctx, u)
	if page != nil {
		page.Top = c.clampTop(req.Top)
	}
	return page, err
}

// FetchByIDs fetches the listings whose id field matches ids, in one request.
func (c *Client) FetchByIDs(ctx context.Context, ids []string) (*Page, error) {
	if len(ids) == 0 {
		return &Page{}, nil
	}
	q := odata.Query{
		Select: c.cfg.Select,
		Filter: odata.In(c.cfg.IDField, ids),
		Top:    c.clampTop(len(ids)),
	}
	u, err := q.URL(c.cfg.ListURL)
	if err != nil {
		return nil, eris.Wrap(err, "feed: build by-id url")
	}
	return c.fetchList(ctx, u)
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	if c.breaker == nil {
		return c.fetch.Get(ctx, u, c.header())
	}
	return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) ([]byte, error) {
		return c.fetch.Get(ctx, u, c.header())
	})
}

func (c *Client) fetchList(ctx context.Context, u string) (*Page, error) {
	body, err := c.get(ctx, u)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "feed: fetch page")
		}
		c.log.Warn("feed: list fetch failed", zap.String("url", u), zap.Error(err))
		monitoring.PagesTotal.WithLabelValues(c.cfg.Slug, "failed").Inc()
		return &Page{Failed: true, URL: u}, nil
	}

	env, err := fetcher.DecodeJSONObject[envelope](bytes.NewReader(body))
	if err != nil {
		c.log.Warn("feed: undecodable list response", zap.String("url", u), zap.Error(err))
		monitoring.PagesTotal.WithLabelValues(c.cfg.Slug, "failed").Inc()
		return &Page{Failed: true, URL: u}, nil
	}

	page := &Page{Next: env.NextLink, URL: u}
	for i, raw := range env.Value {
		rec, err := model.DecodeRawRecord(raw)
		if err != nil {
			page.Dropped++
			c.log.Debug("feed: dropped malformed item", zap.Int("index", i), zap.Error(err))
			continue
		}
		page.Items = append(page.Items, rec)
	}

	result := "ok"
	if len(page.Items) == 0 {
		result = "empty"
	}
	monitoring.PagesTotal.WithLabelValues(c.cfg.Slug, result).Inc()
	return page, nil
}

// FetchMedia returns up to top media items for a listing, newest first.
// Failures are returned as errors so the caller can retry.
func (c *Client) FetchMedia(ctx context.Context, resourceKey string, top int) ([]model.RawMedia, error) {
	if c.cfg.MediaURL == "" {
		return nil, eris.Errorf("feed: provider %s has no media url", c.cfg.Slug)
	}
	if resourceKey == "" {
		return nil, eris.New("feed: empty media resource key")
	}
	top = max(1, min(top, maxMediaTop))

	q := odata.Query{
		Filter:  odata.And(odata.Eq("ResourceRecordKey", resourceKey), odata.Eq("ResourceName", "Property")),
		OrderBy: []string{"ModificationTimestamp desc"},
		Top:     top,
	}
	u, err := q.URL(c.cfg.MediaURL)
	if err != nil {
		return nil, eris.Wrap(err, "feed: build media url")
	}

	body, err := c.fetch.Get(ctx, u, c.header())
	if err != nil {
		return nil, eris.Wrapf(err, "feed: fetch media for %s", resourceKey)
	}
	env, err := fetcher.DecodeJSONObject[envelope](bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrapf(err, "feed: decode media for %s", resourceKey)
	}

	items := make([]model.RawMedia, 0, len(env.Value))
	for _, raw := range env.Value {
		t := bytes.TrimSpace(raw)
		if len(t) == 0 || t[0] != '{' {
			continue
		}
		var m model.RawMedia
		if err := json.Unmarshal(t, &m); err != nil {
			continue
		}
		items = append(items, m)
	}
	if len(items) > top {
		items = items[:top]
	}
	return items, nil
}
