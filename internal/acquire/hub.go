package acquire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fractal-lba/mmlu-prep/internal/cache"
	"github.com/fractal-lba/mmlu-prep/internal/metrics"
	"github.com/fractal-lba/mmlu-prep/internal/mmlu"
)

const (
	// DefaultHubEndpoint is the Hugging Face datasets-server base URL.
	DefaultHubEndpoint = "https://datasets-server.huggingface.co"
	DefaultDataset     = "cais/mmlu"
	DefaultConfig      = "all"

	// maxPageSize is the largest page the rows endpoint serves.
	maxPageSize = 100
)

// HubSource fetches labeled MMLU splits from the datasets-server rows API, page by page.
type HubSource struct {
	endpoint string
	dataset  string
	config   string
	pageSize int

	client        *http.Client
	limiter       *rate.Limiter
	retry         RetryPolicy
	splitAttempts int
	pages         *cache.PageCache
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// HubOption customizes a HubSource.
type HubOption func(*HubSource)

// WithEndpoint overrides the datasets-server base URL.
func WithEndpoint(endpoint string) HubOption {
	return func(h *HubSource) { h.endpoint = strings.TrimRight(endpoint, "/") }
}

// WithDataset overrides the dataset name and config.
func WithDataset(dataset, config string) HubOption {
	return func(h *HubSource) {
		h.dataset = dataset
		h.config = config
	}
}

// WithPageSize sets rows per request, capped at the endpoint maximum.
func WithPageSize(n int) HubOption {
	return func(h *HubSource) {
		if n > 0 && n <= maxPageSize {
			h.pageSize = n
		}
	}
}

// WithRateLimit throttles page requests to rps with the given burst.
func WithRateLimit(rps float64, burst int) HubOption {
	return func(h *HubSource) { h.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithHubRetry sets the per-page retry policy.
func WithHubRetry(p RetryPolicy) HubOption {
	return func(h *HubSource) { h.retry = p }
}

// WithSplitAttempts sets how many times Fetch restarts a split whose paging failed with a
// transient error. Pages decoded by earlier attempts come from the page cache.
func WithSplitAttempts(n int) HubOption {
	return func(h *HubSource) {
		if n > 0 {
			h.splitAttempts = n
		}
	}
}

// WithHubClient sets the HTTP client.
func WithHubClient(c *http.Client) HubOption {
	return func(h *HubSource) { h.client = c }
}

// WithPageCache serves repeated page requests from c.
func WithPageCache(c *cache.PageCache) HubOption {
	return func(h *HubSource) { h.pages = c }
}

// WithHubMetrics records page and record counters on m.
func WithHubMetrics(m *metrics.Metrics) HubOption {
	return func(h *HubSource) { h.metrics = m }
}

// WithHubLogger sets the logger.
func WithHubLogger(l *zap.Logger) HubOption {
	return func(h *HubSource) { h.logger = l }
}

// NewHubSource creates a hub source for cais/mmlu "all" with conservative defaults.
func NewHubSource(opts ...HubOption) *HubSource {
	h := &HubSource{
		endpoint: DefaultHubEndpoint,
		dataset:  DefaultDataset,
		config:   DefaultConfig,
		pageSize: maxPageSize,
		client:   &http.Client{Timeout: 60 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(5), 5),
		retry:    DefaultRetryPolicy(),
		logger:   zap.NewNop(),

		splitAttempts: 2,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Fetch downloads the test, dev and validation splits. A split that fails with a transient error
// is fetched again, up to the configured number of attempts.
func (h *HubSource) Fetch(ctx context.Context) (mmlu.Dataset, error) {
	d := mmlu.Dataset{}
	for _, split := range mmlu.Splits {
		qs, err := h.fetchSplitWithRetry(ctx, split)
		if err != nil {
			return nil, err
		}
		d[split] = qs
	}

	if h.pages != nil {
		stats := h.pages.Stats()
		h.logger.Info("hub page cache",
			zap.Uint64("hits", stats.Hits),
			zap.Uint64("misses", stats.Misses),
			zap.Int("size", stats.Size))
	}
	h.logger.Info("fetched dataset", zap.String("dataset", h.dataset), zap.Int("records", d.Len()))
	return d, nil
}

func (h *HubSource) fetchSplitWithRetry(ctx context.Context, split mmlu.Split) ([]mmlu.Question, error) {
	var err error
	for attempt := 1; attempt <= h.splitAttempts; attempt++ {
		var qs []mmlu.Question
		qs, err = h.FetchSplit(ctx, split)
		if err == nil {
			return qs, nil
		}
		if !transient(ctx, err) {
			return nil, err
		}
		h.logger.Warn("split fetch failed",
			zap.String("split", string(split)),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return nil, err
}

// transient reports whether restarting a split could get past err.
func transient(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, mmlu.ErrInvalidRecord) {
		return false
	}
	var serr *StatusError
	if errors.As(err, &serr) {
		return retryable(serr.StatusCode)
	}
	return true
}

// FetchSplit downloads every row of one split in source order.
func (h *HubSource) FetchSplit(ctx context.Context, split mmlu.Split) ([]mmlu.Question, error) {
	var (
		records []mmlu.Question
		total   = -1
	)
	for offset := 0; total < 0 || offset < total; {
		key := cache.PageKey{Dataset: h.dataset, Config: h.config, Split: split, Offset: offset, Length: h.pageSize}
		page, err := h.page(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s split: %w", split, err)
		}
		total = page.Total
		if len(page.Records) == 0 && offset < total {
			return nil, fmt.Errorf("failed to fetch %s split: empty page at offset %d of %d", split, offset, total)
		}
		records = append(records, page.Records...)
		offset += len(page.Records)
	}

	if h.metrics != nil {
		h.metrics.RecordsFetched.WithLabelValues(string(split)).Add(float64(len(records)))
	}
	h.logger.Info("fetched split",
		zap.String("dataset", h.dataset),
		zap.String("split", string(split)),
		zap.Int("records", len(records)))
	return records, nil
}

type rowsResponse struct {
	Rows []struct {
		RowIdx int           `json:"row_idx"`
		Row    mmlu.Question `json:"row"`
	} `json:"rows"`
	NumRowsTotal int `json:"num_rows_total"`
}

func (h *HubSource) page(ctx context.Context, key cache.PageKey) (cache.Page, error) {
	if h.pages != nil {
		if p, ok := h.pages.Get(key); ok {
			if h.metrics != nil {
				h.metrics.HubPageCacheHit.Inc()
			}
			return p, nil
		}
	}

	if err := h.limiter.Wait(ctx); err != nil {
		return cache.Page{}, fmt.Errorf("rate limiter: %w", err)
	}

	start := time.Now()
	resp, err := get(ctx, h.client, h.rowsURL(key), h.retry)
	if h.metrics != nil {
		h.metrics.HubPages.Inc()
		h.metrics.HubPageSeconds.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return cache.Page{}, err
	}
	defer resp.Body.Close()

	var body rowsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return cache.Page{}, fmt.Errorf("failed to decode rows page %s: %w", key, err)
	}

	page := cache.Page{Total: body.NumRowsTotal, Records: make([]mmlu.Question, 0, len(body.Rows))}
	for _, r := range body.Rows {
		if err := mmlu.Validate(r.Row); err != nil {
			return cache.Page{}, fmt.Errorf("row %d of %s: %w", r.RowIdx, key.Split, err)
		}
		page.Records = append(page.Records, r.Row)
	}

	h.logger.Debug("fetched page",
		zap.Stringer("page", key),
		zap.Int("rows", len(page.Records)),
		zap.Duration("took", time.Since(start)))

	if h.pages != nil {
		h.pages.Put(key, page)
	}
	return page, nil
}

func (h *HubSource) rowsURL(key cache.PageKey) string {
	q := url.Values{}
	q.Set("dataset", key.Dataset)
	q.Set("config", key.Config)
	q.Set("split", string(key.Split))
	q.Set("offset", strconv.Itoa(key.Offset))
	q.Set("length", strconv.Itoa(key.Length))
	return h.endpoint + "/rows?" + q.Encode()
}
