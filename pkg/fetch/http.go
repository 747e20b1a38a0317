package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/convoharvest/convoharvest/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for fetch operations.
var (
	fetchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_fetch_requests_total",
		Help: "Total fetch requests by status",
	}, []string{"status"})

	fetchRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_fetch_request_duration_seconds",
		Help:    "Fetch request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})

	fetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_fetch_errors_total",
		Help: "Total fetch errors by class",
	}, []string{"class"})
)

// HTTPConfig holds the HTTP fetcher configuration.
type HTTPConfig struct {
	// BaseURL of the conversation API, e.g. "https://api.example.com".
	BaseURL string

	// ListPath is the paginated collection endpoint.
	ListPath string

	// AuthToken is sent as a bearer token when non-empty.
	AuthToken string

	// UserAgent identifies this collector to the source (required).
	UserAgent string

	// PageSize requested per page (0 = source default).
	PageSize int

	// Timeout per HTTP request.
	Timeout time.Duration
}

// DefaultHTTPConfig returns a safe default configuration.
func DefaultHTTPConfig(baseURL string) HTTPConfig {
	return HTTPConfig{
		BaseURL:   baseURL,
		ListPath:  "/conversations",
		UserAgent: "convoharvest/0.1.0",
		PageSize:  50,
		Timeout:   30 * time.Second,
	}
}

// HTTPFetcher fetches pages from a cursor-paginated JSON API.
type HTTPFetcher struct {
	httpClient *http.Client
	gate       *ratelimit.Gate
	config     HTTPConfig
	logger     zerolog.Logger
}

var _ Fetcher = &HTTPFetcher{}

// pageEnvelope is the wire shape of a collection page.
type pageEnvelope struct {
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
}

// itemIdentity is the only part of an item the pipeline reads.
type itemIdentity struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id"`
}

// NewHTTPFetcher creates an HTTP fetcher. The rate-limit gate is optional;
// a nil gate disables request gating.
func NewHTTPFetcher(cfg HTTPConfig, gate *ratelimit.Gate) (*HTTPFetcher, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.ListPath == "" {
		cfg.ListPath = "/conversations"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &HTTPFetcher{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		gate:   gate,
		config: cfg,
		logger: log.With().Str("component", "fetcher").Logger(),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (f *HTTPFetcher) SetHTTPClient(client *http.Client) {
	f.httpClient = client
}

// FetchPage fetches one page of the collection. A 429 response is not an
// error: it is returned as a rate-limited page so the driver applies its
// own backoff policy.
func (f *HTTPFetcher) FetchPage(ctx context.Context, cursor string) (*Page, error) {
	startTime := time.Now()
	defer func() {
		fetchRequestDuration.Observe(time.Since(startTime).Seconds())
	}()

	if f.gate != nil {
		allowed, err := f.gate.Allow(ctx)
		if err != nil {
			return nil, &Error{Class: ClassNetwork, Message: "rate limit check", Err: err}
		}
		if !allowed {
			f.logger.Warn().Str("cursor", cursor).Msg("Request blocked by rate limit gate")
			fetchRequestsTotal.WithLabelValues("gated").Inc()
			return &Page{NextCursor: cursor, RateLimited: true}, nil
		}
	}

	req, err := f.buildRequest(ctx, cursor)
	if err != nil {
		return nil, &Error{Class: ClassMalformed, Message: "build request", Err: err}
	}

	f.logger.Debug().
		Str("cursor", cursor).
		Msg("Fetching page")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		fetchErrorsTotal.WithLabelValues(string(ClassNetwork)).Inc()
		fetchRequestsTotal.WithLabelValues("network_error").Inc()
		return nil, &Error{Class: ClassNetwork, Message: "http request failed", Err: err}
	}
	defer resp.Body.Close()

	if f.gate != nil {
		if err := f.gate.UpdateFromHeaders(ctx, resp.Header); err != nil {
			f.logger.Warn().Err(err).Msg("Failed to update rate limit state from headers")
		}
	}

	fetchRequestsTotal.WithLabelValues(fmt.Sprintf("%d", resp.StatusCode)).Inc()

	if resp.StatusCode == http.StatusTooManyRequests {
		f.logger.Warn().
			Str("cursor", cursor).
			Msg("Source rate limited the request")
		return &Page{NextCursor: cursor, RateLimited: true}, nil
	}

	if resp.StatusCode != http.StatusOK {
		class := classifyStatus(resp.StatusCode)
		fetchErrorsTotal.WithLabelValues(string(class)).Inc()
		f.logger.Warn().
			Str("cursor", cursor).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Fetch request error")
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Class:      class,
			Message:    resp.Status,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fetchErrorsTotal.WithLabelValues(string(ClassNetwork)).Inc()
		return nil, &Error{Class: ClassNetwork, Message: "read response body", Err: err}
	}

	page, err := decodePage(body)
	if err != nil {
		fetchErrorsTotal.WithLabelValues(string(ClassMalformed)).Inc()
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Class:      ClassMalformed,
			Message:    "decode page",
			Err:        err,
		}
	}

	f.logger.Debug().
		Str("cursor", cursor).
		Int("items", len(page.Items)).
		Str("next_cursor", page.NextCursor).
		Msg("Fetched page")

	return page, nil
}

func (f *HTTPFetcher) buildRequest(ctx context.Context, cursor string) (*http.Request, error) {
	u, err := url.Parse(f.config.BaseURL + f.config.ListPath)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if f.config.PageSize > 0 {
		q.Set("limit", fmt.Sprintf("%d", f.config.PageSize))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	if f.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.config.AuthToken)
	}
	return req, nil
}

// decodePage parses a page envelope and extracts each item's identity. An
// item without an "id" is a contract violation, not a skippable glitch.
func decodePage(body []byte) (*Page, error) {
	var env pageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}

	page := &Page{NextCursor: env.NextCursor}
	for i, raw := range env.Items {
		var ident itemIdentity
		if err := json.Unmarshal(raw, &ident); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		if ident.ID == "" {
			return nil, fmt.Errorf("item %d: missing id", i)
		}
		page.Items = append(page.Items, Item{
			ID:       ident.ID,
			ParentID: ident.ParentID,
			Raw:      raw,
		})
	}
	return page, nil
}

// classifyStatus categorizes a non-200 HTTP status for handling.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassAuth
	case status == http.StatusTooManyRequests:
		return ClassRateLimit
	case status >= 400 && status < 500:
		return ClassClient
	case status >= 500:
		return ClassServer
	default:
		return ClassNetwork
	}
}
