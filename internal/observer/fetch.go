package observer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"leetbuddy/internal/metrics"
	"leetbuddy/internal/problem"
)

// DefaultGraphQLEndpoint is the site's GraphQL endpoint.
const DefaultGraphQLEndpoint = "https://leetcode.com/graphql/"

var (
	// ErrFetchFailed covers network errors, non-success statuses and
	// malformed payloads.
	ErrFetchFailed = errors.New("observer: metadata fetch failed")
	// ErrPaidOnly is returned for problems the session cannot view.
	ErrPaidOnly = errors.New("observer: problem is paid-only")
)

// Auth carries the page's credentials for the metadata request.
type Auth struct {
	CSRFToken string
	Cookie    string
}

// Fetcher looks up problem metadata remotely.
type Fetcher interface {
	Fetch(ctx context.Context, slug string, auth Auth) (problem.Metadata, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, slug string, auth Auth) (problem.Metadata, error)

func (f FetcherFunc) Fetch(ctx context.Context, slug string, auth Auth) (problem.Metadata, error) {
	return f(ctx, slug, auth)
}

const questionQuery = `
    query q($titleSlug: String!) {
      question(titleSlug: $titleSlug) {
        title
        difficulty
        isPaidOnly
        topicTags { name slug }
      }
    }`

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLResponse struct {
	Data struct {
		Question *struct {
			Title      string `json:"title"`
			Difficulty string `json:"difficulty"`
			IsPaidOnly bool   `json:"isPaidOnly"`
			TopicTags  []struct {
				Name string `json:"name"`
			} `json:"topicTags"`
		} `json:"question"`
	} `json:"data"`
}

// BreakerConfig configures the circuit breaker around the endpoint.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker. Zero disables it.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// GraphQLFetcher queries the site's GraphQL API. Each call is a single
// attempt; there are no retries.
type GraphQLFetcher struct {
	endpoint string
	origin   string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// GraphQLOption configures a GraphQLFetcher.
type GraphQLOption func(*GraphQLFetcher)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) GraphQLOption {
	return func(f *GraphQLFetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithOrigin sets the Origin and Referer headers sent with each request.
func WithOrigin(origin string) GraphQLOption {
	return func(f *GraphQLFetcher) { f.origin = strings.TrimRight(origin, "/") }
}

// WithBreaker wraps the endpoint in a circuit breaker. While open, lookups
// fail immediately and the caller falls back to page data.
func WithBreaker(cfg BreakerConfig) GraphQLOption {
	return func(f *GraphQLFetcher) {
		if cfg.ConsecutiveFailures == 0 {
			f.breaker = nil
			return
		}
		f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "metadata",
			MaxRequests: 1,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				f.logger.Info("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
			IsSuccessful: func(err error) bool {
				// Cancellation and paid-only answers say nothing about endpoint health.
				return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrPaidOnly)
			},
		})
	}
}

// WithFetchLogger sets the logger.
func WithFetchLogger(l *slog.Logger) GraphQLOption {
	return func(f *GraphQLFetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithFetchMetrics enables fetch counters.
func WithFetchMetrics(m *metrics.Metrics) GraphQLOption {
	return func(f *GraphQLFetcher) { f.metrics = m }
}

// NewGraphQLFetcher returns a fetcher for endpoint.
func NewGraphQLFetcher(endpoint string, opts ...GraphQLOption) *GraphQLFetcher {
	if endpoint == "" {
		endpoint = DefaultGraphQLEndpoint
	}
	f := &GraphQLFetcher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the metadata for slug.
func (f *GraphQLFetcher) Fetch(ctx context.Context, slug string, auth Auth) (problem.Metadata, error) {
	start := time.Now()
	meta, err := f.execute(ctx, slug, auth)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		f.metrics.RecordFetch(metrics.FetchOK, elapsed)
	case errors.Is(err, context.Canceled):
		f.metrics.RecordFetch(metrics.FetchCancelled, elapsed)
	case errors.Is(err, ErrPaidOnly):
		f.metrics.RecordFetch(metrics.FetchPaidOnly, elapsed)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		f.metrics.RecordFetch(metrics.FetchBreakerOpen, 0)
		err = fmt.Errorf("%w: %v", ErrFetchFailed, err)
	default:
		f.metrics.RecordFetch(metrics.FetchFallback, elapsed)
	}
	return meta, err
}

func (f *GraphQLFetcher) execute(ctx context.Context, slug string, auth Auth) (problem.Metadata, error) {
	if f.breaker == nil {
		return f.query(ctx, slug, auth)
	}
	out, err := f.breaker.Execute(func() (any, error) {
		return f.query(ctx, slug, auth)
	})
	if err != nil {
		return problem.Metadata{}, err
	}
	return out.(problem.Metadata), nil
}

func (f *GraphQLFetcher) query(ctx context.Context, slug string, auth Auth) (problem.Metadata, error) {
	body, err := json.Marshal(graphQLRequest{
		Query:     questionQuery,
		Variables: map[string]any{"titleSlug": slug},
	})
	if err != nil {
		return problem.Metadata{}, fmt.Errorf("encode query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return problem.Metadata{}, fmt.Errorf("%w: build request: %v", ErrFetchFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-csrftoken", auth.CSRFToken)
	if auth.Cookie != "" {
		req.Header.Set("Cookie", auth.Cookie)
	}
	if f.origin != "" {
		req.Header.Set("Origin", f.origin)
		req.Header.Set("Referer", f.origin+"/problems/"+slug+"/")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return problem.Metadata{}, ctx.Err()
		}
		return problem.Metadata{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return problem.Metadata{}, fmt.Errorf("%w: status %d", ErrFetchFailed, resp.StatusCode)
	}

	var gr graphQLResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&gr); err != nil {
		if ctx.Err() != nil {
			return problem.Metadata{}, ctx.Err()
		}
		return problem.Metadata{}, fmt.Errorf("%w: decode response: %v", ErrFetchFailed, err)
	}
	q := gr.Data.Question
	if q == nil || q.Title == "" {
		return problem.Metadata{}, fmt.Errorf("%w: empty question", ErrFetchFailed)
	}
	if q.IsPaidOnly {
		return problem.Metadata{}, ErrPaidOnly
	}

	tags := make([]string, 0, len(q.TopicTags))
	for _, t := range q.TopicTags {
		if t.Name != "" {
			tags = append(tags, t.Name)
		}
	}
	return problem.Metadata{
		Slug:       slug,
		Title:      q.Title,
		Difficulty: problem.ParseDifficulty(q.Difficulty),
		Tags:       tags,
	}, nil
}
