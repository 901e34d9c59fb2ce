// Package search provides the web search provider backed by the Google
// Custom Search JSON API.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/api/customsearch/v1"
	"google.golang.org/api/option"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// DefaultResults is the number of results requested per query.
const DefaultResults = 5

// ErrUnavailable is returned when search is not configured.
var ErrUnavailable = fmt.Errorf("web search: %w", models.ErrNotConfigured)

// searchVerbs are stripped from the front of a query before it is sent.
var searchVerbs = []string{"please", "can you", "could you", "search for", "search", "look up", "lookup", "find me", "google"}

// listFunc runs one Custom Search query.
type listFunc func(ctx context.Context, query string, num int64) (*customsearch.Search, error)

// Opts holds configuration for the Google provider.
type Opts struct {
	APIKey   string
	EngineID string
	Results  int64
}

// Option defines a function for configuring Opts.
type Option func(*Opts)

// WithAPIKey sets the Custom Search API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithEngineID sets the programmable search engine id (cx).
func WithEngineID(cx string) Option {
	return func(o *Opts) {
		o.EngineID = cx
	}
}

// WithResults sets how many results are requested.
func WithResults(n int64) Option {
	return func(o *Opts) {
		o.Results = n
	}
}

// GoogleProvider searches the web through Google Custom Search.
type GoogleProvider struct {
	list    listFunc
	results int64
}

// NewGoogleProvider creates the provider. It returns ErrUnavailable when the
// API key or engine id is missing.
func NewGoogleProvider(ctx context.Context, opts ...Option) (*GoogleProvider, error) {
	cfg := Opts{Results: DefaultResults}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" || cfg.EngineID == "" {
		return nil, ErrUnavailable
	}
	svc, err := customsearch.NewService(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		slog.Error("GoogleProvider.NewGoogleProvider: failed to create service", "error", err)
		return nil, fmt.Errorf("failed to create custom search service: %w", err)
	}
	cx := cfg.EngineID
	list := func(ctx context.Context, query string, num int64) (*customsearch.Search, error) {
		return svc.Cse.List().Cx(cx).Q(query).Num(num).Context(ctx).Do()
	}
	slog.Debug("GoogleProvider.NewGoogleProvider: provider created", "results", cfg.Results)
	return &GoogleProvider{list: list, results: cfg.Results}, nil
}

// Search implements flow.SearchProvider and formats the results as a
// numbered list.
func (g *GoogleProvider) Search(ctx context.Context, query string) (string, error) {
	q := CleanQuery(query)
	if q == "" {
		return "", fmt.Errorf("empty search query")
	}
	slog.Debug("GoogleProvider.Search: searching", "query", q)
	res, err := g.list(ctx, q, g.results)
	if err != nil {
		slog.Error("GoogleProvider.Search: request failed", "query", q, "error", err)
		return "", fmt.Errorf("custom search request failed: %w", err)
	}
	if res == nil || len(res.Items) == 0 {
		return fmt.Sprintf("I couldn't find any results for \"%s\".", q), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Here is what I found for \"%s\":\n", q)
	for i, item := range res.Items {
		fmt.Fprintf(&b, "\n%d. **%s**", i+1, strings.TrimSpace(item.Title))
		if s := strings.TrimSpace(strings.ReplaceAll(item.Snippet, "\n", " ")); s != "" {
			fmt.Fprintf(&b, "\n   %s", s)
		}
		if item.Link != "" {
			fmt.Fprintf(&b, "\n   %s", item.Link)
		}
	}
	slog.Debug("GoogleProvider.Search: results formatted", "query", q, "count", len(res.Items))
	return b.String(), nil
}

// CleanQuery removes leading request phrases such as "search for" or
// "can you look up" from query.
func CleanQuery(query string) string {
	q := strings.TrimSpace(query)
	for changed := true; changed; {
		changed = false
		lower := strings.ToLower(q)
		for _, v := range searchVerbs {
			if strings.HasPrefix(lower, v+" ") || lower == v {
				q = strings.TrimSpace(q[len(v):])
				changed = true
				break
			}
		}
	}
	return strings.TrimSpace(strings.TrimRight(q, "?!. "))
}

// Unavailable is a SearchProvider used when search is not configured.
type Unavailable struct{}

// Search always returns ErrUnavailable.
func (Unavailable) Search(ctx context.Context, query string) (string, error) {
	return "", ErrUnavailable
}
