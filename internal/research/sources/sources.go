// Package sources provides web search with provider selection, redis-backed
// query caching and optional article fetching.
package sources

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Research-as-a-Code/Research-as-a-Code/config"
)

// Result is one web search source.
type Result struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Content string `json:"content,omitempty"`
}

// Searcher discovers results for a query from one provider.
type Searcher interface {
	Discover(ctx context.Context, q string, k int) ([]Result, error)
}

// ErrUnsupportedProvider indicates a search.provider value the client does
// not know.
var ErrUnsupportedProvider = errors.New("unsupported search provider")

const maxParallelFetch = 4

// Client wraps a search provider with caching, URL normalisation and
// optional full-text fetching. A Client without an API key is valid and
// returns empty results.
type Client struct {
	searcher Searcher
	cache    *Cache
	fetcher  *Fetcher
	cfg      config.SearchConfig
	logger   *log.Logger
}

// NewClient builds a Client from the search config. rdb may be nil, which
// disables caching.
func NewClient(cfg config.SearchConfig, rdb *redis.Client) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[SEARCH] ", log.LstdFlags),
	}
	switch cfg.Provider {
	case "":
		// no provider configured, web search stays disabled
	case "brave":
		if cfg.BraveAPIKey != "" {
			c.searcher = &braveSearcher{apiKey: cfg.BraveAPIKey, client: httpClient(cfg.Timeout)}
		}
	case "serper":
		if cfg.SerperAPIKey != "" {
			c.searcher = &serperSearcher{apiKey: cfg.SerperAPIKey, client: httpClient(cfg.Timeout)}
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, cfg.Provider)
	}
	if cfg.Provider != "" && c.searcher == nil {
		c.logger.Printf("no %s api key configured, web search disabled", cfg.Provider)
	}
	if rdb != nil && cfg.CacheTTL > 0 {
		c.cache = NewCache(rdb, cfg.CacheTTL)
	}
	if cfg.FetchContent {
		c.fetcher = NewFetcher(cfg.Timeout, cfg.RenderJS)
	}
	return c, nil
}

// Enabled reports whether a provider key is configured.
func (c *Client) Enabled() bool {
	return c.searcher != nil
}

// Search runs the provider query and returns normalised results. A client
// without an API key returns an empty slice and no error.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	if c.searcher == nil {
		return nil, nil
	}
	k := c.cfg.MaxResults
	if k <= 0 {
		k = 5
	}

	key := cacheKey(c.cfg.Provider, query, k)
	if cached, ok := c.cache.Get(ctx, key); ok {
		c.logger.Printf("cache hit for %q", query)
		return cached, nil
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	results, err := c.searcher.Discover(ctx, query, k)
	if err != nil {
		return nil, fmt.Errorf("discover %q: %w", query, err)
	}
	for i := range results {
		results[i].ID = uuid.NewString()
		results[i].URL = NormalizeURL(results[i].URL)
		results[i].Title = StripTags(results[i].Title)
		results[i].Snippet = StripTags(results[i].Snippet)
	}
	if c.fetcher != nil {
		c.fetchContents(ctx, results)
	}

	c.cache.Put(ctx, key, results)
	c.logger.Printf("%s returned %d results for %q", c.cfg.Provider, len(results), query)
	return results, nil
}

// fetchContents enriches results with extracted article text, a few pages at
// a time. Fetch failures leave Content empty.
func (c *Client) fetchContents(ctx context.Context, results []Result) {
	sem := make(chan struct{}, maxParallelFetch)
	var wg sync.WaitGroup
	for i := range results {
		if results[i].URL == "" {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(r *Result) {
			defer wg.Done()
			defer func() { <-sem }()
			text, err := c.fetcher.Fetch(ctx, r.URL)
			if err != nil {
				c.logger.Printf("fetch %s: %v", r.URL, err)
				return
			}
			r.Content = text
		}(&results[i])
	}
	wg.Wait()
}

func httpClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
