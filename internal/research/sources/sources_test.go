package sources

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Research-as-a-Code/Research-as-a-Code/config"
)

type stubSearcher struct {
	results []Result
	err     error
	calls   int
}

var _ Searcher = (*stubSearcher)(nil)

func (s *stubSearcher) Discover(ctx context.Context, q string, k int) ([]Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]Result, len(s.results))
	copy(out, s.results)
	return out, nil
}

func testClientConfig() config.SearchConfig {
	return config.SearchConfig{
		Provider:   "brave",
		MaxResults: 5,
		Timeout:    5 * time.Second,
		CacheTTL:   time.Minute,
	}
}

func TestNewClientRejectsUnknownProvider(t *testing.T) {
	cfg := testClientConfig()
	cfg.Provider = "duckduckgo"
	if _, err := NewClient(cfg, nil); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected unsupported provider error, got %v", err)
	}
}

func TestSearchWithoutAPIKeyReturnsEmpty(t *testing.T) {
	client, err := NewClient(testClientConfig(), nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if client.Enabled() {
		t.Fatalf("client without key must be disabled")
	}
	results, err := client.Search(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty results, got %v", results)
	}
}

func TestSearchNormalisesResults(t *testing.T) {
	cfg := testClientConfig()
	cfg.BraveAPIKey = "key"
	client, err := NewClient(cfg, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	stub := &stubSearcher{results: []Result{
		{Title: "<b>Bold</b> title", URL: "HTTP://Example.com/a?utm_source=x&b=2&a=1", Snippet: "a &amp; b"},
	}}
	client.searcher = stub

	results, err := client.Search(context.Background(), "q")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.ID == "" {
		t.Fatalf("expected generated id")
	}
	if r.Title != "Bold title" {
		t.Fatalf("title not stripped: %q", r.Title)
	}
	if r.Snippet != "a & b" {
		t.Fatalf("snippet not unescaped: %q", r.Snippet)
	}
	if r.URL != "http://example.com/a?a=1&b=2" {
		t.Fatalf("url not normalised: %q", r.URL)
	}
}

func TestSearchUsesCache(t *testing.T) {
	cfg := testClientConfig()
	cfg.BraveAPIKey = "key"
	client, err := NewClient(cfg, testRedis(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	stub := &stubSearcher{results: []Result{{Title: "T", URL: "http://a"}}}
	client.searcher = stub

	if _, err := client.Search(context.Background(), "repeated"); err != nil {
		t.Fatalf("first Search: %v", err)
	}
	if _, err := client.Search(context.Background(), "repeated"); err != nil {
		t.Fatalf("second Search: %v", err)
	}
	if stub.calls != 1 {
		t.Fatalf("expected one provider call, got %d", stub.calls)
	}
}

func TestSearchWrapsProviderError(t *testing.T) {
	cfg := testClientConfig()
	cfg.BraveAPIKey = "key"
	client, err := NewClient(cfg, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	client.searcher = &stubSearcher{err: errors.New("rate limited")}

	if _, err := client.Search(context.Background(), "q"); err == nil {
		t.Fatalf("expected provider error to propagate")
	}
}
