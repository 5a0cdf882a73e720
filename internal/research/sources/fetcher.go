package sources

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"
)

const (
	fetchUserAgent  = "Research-as-a-Code/1.0 (+https://github.com/Research-as-a-Code)"
	maxCharsDefault = 20000
)

// Fetcher downloads a page and extracts its readable text. When renderJS is
// set, pages that yield no text over plain HTTP are retried through a
// headless browser.
type Fetcher struct {
	client   *http.Client
	renderJS bool
	maxChars int
}

// NewFetcher builds a Fetcher with the given per-request timeout.
func NewFetcher(timeout time.Duration, renderJS bool) *Fetcher {
	return &Fetcher{
		client:   httpClient(timeout),
		renderJS: renderJS,
		maxChars: maxCharsDefault,
	}
}

// Fetch returns the extracted article text for pageURL.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (string, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("invalid url %q", pageURL)
	}

	html, err := f.fetchPlain(ctx, pageURL)
	var text string
	if err == nil {
		text = f.extract(html, parsed)
	}
	if text == "" && f.renderJS {
		html, rerr := renderHTML(ctx, pageURL)
		if rerr != nil {
			if err != nil {
				return "", err
			}
			return "", rerr
		}
		text = f.extract(html, parsed)
	}
	if text == "" && err != nil {
		return "", err
	}
	if text == "" {
		return "", errors.New("no extractable text")
	}
	return text, nil
}

func (f *Fetcher) fetchPlain(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch: unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (f *Fetcher) extract(html string, pageURL *url.URL) string {
	article, err := readability.FromReader(bytes.NewReader([]byte(html)), pageURL)
	if err != nil {
		return ""
	}
	text := strings.TrimSpace(article.TextContent)
	if len(text) > f.maxChars {
		text = text[:f.maxChars]
	}
	return text
}

// renderHTML loads the page in a headless browser and returns the rendered
// document.
func renderHTML(ctx context.Context, pageURL string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(fetchUserAgent),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}
