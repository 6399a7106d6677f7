package executor

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// SearchResult is one hit returned by search().
type SearchResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// Searcher backs the search() helper available to executed code.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// DuckDuckGo searches through the DuckDuckGo HTML endpoint. It needs no API
// key.
type DuckDuckGo struct {
	BaseURL    string
	UserAgent  string
	HTTPClient *http.Client
}

// DuckDuckGoOption configures a DuckDuckGo searcher.
type DuckDuckGoOption func(*DuckDuckGo)

// WithSearchBaseURL overrides the endpoint, e.g. for tests.
func WithSearchBaseURL(baseURL string) DuckDuckGoOption {
	return func(d *DuckDuckGo) {
		d.BaseURL = baseURL
	}
}

// WithSearchHTTPClient sets the HTTP client.
func WithSearchHTTPClient(c *http.Client) DuckDuckGoOption {
	return func(d *DuckDuckGo) {
		d.HTTPClient = c
	}
}

// NewDuckDuckGo creates a searcher with a 15s HTTP timeout.
func NewDuckDuckGo(opts ...DuckDuckGoOption) *DuckDuckGo {
	d := &DuckDuckGo{
		BaseURL:    "https://html.duckduckgo.com/html/",
		UserAgent:  "Mozilla/5.0 (compatible; code-agent)",
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Search returns up to maxResults results for query.
func (d *DuckDuckGo) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search query is empty")
	}
	if maxResults <= 0 {
		maxResults = 5
	}

	form := url.Values{"q": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", d.UserAgent)

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse search results: %w", err)
	}

	var results []SearchResult
	doc.Find(".result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.HasClass("result--ad") {
			return true
		}
		a := s.Find("a.result__a").First()
		href, ok := a.Attr("href")
		if !ok {
			return true
		}
		results = append(results, SearchResult{
			Title:   strings.TrimSpace(a.Text()),
			Link:    resolveResultLink(href),
			Snippet: strings.TrimSpace(s.Find(".result__snippet").First().Text()),
		})
		return len(results) < maxResults
	})
	return results, nil
}

// resolveResultLink unwraps DuckDuckGo redirect links (/l/?uddg=...).
func resolveResultLink(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" && strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	return href
}
