package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const resultsPage = `<html><body>
<div class="result results_links result--ad">
  <a class="result__a" href="https://ads.example/">Sponsored</a>
</div>
<div class="result results_links">
  <a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2F&amp;rut=abc">The Go Programming Language</a>
  <a class="result__snippet">Go is an open source programming language.</a>
</div>
<div class="result results_links">
  <a class="result__a" href="https://pkg.go.dev/">Go Packages</a>
  <div class="result__snippet"> Search packages. </div>
</div>
<div class="result results_links">
  <a class="result__a" href="https://go.dev/blog">Blog</a>
</div>
</body></html>`

func TestDuckDuckGoSearch(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotQuery = r.FormValue("q")
		_, _ = w.Write([]byte(resultsPage))
	}))
	defer srv.Close()

	d := NewDuckDuckGo(WithSearchBaseURL(srv.URL), WithSearchHTTPClient(srv.Client()))
	results, err := d.Search(context.Background(), "golang", 2)
	require.NoError(t, err)

	assert.Equal(t, "golang", gotQuery)
	require.Len(t, results, 2)
	assert.Equal(t, SearchResult{
		Title:   "The Go Programming Language",
		Link:    "https://go.dev/",
		Snippet: "Go is an open source programming language.",
	}, results[0])
	assert.Equal(t, "https://pkg.go.dev/", results[1].Link)
	assert.Equal(t, "Search packages.", results[1].Snippet)
}

func TestDuckDuckGoSearchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := NewDuckDuckGo(WithSearchBaseURL(srv.URL))
	_, err := d.Search(context.Background(), "golang", 5)
	assert.ErrorContains(t, err, "429")

	_, err = d.Search(context.Background(), "  ", 5)
	assert.Error(t, err)
}

func TestResolveResultLink(t *testing.T) {
	assert.Equal(t, "https://example.com/a b", resolveResultLink("//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fa%20b"))
	assert.Equal(t, "https://example.com", resolveResultLink("https://example.com"))
	assert.Equal(t, "https://example.com/x", resolveResultLink("//example.com/x"))
}
