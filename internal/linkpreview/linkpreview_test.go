package linkpreview

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/postscope/internal/retrieval"
)

const articleHTML = `<!DOCTYPE html>
<html><head><title>Agents in Production</title>
<meta property="og:site_name" content="Example Blog">
</head><body>
<article>
<h1>Agents in Production</h1>
<p>%s</p>
<p>%s</p>
</article>
</body></html>`

func TestFetchExtractsTitle(t *testing.T) {
	para := strings.Repeat("We ran language model agents against real workloads for three months. ", 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, articleHTML, para, para)
	}))
	defer srv.Close()

	f := NewFetcher(5 * time.Second)
	p, err := f.Fetch(context.Background(), srv.URL+"/post")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Contains(t, p.Title, "Agents in Production")
	assert.NotEmpty(t, p.Excerpt)
}

func TestFetchSkipsFailedDomain(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewFetcher(5 * time.Second)
	_, err := f.Fetch(context.Background(), srv.URL+"/a")
	assert.Error(t, err)

	p, err := f.Fetch(context.Background(), srv.URL+"/b")
	assert.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchRejectsNonHTTP(t *testing.T) {
	_, err := NewFetcher(0).Fetch(context.Background(), "ftp://example.com/file")
	assert.Error(t, err)
}

func TestEnrich(t *testing.T) {
	para := strings.Repeat("A long enough paragraph about model evaluation and tooling. ", 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, articleHTML, para, para)
	}))
	defer srv.Close()

	items := []retrieval.Item{
		{ID: "1", Text: "look", Links: []string{srv.URL + "/ok"}},
		{ID: "2", Text: "no links"},
		{ID: "3", Text: "broken", Links: []string{"::not a url"}},
	}
	previews := NewFetcher(5*time.Second).Enrich(context.Background(), items)
	require.Len(t, previews, 1)
	assert.Contains(t, previews["1"].Title, "Agents in Production")
}
