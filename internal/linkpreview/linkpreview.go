// Package linkpreview extracts titles and excerpts from outbound links.
package linkpreview

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/TobiSchelling/postscope/internal/retrieval"
)

const maxBodyBytes = 2 << 20

// Preview is the readable summary of a linked page.
type Preview struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	SiteName string `json:"site_name,omitempty"`
	Excerpt  string `json:"excerpt,omitempty"`
}

// Fetcher fetches link previews. A domain that answers with an HTTP error is
// skipped for the rest of the fetcher's life.
type Fetcher struct {
	client *http.Client

	mu            sync.Mutex
	failedDomains map[string]struct{}
}

// NewFetcher creates a fetcher with a per-request timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		failedDomains: make(map[string]struct{}),
	}
}

// Fetch returns the preview of pageURL, or nil when nothing readable was found.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (*Preview, error) {
	u, err := url.Parse(pageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("unsupported link %q", pageURL)
	}
	domain := strings.ToLower(u.Host)
	if f.domainFailed(domain) {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "postscope/1.0 (link preview)")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		f.markFailed(domain)
		return nil, &httpError{code: resp.StatusCode}
	}

	article, err := readability.FromReader(io.LimitReader(resp.Body, maxBodyBytes), u)
	if err != nil {
		return nil, nil
	}

	p := &Preview{
		URL:      pageURL,
		Title:    strings.TrimSpace(article.Title),
		SiteName: strings.TrimSpace(article.SiteName),
		Excerpt:  strings.TrimSpace(article.Excerpt),
	}
	if p.Excerpt == "" {
		p.Excerpt = clip(strings.Join(strings.Fields(article.TextContent), " "), 200)
	}
	if p.Title == "" && p.Excerpt == "" {
		return nil, nil
	}
	return p, nil
}

// Enrich fetches the first outbound link of each item and returns previews
// keyed by item id. Failures are logged and skipped.
func (f *Fetcher) Enrich(ctx context.Context, items []retrieval.Item) map[string]*Preview {
	out := make(map[string]*Preview)
	for _, it := range items {
		if len(it.Links) == 0 || ctx.Err() != nil {
			continue
		}
		p, err := f.Fetch(ctx, it.Links[0])
		if err != nil {
			slog.Debug("link preview failed", "url", it.Links[0], "error", err)
			continue
		}
		if p != nil {
			out[it.ID] = p
		}
	}
	slog.Info("link previews fetched", "items", len(items), "previews", len(out))
	return out
}

func (f *Fetcher) domainFailed(domain string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, failed := f.failedDomains[domain]
	return failed
}

func (f *Fetcher) markFailed(domain string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedDomains[domain] = struct{}{}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

type httpError struct {
	code int
}

func (e *httpError) Error() string {
	return http.StatusText(e.code)
}
