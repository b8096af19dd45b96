// Package feedsource answers sub-queries from configured RSS/Atom feeds,
// standing in for the workflow API.
package feedsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html"

	"github.com/TobiSchelling/postscope/internal/retrieval"
)

const (
	maxPerFeed = 50
	maxTextLen = 600
	dateLayout = "2006-01-02"
	defaultTTL = 5 * time.Minute
)

// Feed is one configured feed.
type Feed struct {
	URL  string
	Name string
}

type cachedFeed struct {
	items   []entry
	fetched time.Time
}

// entry is a parsed feed item before query filtering.
type entry struct {
	item      retrieval.Item
	published time.Time
	lang      string
}

// Source retrieves posts from feeds. Parsed feeds are kept for a short TTL
// so the sub-queries of one search share a download.
type Source struct {
	feeds  []Feed
	parser *gofeed.Parser
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedFeed
}

// New creates a feed source.
func New(feeds []Feed) *Source {
	return &Source{
		feeds:  feeds,
		parser: gofeed.NewParser(),
		ttl:    defaultTTL,
		now:    time.Now,
		cache:  make(map[string]cachedFeed),
	}
}

// Retrieve returns feed entries matching query. Filter tokens lang:, since:
// and until: narrow the result; other key:value tokens are ignored.
func (s *Source) Retrieve(ctx context.Context, query, _ string) ([]retrieval.Item, error) {
	q := parseQuery(query)

	var (
		out    []retrieval.Item
		failed int
	)
	for _, f := range s.feeds {
		entries, err := s.load(ctx, f)
		if err != nil {
			failed++
			slog.Warn("failed to parse feed", "url", f.URL, "error", err)
			continue
		}
		for _, e := range entries {
			if q.matches(e) {
				out = append(out, e.item)
			}
		}
	}
	if failed > 0 && failed == len(s.feeds) {
		return nil, errors.New("all feeds failed")
	}
	return out, nil
}

func (s *Source) load(ctx context.Context, f Feed) ([]entry, error) {
	s.mu.Lock()
	c, ok := s.cache[f.URL]
	s.mu.Unlock()
	if ok && s.now().Sub(c.fetched) < s.ttl {
		return c.items, nil
	}

	feed, err := s.parser.ParseURLWithContext(f.URL, ctx)
	if err != nil {
		return nil, err
	}

	name := f.Name
	if name == "" {
		name = feed.Title
	}
	if name == "" {
		name = extractSourceName(f.URL)
	}

	var entries []entry
	for _, it := range feed.Items {
		if len(entries) >= maxPerFeed {
			break
		}
		if e, ok := parseItem(it, name, feed.Language); ok {
			entries = append(entries, e)
		}
	}
	slog.Debug("parsed feed", "source", name, "entries", len(entries))

	s.mu.Lock()
	s.cache[f.URL] = cachedFeed{items: entries, fetched: s.now()}
	s.mu.Unlock()
	return entries, nil
}

func parseItem(item *gofeed.Item, source, feedLang string) (entry, bool) {
	link := item.Link
	if link == "" {
		link = item.GUID
	}
	title := strings.TrimSpace(item.Title)
	if link == "" || title == "" {
		return entry{}, false
	}

	var content string
	if item.Content != "" {
		content = stripHTML(item.Content)
	} else if item.Description != "" {
		content = stripHTML(item.Description)
	}

	text := title
	if content != "" && content != title {
		text += ". " + content
	}
	if r := []rune(text); len(r) > maxTextLen {
		text = string(r[:maxTextLen]) + "..."
	}

	id := item.GUID
	if id == "" {
		id = link
	}

	e := entry{
		item: retrieval.Item{
			ID:        id,
			Text:      text,
			Author:    retrieval.Author{Username: slug(source), DisplayName: source},
			Links:     []string{link},
			Lang:      strings.ToLower(feedLang),
			Permalink: link,
		},
		lang: strings.ToLower(feedLang),
	}
	if len(item.Authors) > 0 && item.Authors[0] != nil && item.Authors[0].Name != "" {
		e.item.Author.DisplayName = item.Authors[0].Name + " (" + source + ")"
	}
	if item.Image != nil && item.Image.URL != "" {
		e.item.Media = []retrieval.Media{{Type: "image", URL: item.Image.URL}}
	}

	switch {
	case item.PublishedParsed != nil:
		e.published = *item.PublishedParsed
	case item.UpdatedParsed != nil:
		e.published = *item.UpdatedParsed
	}
	if !e.published.IsZero() {
		e.item.CreatedAt = e.published.UTC().Format(time.RFC3339)
	}
	return e, true
}

type feedQuery struct {
	keywords []string
	lang     string
	since    time.Time
	until    time.Time
}

func parseQuery(query string) feedQuery {
	var q feedQuery
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		key, val, ok := strings.Cut(tok, ":")
		if ok && val != "" && !strings.HasPrefix(val, "//") {
			switch key {
			case "lang":
				q.lang = val
			case "since":
				q.since, _ = time.Parse(dateLayout, val)
			case "until":
				if t, err := time.Parse(dateLayout, val); err == nil {
					q.until = t.AddDate(0, 0, 1)
				}
			}
			continue
		}
		tok = strings.Trim(tok, `"'#()`)
		if tok == "" || tok == "or" || tok == "and" || strings.HasPrefix(tok, "-") {
			continue
		}
		q.keywords = append(q.keywords, tok)
	}
	return q
}

// matches requires any keyword in the text. Language and dates only filter
// entries whose feed declares them.
func (q feedQuery) matches(e entry) bool {
	if q.lang != "" && e.lang != "" && !strings.HasPrefix(e.lang, q.lang) {
		return false
	}
	if !e.published.IsZero() {
		if !q.since.IsZero() && e.published.Before(q.since) {
			return false
		}
		if !q.until.IsZero() && !e.published.Before(q.until) {
			return false
		}
	}
	if len(q.keywords) == 0 {
		return true
	}
	text := strings.ToLower(e.item.Text)
	for _, k := range q.keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// stripHTML flattens an HTML fragment to whitespace-normalized text.
// Adjacent elements are separated by a space.
func stripHTML(text string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return strings.Join(strings.Fields(text), " ")
	}
	doc.Find("script, style").Remove()

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range doc.Nodes {
		walk(n)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func extractSourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return feedURL
	}
	host := strings.ToLower(u.Hostname())
	for _, prefix := range []string{"www.", "blog.", "blogs.", "rss.", "feeds."} {
		host = strings.TrimPrefix(host, prefix)
	}

	parts := strings.Split(host, ".")
	name := host
	if len(parts) >= 2 {
		name = parts[len(parts)-2]
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

func slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return fmt.Sprintf("feed_%d", len(name))
	}
	return b.String()
}
