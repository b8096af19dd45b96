// Package report writes a cited research report from aggregated posts.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/TobiSchelling/postscope/internal/linkpreview"
	"github.com/TobiSchelling/postscope/internal/llm"
	"github.com/TobiSchelling/postscope/internal/metrics"
	"github.com/TobiSchelling/postscope/internal/retrieval"
)

const reportPrompt = `You are writing a research report that answers a question using only the numbered social posts below.

Question: %s
Today's date: %s

Posts:
%s

Write the report in the language of the question, in markdown, with exactly three sections:
## Introduction
## Findings
## Conclusion

Cite posts inline with their numbers in square brackets, for example [1] or [2][5]. Cite only numbers from the list.
Do NOT add a references or sources list at the end. Do NOT wrap the output in code fences.`

const (
	maxPostChars    = 400
	maxExcerptChars = 160
)

// ErrNoItems is returned when there is nothing to report on.
var ErrNoItems = errors.New("no items to report on")

// Previewer enriches items with link previews keyed by item id.
type Previewer interface {
	Enrich(ctx context.Context, items []retrieval.Item) map[string]*linkpreview.Preview
}

// Reference is one numbered source of a report.
type Reference struct {
	N       int                  `json:"n"`
	Item    retrieval.Item       `json:"item"`
	Preview *linkpreview.Preview `json:"preview,omitempty"`
}

// Report is a generated report.
type Report struct {
	Query       string      `json:"query"`
	Body        string      `json:"body"`
	References  []Reference `json:"references"`
	GeneratedAt time.Time   `json:"generated_at"`
}

// Options configures a Generator.
type Options struct {
	MaxReferences int
	MaxTokens     int
	Retry         llm.RetryPolicy
}

// Generator produces reports through an LLM.
type Generator struct {
	provider  llm.Provider
	previewer Previewer
	opts      Options
}

// NewGenerator creates a report generator. previewer may be nil.
func NewGenerator(provider llm.Provider, previewer Previewer, opts Options) *Generator {
	if opts.MaxReferences <= 0 {
		opts.MaxReferences = 40
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2048
	}
	return &Generator{provider: provider, previewer: previewer, opts: opts}
}

// Generate writes a report answering query from items.
func (g *Generator) Generate(ctx context.Context, query string, items []retrieval.Item, now time.Time) (*Report, error) {
	if len(items) == 0 {
		return nil, ErrNoItems
	}
	if g.provider == nil {
		return nil, llm.ErrNotConfigured
	}

	refs := BuildReferences(items, g.opts.MaxReferences)
	if g.previewer != nil {
		selected := make([]retrieval.Item, len(refs))
		for i, r := range refs {
			selected[i] = r.Item
		}
		previews := g.previewer.Enrich(ctx, selected)
		for i := range refs {
			refs[i].Preview = previews[refs[i].Item.ID]
		}
	}

	prompt := fmt.Sprintf(reportPrompt, query, now.Format("2006-01-02"), FormatReferences(refs))
	text, err := llm.GenerateWithRetry(ctx, g.provider, prompt, g.opts.MaxTokens, g.opts.Retry)
	if err != nil {
		metrics.ReportsGenerated.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("generating report: %w", err)
	}

	body := CleanBody(text, len(refs))
	if body == "" {
		metrics.ReportsGenerated.WithLabelValues("error").Inc()
		return nil, errors.New("model returned an empty report")
	}

	metrics.ReportsGenerated.WithLabelValues("success").Inc()
	slog.Info("report generated", "query", query, "references", len(refs))
	return &Report{Query: query, Body: body, References: refs, GeneratedAt: now}, nil
}

// BuildReferences picks up to max items by engagement and numbers them from 1.
// Ties keep aggregate order.
func BuildReferences(items []retrieval.Item, max int) []Reference {
	picked := append([]retrieval.Item(nil), items...)
	sort.SliceStable(picked, func(i, j int) bool {
		return picked[i].Metrics.Engagement() > picked[j].Metrics.Engagement()
	})
	if max > 0 && len(picked) > max {
		picked = picked[:max]
	}

	refs := make([]Reference, len(picked))
	for i, it := range picked {
		refs[i] = Reference{N: i + 1, Item: it}
	}
	return refs
}

// FormatReferences renders the numbered list given to the model.
func FormatReferences(refs []Reference) string {
	var b strings.Builder
	for _, r := range refs {
		it := r.Item
		fmt.Fprintf(&b, "[%d] @%s", r.N, it.Author.Username)
		var meta []string
		if it.CreatedAt != "" {
			meta = append(meta, it.CreatedAt)
		}
		meta = append(meta, fmt.Sprintf("%d likes, %d reposts", it.Metrics.Likes, it.Metrics.Reposts))
		if it.Lang != "" {
			meta = append(meta, "lang "+it.Lang)
		}
		fmt.Fprintf(&b, " (%s): %s\n", strings.Join(meta, ", "), clip(oneLine(it.Text), maxPostChars))
		if r.Preview != nil && r.Preview.Title != "" {
			fmt.Fprintf(&b, "    Linked page: %s\n", r.Preview.Title)
		}
	}
	return b.String()
}

var (
	trailingRefsHeading = regexp.MustCompile(`(?i)^\s*(#{1,6}\s*)?(\*\*)?\s*(references|sources|citations|参考文献|参考资料|出典|参考)\s*(\*\*)?\s*:?\s*(\*\*)?\s*$`)
	citation            = regexp.MustCompile(`\[(\d+)\]`)
)

// CleanBody strips code fences, a trailing reference section the model added
// anyway, and citations outside 1..refCount.
func CleanBody(text string, refCount int) string {
	text = llm.StripCodeFences(text)

	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trailingRefsHeading.MatchString(lines[i]) {
			lines = lines[:i]
			break
		}
	}
	text = strings.Join(lines, "\n")

	text = citation.ReplaceAllStringFunc(text, func(m string) string {
		n, err := strconv.Atoi(m[1 : len(m)-1])
		if err != nil || n < 1 || n > refCount {
			return ""
		}
		return m
	})
	return strings.TrimSpace(text)
}

// Markdown renders the report body followed by its reference list.
func (r *Report) Markdown() string {
	var b strings.Builder
	b.WriteString(r.Body)
	if len(r.References) == 0 {
		return b.String()
	}

	b.WriteString("\n\n## References\n\n")
	for _, ref := range r.References {
		it := ref.Item
		label := "@" + it.Author.Username
		if it.Permalink != "" {
			label = fmt.Sprintf("[%s](%s)", label, it.Permalink)
		}
		fmt.Fprintf(&b, "%d. %s: %s", ref.N, label, clip(oneLine(it.Text), maxExcerptChars))
		if ref.Preview != nil && ref.Preview.Title != "" {
			fmt.Fprintf(&b, " (link: [%s](%s))", ref.Preview.Title, ref.Preview.URL)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
