// Package subquery expands a user query into targeted search expressions.
package subquery

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/TobiSchelling/postscope/internal/llm"
)

const generatePrompt = `You expand a search request into targeted queries for a social post search engine.

Today's date: %s
User request: %s

Write exactly %d search queries. Each query is one line of search syntax:
  <keyword> [modifiers] min_engagement:<N> lang:<xx> [since:<YYYY-MM-DD> until:<YYYY-MM-DD>]

Language plan (follow it exactly, translating keywords into each language):
%s
%s
Vary the keywords: synonyms, related names, hashtags and phrasings people actually post.

Respond with ONLY a JSON array, no commentary and no code fences:
[{"query": "..."}, {"query": "..."}]`

var (
	engagementFilter = regexp.MustCompile(`(?i)\bmin_engagement:\d+\b`)
	sinceFilter      = regexp.MustCompile(`(?i)\bsince:\S+`)
	untilFilter      = regexp.MustCompile(`(?i)\buntil:\S+`)
)

// Options configures a Generator.
type Options struct {
	Min       int
	Max       int
	Languages []Language
	MaxTokens int
	Retry     llm.RetryPolicy
}

// Generator turns one user query into sub-queries through an LLM.
type Generator struct {
	provider llm.Provider
	opts     Options
}

// NewGenerator creates a sub-query generator.
func NewGenerator(provider llm.Provider, opts Options) *Generator {
	if opts.Max <= 0 {
		opts.Max = 10
	}
	if opts.Min <= 0 || opts.Min > opts.Max {
		opts.Min = opts.Max
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	return &Generator{provider: provider, opts: opts}
}

// Request is the resolved input of one generation call.
type Request struct {
	Text   string
	Now    time.Time
	Plan   []Allocation
	Window *Window
}

// Prepare resolves the language plan and date window for text.
func (g *Generator) Prepare(text string, now time.Time) Request {
	req := Request{Text: strings.TrimSpace(text), Now: now}

	if tag, ok := DetectLanguage(text); ok {
		req.Plan = []Allocation{{Language: languageFor(tag, g.opts.Languages), Count: g.opts.Max}}
	} else {
		req.Plan = Plan(g.opts.Max, g.opts.Languages)
	}

	if w, ok := ResolveDates(text, now); ok {
		req.Window = &w
	}
	return req
}

// Prompt renders the generation prompt for req.
func (req Request) Prompt() string {
	var plan strings.Builder
	total := 0
	for _, a := range req.Plan {
		fmt.Fprintf(&plan, "- %d queries with lang:%s min_engagement:%d\n", a.Count, a.Language.Tag, a.Language.MinEngagement)
		total += a.Count
	}

	dates := ""
	if req.Window != nil {
		dates = fmt.Sprintf("Append %s to every query.\n", req.Window.Filter())
	}
	return fmt.Sprintf(generatePrompt, req.Now.Format(DateLayout), req.Text, total, plan.String(), dates)
}

// Generate returns sub-queries for text. It never fails: LLM errors and
// unparseable output yield an empty result.
func (g *Generator) Generate(ctx context.Context, text string, now time.Time) []string {
	if g.provider == nil {
		slog.Warn("no LLM provider available for sub-query generation")
		return nil
	}

	req := g.Prepare(text, now)
	raw, err := llm.GenerateWithRetry(ctx, g.provider, req.Prompt(), g.opts.MaxTokens, g.opts.Retry)
	if err != nil {
		slog.Warn("sub-query generation failed", "query", req.Text, "error", err)
		return nil
	}

	subs := g.Normalize(ParseList(raw), req)
	if len(subs) == 0 {
		slog.Warn("sub-query generation returned nothing usable", "query", req.Text)
	} else if len(subs) < g.opts.Min {
		slog.Warn("fewer sub-queries than requested", "got", len(subs), "min", g.opts.Min)
	}
	return subs
}

// Normalize deduplicates, truncates to the maximum, and fills in language,
// engagement and date filters the model left out. When the request names a
// single language, sub-queries tagged with any other language are dropped.
func (g *Generator) Normalize(subs []string, req Request) []string {
	seen := make(map[string]bool, len(subs))
	planSlots := slots(req.Plan)

	out := make([]string, 0, len(subs))
	for _, s := range subs {
		s = trimQuery(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		if len(out) == g.opts.Max {
			break
		}

		var lang Language
		if m := langFilter.FindStringSubmatch(s); m != nil {
			tag := strings.ToLower(m[1])
			if len(req.Plan) == 1 && !strings.EqualFold(tag, req.Plan[0].Language.Tag) {
				slog.Debug("dropping sub-query outside requested language", "sub_query", s, "lang", req.Plan[0].Language.Tag)
				continue
			}
			lang = languageFor(tag, g.opts.Languages)
		} else if len(planSlots) > 0 {
			lang = planSlots[len(out)%len(planSlots)]
			s += " lang:" + lang.Tag
		}
		if lang.Tag != "" && !engagementFilter.MatchString(s) {
			s = insertBefore(s, " lang:", fmt.Sprintf(" min_engagement:%d", lang.MinEngagement))
		}

		if req.Window != nil && !sinceFilter.MatchString(s) && !untilFilter.MatchString(s) {
			s += " " + req.Window.Filter()
		}
		out = append(out, s)
	}
	return out
}

// insertBefore places ins ahead of the first case-insensitive occurrence of
// marker, or appends it.
func insertBefore(s, marker, ins string) string {
	idx := strings.Index(strings.ToLower(s), marker)
	if idx < 0 {
		return s + ins
	}
	return s[:idx] + ins + s[idx:]
}
