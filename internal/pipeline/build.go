package pipeline

import (
	"context"
	"log/slog"
	"os"

	"github.com/TobiSchelling/postscope/internal/config"
	"github.com/TobiSchelling/postscope/internal/database"
	"github.com/TobiSchelling/postscope/internal/feedsource"
	"github.com/TobiSchelling/postscope/internal/history"
	"github.com/TobiSchelling/postscope/internal/linkpreview"
	"github.com/TobiSchelling/postscope/internal/llm"
	"github.com/TobiSchelling/postscope/internal/report"
	"github.com/TobiSchelling/postscope/internal/retrieval"
	"github.com/TobiSchelling/postscope/internal/subquery"
)

// FromConfig wires a pipeline from cfg. db may be nil, in which case nothing
// is persisted. The returned close function releases the result cache.
func FromConfig(ctx context.Context, cfg *config.Config, db *database.DB) (*Pipeline, func() error) {
	l := cfg.LLM
	provider := llm.CreateProvider(l.Provider, l.Model, l.OllamaURL, l.OpenAIModel, l.OpenAIURL, l.APIKeyEnv)
	retry := llm.RetryPolicy{
		MaxAttempts:    l.MaxAttempts,
		InitialBackoff: l.InitialBackoff,
		MaxBackoff:     l.MaxBackoff,
		Timeout:        l.Timeout,
	}

	langs := make([]subquery.Language, len(cfg.SubQueries.Languages))
	for i, lang := range cfg.SubQueries.Languages {
		langs[i] = subquery.Language{Tag: lang.Tag, Share: lang.Share, MinEngagement: lang.MinEngagement}
	}
	gen := subquery.NewGenerator(provider, subquery.Options{
		Min:       cfg.SubQueries.Min,
		Max:       cfg.SubQueries.Max,
		Languages: langs,
		MaxTokens: l.MaxTokens,
		Retry:     retry,
	})

	closer := func() error { return nil }
	var cache *retrieval.Cache
	if addr := cfg.Cache.RedisAddr; addr != "" {
		c, err := retrieval.DialCache(ctx, addr, cfg.Cache.TTL)
		if err != nil {
			// A missing cache only costs repeated requests.
			slog.Warn("result cache disabled", "error", err)
		} else {
			cache = c
			closer = c.Close
		}
	}

	rc := cfg.Retrieval
	engine := retrieval.NewEngine(newRetriever(rc), cache, retrieval.EngineOptions{
		BatchSize:   rc.BatchSize,
		ItemDelay:   rc.ItemDelay,
		BatchDelay:  rc.BatchDelay,
		RetryDelay:  rc.RetryDelay,
		MaxAttempts: rc.MaxAttempts,
	})

	var previewer report.Previewer
	if cfg.Report.FetchLinks {
		previewer = linkpreview.NewFetcher(l.Timeout)
	}
	reporter := report.NewGenerator(provider, previewer, report.Options{
		MaxReferences: cfg.Report.MaxReferences,
		MaxTokens:     cfg.Report.MaxTokens,
		Retry:         retry,
	})

	var recorder *history.Recorder
	if db != nil {
		recorder = history.NewRecorder(db)
	}

	return New(Deps{
		SubQueries:    gen,
		Engine:        engine,
		Reporter:      reporter,
		Recorder:      recorder,
		PermalinkBase: rc.PermalinkBase,
		ThinkDelay:    cfg.Pipeline.ThinkDelay,
		FinalizeDelay: cfg.Pipeline.FinalizeDelay,
	}), closer
}

func newRetriever(rc config.Retrieval) retrieval.Retriever {
	if rc.Backend == "feed" {
		feeds := make([]feedsource.Feed, len(rc.Feeds))
		for i, f := range rc.Feeds {
			feeds[i] = feedsource.Feed{URL: f.URL, Name: f.Name}
		}
		return feedsource.New(feeds)
	}
	key := ""
	if rc.APIKeyEnv != "" {
		key = os.Getenv(rc.APIKeyEnv)
	}
	return retrieval.NewClient(rc.BaseURL, rc.WorkflowID, key, rc.Timeout)
}
