package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/TobiSchelling/postscope/internal/metrics"
)

// EngineOptions controls batching, pacing and retries.
type EngineOptions struct {
	BatchSize   int
	ItemDelay   time.Duration
	BatchDelay  time.Duration
	RetryDelay  time.Duration
	MaxAttempts int
}

// Progress receives engine callbacks. Nil fields are skipped.
type Progress struct {
	// OnBatch is called before batch (1-based) of batches starts.
	OnBatch func(batch, batches int, subQueries []string)
	// OnResult is called as soon as the sub-query at index is resolved.
	OnResult func(index int, r BatchResult)
}

// Engine executes sub-queries in sequential, paced batches.
type Engine struct {
	retriever Retriever
	cache     *Cache
	opts      EngineOptions
}

// NewEngine creates an engine over r. cache may be nil.
func NewEngine(r Retriever, cache *Cache, opts EngineOptions) *Engine {
	if opts.BatchSize < 1 {
		opts.BatchSize = 3
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Engine{retriever: r, cache: cache, opts: opts}
}

// Batches splits subs into consecutive groups of at most size.
func Batches(subs []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(subs); start += size {
		end := min(start+size, len(subs))
		out = append(out, subs[start:end])
	}
	return out
}

// Run executes every sub-query and returns exactly one BatchResult per
// sub-query, in input order. Failures are recorded on the result and never
// stop the run. If ctx ends, the remaining sub-queries get results carrying
// the context error.
func (e *Engine) Run(ctx context.Context, user string, subs []string, progress Progress) []BatchResult {
	results := make([]BatchResult, 0, len(subs))
	p := pacer{every: e.opts.ItemDelay}

	batches := Batches(subs, e.opts.BatchSize)
	for b, batch := range batches {
		if b > 0 && ctx.Err() == nil {
			sleep(ctx, e.opts.BatchDelay)
		}
		if ctx.Err() == nil && progress.OnBatch != nil {
			progress.OnBatch(b+1, len(batches), batch)
		}

		p.reset()
		for i, sub := range batch {
			var r BatchResult
			if err := p.wait(ctx); err != nil {
				r = BatchResult{SubQuery: sub, Meta: Metadata{Err: contextErr(ctx, err)}}
			} else {
				r = e.execute(ctx, user, sub)
				if i < len(batch)-1 {
					p.arm()
				}
			}
			results = append(results, r)
			if progress.OnResult != nil {
				progress.OnResult(len(results)-1, r)
			}
		}
	}
	return results
}

func (e *Engine) execute(ctx context.Context, user, sub string) BatchResult {
	started := time.Now()
	query := CleanQuery(sub)
	r := BatchResult{SubQuery: sub}

	if e.cache != nil {
		items, ok, err := e.cache.Get(ctx, query)
		switch {
		case err != nil:
			metrics.CacheLookups.WithLabelValues("error").Inc()
			slog.Warn("result cache read failed", "sub_query", query, "error", err)
		case ok:
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			r.Items = items
			r.Meta = Metadata{Total: len(items), Duration: time.Since(started), Cached: true}
			return r
		default:
			metrics.CacheLookups.WithLabelValues("miss").Inc()
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.opts.RetryDelay), uint64(e.opts.MaxAttempts-1)),
		ctx,
	)
	op := func() error {
		r.Meta.Attempts++
		items, err := e.retriever.Retrieve(ctx, query, user)
		metrics.RetrievalRequests.WithLabelValues(statusLabel(err)).Inc()
		if err != nil {
			if ctx.Err() != nil || !Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		r.Items = items
		return nil
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("sub-query failed, retrying", "sub_query", query, "attempt", r.Meta.Attempts, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(op, policy, notify)
	r.Meta.Duration = time.Since(started)
	metrics.RetrievalLatency.Observe(r.Meta.Duration.Seconds())
	if err != nil {
		r.Items = nil
		r.Meta.Err = contextErr(ctx, err)
		slog.Warn("sub-query gave up", "sub_query", query, "attempts", r.Meta.Attempts, "error", r.Meta.Err)
		return r
	}

	r.Meta.Total = len(r.Items)
	if e.cache != nil {
		if err := e.cache.Set(ctx, query, r.Items); err != nil {
			slog.Warn("result cache write failed", "sub_query", query, "error", err)
		}
	}
	return r
}

// contextErr prefers the context's own error once it is done, so callers can
// match context.Canceled.
func contextErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
		return cerr
	}
	return err
}

// pacer holds back the next request until every has passed since the
// previous one finished.
type pacer struct {
	every time.Duration
	lim   *rate.Limiter
}

// arm empties the bucket at the current time.
func (p *pacer) arm() {
	if p.every <= 0 {
		return
	}
	p.lim = rate.NewLimiter(rate.Every(p.every), 1)
	p.lim.Allow()
}

func (p *pacer) reset() { p.lim = nil }

func (p *pacer) wait(ctx context.Context) error {
	if p.lim == nil {
		return ctx.Err()
	}
	return p.lim.Wait(ctx)
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
