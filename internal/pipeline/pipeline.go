package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TobiSchelling/postscope/internal/history"
	"github.com/TobiSchelling/postscope/internal/metrics"
	"github.com/TobiSchelling/postscope/internal/report"
	"github.com/TobiSchelling/postscope/internal/retrieval"
	"github.com/TobiSchelling/postscope/internal/status"
)

// Steps is the number of stages a successful run passes through.
var Steps = len(status.Sequence)

// ErrNotCompleted is returned when a report is requested for a run that has
// not finished.
var ErrNotCompleted = errors.New("search has not completed")

// Expander turns a user query into sub-queries.
type Expander interface {
	Generate(ctx context.Context, text string, now time.Time) []string
}

// Executor runs sub-queries against the retrieval backend.
type Executor interface {
	Run(ctx context.Context, user string, subs []string, progress retrieval.Progress) []retrieval.BatchResult
}

// Reporter writes a report over aggregated items.
type Reporter interface {
	Generate(ctx context.Context, query string, items []retrieval.Item, now time.Time) (*report.Report, error)
}

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Deps wires a Pipeline. Recorder and Reporter may be nil.
type Deps struct {
	SubQueries    Expander
	Engine        Executor
	Reporter      Reporter
	Recorder      *history.Recorder
	PermalinkBase string
	ThinkDelay    time.Duration
	FinalizeDelay time.Duration
	Now           func() time.Time
}

// Pipeline drives one search from query text to an aggregated result set.
type Pipeline struct {
	d Deps
}

// New creates a pipeline.
func New(d Deps) *Pipeline {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Pipeline{d: d}
}

// NewSession creates an unstarted session for owner.
func (p *Pipeline) NewSession(owner, text string) *Session {
	return newSession(owner, text, p.d.PermalinkBase)
}

// Run creates a session and executes it.
func (p *Pipeline) Run(ctx context.Context, owner, text string, sink Sink) (*Session, error) {
	s := p.NewSession(owner, text)
	return s, p.Execute(ctx, s, sink)
}

// Execute runs s through every stage. It returns a non-nil error only when
// the run ends in the failed stage, which happens when ctx ends. Retrieval
// failures of individual sub-queries are recorded on their results.
func (p *Pipeline) Execute(ctx context.Context, s *Session, sink Sink) error {
	if sink == nil {
		sink = Discard
	}
	s.attach(sink)

	metrics.SearchesActive.Inc()
	defer metrics.SearchesActive.Dec()
	started := time.Now()

	steps := []func(context.Context, *Session) StepResult{
		p.understand,
		p.think,
		p.process,
		p.finalize,
	}
	for _, run := range steps {
		if err := ctx.Err(); err != nil {
			return p.fail(ctx, s, started)
		}
		step := run(ctx, s)
		if step.Err != nil {
			if ctx.Err() != nil {
				return p.fail(ctx, s, started)
			}
			// Steps only fail through their context; anything else is a
			// programming error in stage ordering.
			s.setErr(step.Err)
			s.Tracker.Fail(step.Err.Error())
			metrics.RecordSearch("failed", started)
			return step.Err
		}
		slog.Info(step.Name, "session", s.ID, "summary", step.Summary)
	}

	snap := s.Aggregate.Snapshot()
	s.emit(Event{
		Kind:      EventDone,
		Message:   fmt.Sprintf("%d posts from %d sub-queries", snap.Unique, len(s.SubQueries())),
		Total:     snap.Total,
		Aggregate: &snap,
	})
	metrics.RecordSearch("completed", started)
	return nil
}

func (p *Pipeline) understand(ctx context.Context, s *Session) StepResult {
	r := StepResult{Name: "Understanding query"}
	if err := s.Tracker.Advance(status.Understanding); err != nil {
		r.Err = err
		return r
	}
	s.step(status.Understanding, "Understanding query: "+s.Query)
	s.setQueryID(p.d.Recorder.RecordUserQuery(s.Owner, s.Query))
	r.Summary = s.QueryID()
	return r
}

func (p *Pipeline) think(ctx context.Context, s *Session) StepResult {
	r := StepResult{Name: "Generating sub-queries"}
	sleep(ctx, p.d.ThinkDelay)
	if r.Err = ctx.Err(); r.Err != nil {
		return r
	}
	if r.Err = s.Tracker.Advance(status.Thinking); r.Err != nil {
		return r
	}
	s.step(status.Thinking, "Generating sub-queries")

	subs := p.d.SubQueries.Generate(ctx, s.Query, p.d.Now())
	if r.Err = ctx.Err(); r.Err != nil {
		return r
	}
	metrics.SubQueriesGenerated.Observe(float64(len(subs)))
	ids := p.d.Recorder.RecordSubQueries(s.Owner, s.QueryID(), subs)
	s.setSubQueries(subs, ids)
	s.emit(Event{
		Kind:       EventSubQueries,
		Stage:      status.Thinking,
		Step:       status.Thinking.Step(),
		Steps:      Steps,
		SubQueries: subs,
	})
	r.Summary = fmt.Sprintf("%d sub-queries", len(subs))
	return r
}

func (p *Pipeline) process(ctx context.Context, s *Session) StepResult {
	r := StepResult{Name: "Executing sub-queries"}
	if r.Err = s.Tracker.Advance(status.Processing); r.Err != nil {
		return r
	}
	subs := s.SubQueries()
	s.step(status.Processing, fmt.Sprintf("Executing %d sub-queries", len(subs)))

	progress := retrieval.Progress{
		OnBatch: func(batch, batches int, group []string) {
			s.emit(Event{Kind: EventBatch, Batch: batch, Batches: batches, SubQueries: group})
		},
		OnResult: func(_ int, br retrieval.BatchResult) {
			s.addResult(br)
			added, _ := s.Aggregate.Add(br)
			e := Event{
				Kind:     EventResult,
				SubQuery: br.SubQuery,
				Items:    len(br.Items),
				Added:    added,
				Total:    s.Aggregate.Total(),
			}
			if br.Failed() {
				e.Error = br.Meta.Err.Error()
			}
			s.emit(e)
		},
	}
	results := p.d.Engine.Run(ctx, s.Owner, subs, progress)
	if r.Err = ctx.Err(); r.Err != nil {
		return r
	}

	failed := 0
	for _, br := range results {
		if br.Failed() {
			failed++
		}
	}
	r.Summary = fmt.Sprintf("%d results, %d failed", len(results), failed)
	return r
}

func (p *Pipeline) finalize(ctx context.Context, s *Session) StepResult {
	r := StepResult{Name: "Aggregating results"}
	if r.Err = s.Tracker.Advance(status.Generating); r.Err != nil {
		return r
	}
	// Results were folded as they arrived; folding again only picks up any
	// the progress callback missed.
	s.Aggregate.Fold(s.Results())
	snap := s.Aggregate.Snapshot()
	s.step(status.Generating, fmt.Sprintf("Aggregated %d unique posts", snap.Unique))

	sleep(ctx, p.d.FinalizeDelay)
	if r.Err = ctx.Err(); r.Err != nil {
		return r
	}
	if r.Err = s.Tracker.Advance(status.Completed); r.Err != nil {
		return r
	}
	r.Summary = fmt.Sprintf("%d unique of %d total", snap.Unique, snap.Total)
	return r
}

func (p *Pipeline) fail(ctx context.Context, s *Session, started time.Time) error {
	err := context.Cause(ctx)
	if err == nil {
		err = ctx.Err()
	}
	s.setErr(err)
	if !s.Tracker.Current().Terminal() {
		s.Tracker.Fail(err.Error())
	}
	s.emit(Event{Kind: EventError, Error: err.Error()})

	outcome := "failed"
	if errors.Is(err, ErrSuperseded) {
		outcome = "superseded"
	}
	metrics.RecordSearch(outcome, started)
	slog.Info("search stopped", "session", s.ID, "reason", err)
	return err
}

// GenerateReport writes a report over a completed session and persists it as
// a summary of the session's user query.
func (p *Pipeline) GenerateReport(ctx context.Context, s *Session) (*report.Report, error) {
	if p.d.Reporter == nil {
		return nil, errors.New("report generation is not configured")
	}
	if s.Stage() != status.Completed {
		return nil, ErrNotCompleted
	}

	rep, err := p.d.Reporter.Generate(ctx, s.Query, s.Aggregate.Items(), p.d.Now())
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", s.ID, err)
	}

	p.d.Recorder.RecordSummary(s.Owner, s.QueryID(), rep.Markdown(), len(rep.References))
	s.setReport(rep)
	return rep, nil
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
