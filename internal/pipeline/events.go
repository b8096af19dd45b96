package pipeline

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/TobiSchelling/postscope/internal/aggregate"
	"github.com/TobiSchelling/postscope/internal/status"
)

// EventKind tags an Event.
type EventKind string

const (
	EventStage      EventKind = "stage"
	EventStep       EventKind = "step"
	EventSubQueries EventKind = "subqueries"
	EventBatch      EventKind = "batch"
	EventResult     EventKind = "result"
	EventError      EventKind = "error"
	EventDone       EventKind = "done"
)

// Event is a structured progress record of one search run. Fields not
// relevant to Kind are left zero.
type Event struct {
	Kind       EventKind    `json:"kind"`
	SessionID  string       `json:"session_id"`
	Generation uint64       `json:"generation"`
	Time       time.Time    `json:"time"`
	Stage      status.Stage `json:"stage,omitempty"`
	Step       int          `json:"step,omitempty"`
	Steps      int          `json:"steps,omitempty"`
	Batch      int          `json:"batch,omitempty"`
	Batches    int          `json:"batches,omitempty"`
	Message    string       `json:"message,omitempty"`
	SubQueries []string     `json:"sub_queries,omitempty"`
	SubQuery   string       `json:"sub_query,omitempty"`
	Items      int          `json:"items,omitempty"`
	Added      int          `json:"added,omitempty"`
	Total      int          `json:"total,omitempty"`
	Error      string       `json:"error,omitempty"`

	Aggregate *aggregate.Snapshot `json:"aggregate,omitempty"`
}

// Sink consumes events.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Render formats an event as a bracket-tagged log line.
func Render(e Event) string {
	switch e.Kind {
	case EventStage:
		if e.Stage == status.Failed {
			return fmt.Sprintf("[Stage] failed: %s", e.Message)
		}
		return fmt.Sprintf("[Stage %d/%d] %s", e.Step, e.Steps, e.Stage)
	case EventStep:
		return fmt.Sprintf("[Step %d/%d] %s", e.Step, e.Steps, e.Message)
	case EventSubQueries:
		var b strings.Builder
		fmt.Fprintf(&b, "[Step %d/%d] Generated %d sub-queries", e.Step, e.Steps, len(e.SubQueries))
		for i, q := range e.SubQueries {
			fmt.Fprintf(&b, "\n  %2d. %s", i+1, q)
		}
		return b.String()
	case EventBatch:
		return fmt.Sprintf("[Batch %d/%d] Executing %d sub-queries", e.Batch, e.Batches, len(e.SubQueries))
	case EventResult:
		if e.Error != "" {
			return fmt.Sprintf("[Result] %q failed: %s", e.SubQuery, e.Error)
		}
		return fmt.Sprintf("[Result] %q: %d posts (%d new, %d total)", e.SubQuery, e.Items, e.Added, e.Total)
	case EventError:
		return "[Error] " + e.Error
	case EventDone:
		return fmt.Sprintf("[Done] %s", e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// TextSink writes rendered events to w, one per line.
type TextSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTextSink creates a sink writing to w.
func NewTextSink(w io.Writer) *TextSink {
	return &TextSink{w: w}
}

func (s *TextSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.w, Render(e))
}
