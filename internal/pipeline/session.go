package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/postscope/internal/aggregate"
	"github.com/TobiSchelling/postscope/internal/report"
	"github.com/TobiSchelling/postscope/internal/retrieval"
	"github.com/TobiSchelling/postscope/internal/status"
)

// Session is one end-to-end search run. It is owned by a single run; HTTP
// readers only take snapshots.
type Session struct {
	ID         string
	Owner      string
	Query      string
	Generation uint64
	Started    time.Time

	Tracker   *status.Tracker
	Aggregate *aggregate.Aggregator

	mu          sync.Mutex
	queryID     string
	subQueries  []string
	subQueryIDs []string
	results     []retrieval.BatchResult
	report      *report.Report
	err         error
	sink        Sink
}

// SessionView is a JSON-friendly copy of a session.
type SessionView struct {
	ID         string             `json:"id"`
	Owner      string             `json:"owner"`
	Query      string             `json:"query"`
	QueryID    string             `json:"query_id"`
	Generation uint64             `json:"generation"`
	Started    time.Time          `json:"started"`
	Stage      status.Stage       `json:"stage"`
	SubQueries []string           `json:"sub_queries"`
	Failed     []string           `json:"failed_sub_queries,omitempty"`
	Aggregate  aggregate.Snapshot `json:"aggregate"`
	Report     *report.Report     `json:"report,omitempty"`
	Error      string             `json:"error,omitempty"`
}

func newSession(owner, query, permalinkBase string) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		Owner:     owner,
		Query:     query,
		Started:   time.Now(),
		Aggregate: aggregate.New(permalinkBase),
		sink:      Discard,
	}
	s.Tracker = status.NewTracker(s.onTransition)
	return s
}

func (s *Session) attach(sink Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// emit stamps e with the session identity and hands it to the sink.
func (s *Session) emit(e Event) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()

	e.SessionID = s.ID
	e.Generation = s.Generation
	e.Time = time.Now()
	sink.Emit(e)
}

func (s *Session) step(stage status.Stage, msg string) {
	s.emit(Event{Kind: EventStep, Stage: stage, Step: stage.Step(), Steps: Steps, Message: msg})
}

func (s *Session) onTransition(tr status.Transition) {
	s.emit(Event{
		Kind:    EventStage,
		Stage:   tr.To,
		Step:    tr.To.Step(),
		Steps:   Steps,
		Message: tr.Reason,
	})
}

// QueryID is the persisted id of the user query.
func (s *Session) QueryID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryID
}

// SubQueries returns the generated sub-queries.
func (s *Session) SubQueries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subQueries...)
}

// Results returns the batch results in arrival order.
func (s *Session) Results() []retrieval.BatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]retrieval.BatchResult(nil), s.results...)
}

// Report returns the generated report, if any.
func (s *Session) Report() *report.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// Err returns the error that ended the run, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stage returns the current stage.
func (s *Session) Stage() status.Stage {
	return s.Tracker.Current()
}

// View returns a snapshot of the session.
func (s *Session) View() SessionView {
	s.mu.Lock()
	v := SessionView{
		ID:         s.ID,
		Owner:      s.Owner,
		Query:      s.Query,
		QueryID:    s.queryID,
		Generation: s.Generation,
		Started:    s.Started,
		SubQueries: append([]string(nil), s.subQueries...),
		Report:     s.report,
	}
	for _, r := range s.results {
		if r.Failed() {
			v.Failed = append(v.Failed, r.SubQuery)
		}
	}
	if s.err != nil {
		v.Error = s.err.Error()
	}
	s.mu.Unlock()

	v.Stage = s.Tracker.Current()
	v.Aggregate = s.Aggregate.Snapshot()
	return v
}

func (s *Session) setQueryID(id string) {
	s.mu.Lock()
	s.queryID = id
	s.mu.Unlock()
}

func (s *Session) setSubQueries(subs, ids []string) {
	s.mu.Lock()
	s.subQueries = subs
	s.subQueryIDs = ids
	s.mu.Unlock()
}

func (s *Session) addResult(r retrieval.BatchResult) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
}

func (s *Session) setReport(r *report.Report) {
	s.mu.Lock()
	s.report = r
	s.mu.Unlock()
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
