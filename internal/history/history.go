// Package history records queries and summaries on a best-effort basis.
// Persistence failures are logged and never surface to the search run.
package history

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/TobiSchelling/postscope/internal/database"
	"github.com/TobiSchelling/postscope/internal/metrics"
)

// Store is the persistence the recorder writes to.
type Store interface {
	InsertUserQuery(id, owner, text string) error
	InsertSubQueries(parentID, owner string, subs []database.SubQuery) error
	InsertSummary(queryID, owner, body string, referenceCount int) (int64, error)
}

// Recorder writes search history. A nil Recorder, or one without a store,
// only hands out ids.
type Recorder struct {
	store Store
}

// NewRecorder creates a recorder over store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// RecordUserQuery stores a user query and returns its id. The id is valid
// even if the insert failed.
func (r *Recorder) RecordUserQuery(owner, text string) string {
	id := uuid.NewString()
	if r == nil || r.store == nil {
		return id
	}
	if err := r.store.InsertUserQuery(id, owner, text); err != nil {
		fail("user_query", err, "owner", owner)
	}
	return id
}

// RecordSubQueries stores generated sub-queries under parentID in one
// transaction and returns their ids, in order.
func (r *Recorder) RecordSubQueries(owner, parentID string, texts []string) []string {
	ids := make([]string, len(texts))
	subs := make([]database.SubQuery, len(texts))
	for i, text := range texts {
		ids[i] = uuid.NewString()
		subs[i] = database.SubQuery{ID: ids[i], Text: text}
	}
	if r == nil || r.store == nil || len(subs) == 0 {
		return ids
	}
	if err := r.store.InsertSubQueries(parentID, owner, subs); err != nil {
		fail("sub_queries", err, "owner", owner, "parent_id", parentID, "count", len(subs))
	}
	return ids
}

// RecordSummary stores a generated report for a user query.
func (r *Recorder) RecordSummary(owner, queryID, body string, referenceCount int) {
	if r == nil || r.store == nil {
		return
	}
	if _, err := r.store.InsertSummary(queryID, owner, body, referenceCount); err != nil {
		fail("summary", err, "owner", owner, "query_id", queryID)
	}
}

func fail(op string, err error, attrs ...any) {
	metrics.HistoryErrors.WithLabelValues(op).Inc()
	slog.Warn("history write failed", append([]any{"op", op, "error", err}, attrs...)...)
}
