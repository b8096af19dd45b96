package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/TobiSchelling/postscope/internal/database"
	"github.com/TobiSchelling/postscope/internal/pipeline"
	"github.com/TobiSchelling/postscope/internal/report"
)

const maxQueryLength = 2000

type searchRequest struct {
	Query string `json:"query"`
}

// historyEntry is a user query with its generated sub-queries and latest summary.
type historyEntry struct {
	ID         string       `json:"id"`
	Text       string       `json:"text"`
	CreatedAt  string       `json:"created_at"`
	SubQueries []string     `json:"sub_queries,omitempty"`
	Summary    *summaryView `json:"summary,omitempty"`
}

type summaryView struct {
	Body           string `json:"body"`
	ReferenceCount int    `json:"reference_count"`
	GeneratedAt    string `json:"generated_at"`
}

type reportResponse struct {
	Report   *report.Report `json:"report"`
	Markdown string         `json:"markdown"`
	URL      string         `json:"url"`
}

// sseSink writes events as server-sent events.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Emit(e pipeline.Event) {
	s.send(string(e.Kind), e)
}

func (s *sseSink) send(name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("encoding event", "event", name, "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data)
	s.flusher.Flush()
}

// handleSearch runs a search and streams its progress. The run is bound to
// the request: a disconnecting client cancels it.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if len(query) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "query is too long")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	owner := OwnerFrom(r.Context())
	sink := &sseSink{w: w, flusher: flusher}
	sess, err := s.coord.Search(r.Context(), owner, query, sink)
	if errors.Is(err, pipeline.ErrSuperseded) {
		sink.send("superseded", map[string]any{"session_id": sess.ID, "generation": sess.Generation})
		return
	}
	sink.send("session", sess.View())
}

func (s *Server) handleCancelSearch(w http.ResponseWriter, r *http.Request) {
	s.coord.Cancel(OwnerFrom(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.coord.Session(OwnerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	sess, err := s.coord.Session(OwnerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	rep, err := s.coord.Pipeline().GenerateReport(r.Context(), sess)
	switch {
	case errors.Is(err, pipeline.ErrNotCompleted):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, report.ErrNoItems):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		slog.Error("report generation failed", "session", sess.ID, "error", err)
		writeError(w, http.StatusBadGateway, "report generation failed")
		return
	}

	writeJSON(w, http.StatusOK, reportResponse{
		Report:   rep,
		Markdown: rep.Markdown(),
		URL:      "/reports/" + sess.QueryID(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "history is disabled")
		return
	}
	queries, err := s.db.ListUserQueries(OwnerFrom(r.Context()), 50)
	if err != nil {
		slog.Error("listing history", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	entries := make([]historyEntry, 0, len(queries))
	for _, q := range queries {
		entries = append(entries, historyEntry{ID: q.ID, Text: q.Text, CreatedAt: q.CreatedAt})
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHistoryEntry(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "history is disabled")
		return
	}
	entry, err := s.historyEntry(OwnerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		slog.Error("loading history entry", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "query not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// historyEntry loads a user query owned by owner. It returns nil when the
// query does not exist or belongs to someone else.
func (s *Server) historyEntry(owner, id string) (*historyEntry, error) {
	q, err := s.db.GetQuery(id)
	if err != nil {
		return nil, err
	}
	if q == nil || q.Owner != owner || q.Kind != database.KindUser {
		return nil, nil
	}

	entry := &historyEntry{ID: q.ID, Text: q.Text, CreatedAt: q.CreatedAt}
	subs, err := s.db.GetSubQueries(q.ID)
	if err != nil {
		return nil, err
	}
	for _, sq := range subs {
		entry.SubQueries = append(entry.SubQueries, sq.Text)
	}

	sum, err := s.db.GetLatestSummary(q.ID)
	if err != nil {
		return nil, err
	}
	if sum != nil {
		entry.Summary = &summaryView{Body: sum.Body, ReferenceCount: sum.ReferenceCount, GeneratedAt: sum.GeneratedAt}
	}
	return entry, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
