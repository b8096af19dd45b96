package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TobiSchelling/postscope/internal/database"
	"github.com/TobiSchelling/postscope/internal/history"
	"github.com/TobiSchelling/postscope/internal/pipeline"
	"github.com/TobiSchelling/postscope/internal/report"
	"github.com/TobiSchelling/postscope/internal/retrieval"
	"github.com/TobiSchelling/postscope/internal/status"
)

var testSecret = []byte("test-secret")

type stubExpander struct{}

func (stubExpander) Generate(_ context.Context, text string, _ time.Time) []string {
	return []string{text + " lang:en", text + " lang:ja"}
}

type stubRetriever struct{}

func (stubRetriever) Retrieve(_ context.Context, query, _ string) ([]retrieval.Item, error) {
	return []retrieval.Item{{
		ID:      "1",
		Text:    "post about " + query,
		Author:  retrieval.Author{Username: "alice"},
		Metrics: retrieval.Metrics{Likes: 10},
	}}, nil
}

type stubProvider struct{}

func (stubProvider) Generate(context.Context, string, int) (string, error) {
	return "## Introduction\nFirst finding [1].\n\n## Conclusion\nDone [2].", nil
}

func (stubProvider) IsConfigured() bool { return true }

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestServer(t *testing.T, db *database.DB) (*Server, *Authenticator) {
	t.Helper()
	var rec *history.Recorder
	if db != nil {
		rec = history.NewRecorder(db)
	}
	p := pipeline.New(pipeline.Deps{
		SubQueries:    stubExpander{},
		Engine:        retrieval.NewEngine(stubRetriever{}, nil, retrieval.EngineOptions{BatchSize: 3, MaxAttempts: 1}),
		Reporter:      report.NewGenerator(stubProvider{}, nil, report.Options{}),
		Recorder:      rec,
		PermalinkBase: "https://x.com",
	})
	auth := NewAuthenticator(testSecret, "/signin")
	srv, err := New(db, pipeline.NewCoordinator(p), auth)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return srv, auth
}

func token(t *testing.T, auth *Authenticator, owner string) string {
	t.Helper()
	tok, err := auth.IssueToken(owner, time.Hour)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return tok
}

func do(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func authed(method, target, body, tok string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+tok)
	return req
}

// sseEvents splits an event stream into (name, data) pairs.
func sseEvents(body string) [][2]string {
	var out [][2]string
	for _, block := range strings.Split(body, "\n\n") {
		var name, data string
		for _, line := range strings.Split(block, "\n") {
			if v, ok := strings.CutPrefix(line, "event: "); ok {
				name = v
			}
			if v, ok := strings.CutPrefix(line, "data: "); ok {
				data = v
			}
		}
		if name != "" {
			out = append(out, [2]string{name, data})
		}
	}
	return out
}

func runSearch(t *testing.T, srv *Server, tok, query string) pipeline.SessionView {
	t.Helper()
	rec := do(srv, authed("POST", "/api/search", fmt.Sprintf(`{"query":%q}`, query), tok))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	events := sseEvents(rec.Body.String())
	if len(events) == 0 {
		t.Fatal("expected events in stream")
	}
	last := events[len(events)-1]
	if last[0] != "session" {
		t.Fatalf("expected final session event, got %q", last[0])
	}
	var view pipeline.SessionView
	if err := json.Unmarshal([]byte(last[1]), &view); err != nil {
		t.Fatalf("decoding session: %v", err)
	}
	return view
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := do(srv, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := do(srv, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "postscope_searches_active") {
		t.Error("expected postscope metrics in response")
	}
}

func TestAPIRequiresToken(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(srv, httptest.NewRequest("GET", "/api/history", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}

	other := NewAuthenticator([]byte("other-secret"), "")
	rec = do(srv, authed("GET", "/api/history", "", token(t, other, "alice")))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for foreign signature, got %d", rec.Code)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	_, auth := newTestServer(t, nil)
	tok, err := auth.IssueToken("alice", -time.Minute)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	req := authed("GET", "/api/history", "", tok)
	if _, err := auth.Owner(req); err == nil {
		t.Error("expected expired token to be rejected")
	}
}

func TestPageRedirectsToSignIn(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := do(srv, httptest.NewRequest("GET", "/reports/abc", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/signin?next=%2Freports%2Fabc" {
		t.Errorf("unexpected redirect %q", loc)
	}
}

func TestIndexRoute(t *testing.T) {
	db := openTestDB(t)
	srv, auth := newTestServer(t, db)
	runSearch(t, srv, token(t, auth, "alice"), "AI news")

	req := httptest.NewRequest("GET", "/", nil)
	req.AddCookie(&http.Cookie{Name: tokenCookie, Value: token(t, auth, "alice")})
	rec := do(srv, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Search history") || !strings.Contains(body, "AI news") {
		t.Error("expected history with the search in response")
	}
}

func TestSearchStreamsEvents(t *testing.T) {
	srv, auth := newTestServer(t, nil)
	tok := token(t, auth, "alice")

	rec := do(srv, authed("POST", "/api/search", `{"query":"AI news"}`, tok))
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event stream, got %q", ct)
	}

	seen := map[string]int{}
	for _, e := range sseEvents(rec.Body.String()) {
		seen[e[0]]++
	}
	if seen["stage"] != len(status.Sequence) {
		t.Errorf("expected %d stage events, got %d", len(status.Sequence), seen["stage"])
	}
	for _, name := range []string{"subqueries", "batch", "result", "done", "session"} {
		if seen[name] == 0 {
			t.Errorf("expected %q event", name)
		}
	}

	view := runSearch(t, srv, tok, "AI news")
	if view.Stage != status.Completed {
		t.Errorf("expected completed, got %q", view.Stage)
	}
	if view.Aggregate.Unique != 2 {
		t.Errorf("expected 2 unique posts, got %d", view.Aggregate.Unique)
	}
}

func TestSearchRejectsBadRequests(t *testing.T) {
	srv, auth := newTestServer(t, nil)
	tok := token(t, auth, "alice")

	for _, body := range []string{`{"query":"  "}`, `not json`} {
		rec := do(srv, authed("POST", "/api/search", body, tok))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestReportFlow(t *testing.T) {
	db := openTestDB(t)
	srv, auth := newTestServer(t, db)
	tok := token(t, auth, "alice")
	view := runSearch(t, srv, tok, "AI news")

	rec := do(srv, authed("POST", "/api/sessions/"+view.ID+"/report", "", tok))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Markdown string `json:"markdown"`
		URL      string `json:"url"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if !strings.Contains(resp.Markdown, "## References") {
		t.Error("expected reference list in markdown")
	}
	if resp.URL != "/reports/"+view.QueryID {
		t.Errorf("unexpected report url %q", resp.URL)
	}

	req := httptest.NewRequest("GET", resp.URL, nil)
	req.AddCookie(&http.Cookie{Name: tokenCookie, Value: tok})
	page := do(srv, req)
	if page.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", page.Code)
	}
	if !strings.Contains(page.Body.String(), "<h2>Introduction</h2>") {
		t.Error("expected rendered markdown in report page")
	}

	// Another owner cannot see the report or the session.
	bob := token(t, auth, "bob")
	req = httptest.NewRequest("GET", resp.URL, nil)
	req.AddCookie(&http.Cookie{Name: tokenCookie, Value: bob})
	if rec := do(srv, req); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for other owner, got %d", rec.Code)
	}
	if rec := do(srv, authed("POST", "/api/sessions/"+view.ID+"/report", "", bob)); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for other owner's session, got %d", rec.Code)
	}
}

func TestHistoryRoutes(t *testing.T) {
	db := openTestDB(t)
	srv, auth := newTestServer(t, db)
	tok := token(t, auth, "alice")
	view := runSearch(t, srv, tok, "AI news")

	rec := do(srv, authed("GET", "/api/history", "", tok))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list []historyEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decoding history: %v", err)
	}
	if len(list) != 1 || list[0].ID != view.QueryID {
		t.Fatalf("unexpected history %+v", list)
	}

	rec = do(srv, authed("GET", "/api/history/"+view.QueryID, "", tok))
	var entry historyEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entry); err != nil {
		t.Fatalf("decoding entry: %v", err)
	}
	if len(entry.SubQueries) != 2 {
		t.Errorf("expected 2 sub-queries, got %d", len(entry.SubQueries))
	}

	rec = do(srv, authed("GET", "/api/history/"+view.QueryID, "", token(t, auth, "bob")))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for other owner, got %d", rec.Code)
	}
}

func TestHistoryDisabledWithoutDB(t *testing.T) {
	srv, auth := newTestServer(t, nil)
	rec := do(srv, authed("GET", "/api/history", "", token(t, auth, "alice")))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}
