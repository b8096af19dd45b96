package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRetriever returns canned responses per query.
type scriptedRetriever struct {
	mu      sync.Mutex
	calls   map[string]int
	queries []string
	respond func(query string, call int) ([]Item, error)
}

func (s *scriptedRetriever) Retrieve(_ context.Context, query, _ string) ([]Item, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[query]++
	call := s.calls[query]
	s.queries = append(s.queries, query)
	s.mu.Unlock()
	return s.respond(query, call)
}

func itemsFor(query string, n int) []Item {
	out := make([]Item, n)
	for i := range out {
		out[i] = Item{ID: fmt.Sprintf("%s-%d", query, i), Text: query + " post", Author: Author{Username: "u"}}
	}
	return out
}

func fastOptions() EngineOptions {
	return EngineOptions{BatchSize: 3, RetryDelay: time.Millisecond, MaxAttempts: 3}
}

func TestBatches(t *testing.T) {
	got := Batches([]string{"a", "b", "c", "d", "e", "f", "g"}, 3)
	assert.Equal(t, [][]string{{"a", "b", "c"}, {"d", "e", "f"}, {"g"}}, got)
	assert.Empty(t, Batches(nil, 3))
}

func TestEngineRunsInOrder(t *testing.T) {
	r := &scriptedRetriever{respond: func(q string, _ int) ([]Item, error) { return itemsFor(q, 2), nil }}
	e := NewEngine(r, nil, fastOptions())

	subs := []string{"a", "b", "c", "d", "e", "f", "g"}
	var batches [][2]int
	var resolved []int
	results := e.Run(context.Background(), "owner", subs, Progress{
		OnBatch:  func(b, n int, _ []string) { batches = append(batches, [2]int{b, n}) },
		OnResult: func(i int, _ BatchResult) { resolved = append(resolved, i) },
	})

	require.Len(t, results, len(subs))
	for i, res := range results {
		assert.Equal(t, subs[i], res.SubQuery)
		assert.Len(t, res.Items, 2)
		assert.Equal(t, 2, res.Meta.Total)
		assert.Equal(t, 1, res.Meta.Attempts)
		assert.False(t, res.Failed())
	}
	assert.Equal(t, subs, r.queries)
	assert.Equal(t, [][2]int{{1, 3}, {2, 3}, {3, 3}}, batches)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, resolved)
}

func TestEngineRateLimitExhaustion(t *testing.T) {
	r := &scriptedRetriever{respond: func(q string, _ int) ([]Item, error) {
		if q == "b" {
			return nil, &APIError{Status: http.StatusTooManyRequests, Code: "rate_limit_exceeded"}
		}
		return itemsFor(q, 1), nil
	}}
	e := NewEngine(r, nil, fastOptions())

	results := e.Run(context.Background(), "owner", []string{"a", "b", "c"}, Progress{})
	require.Len(t, results, 3)

	assert.False(t, results[0].Failed())
	assert.True(t, results[1].Failed())
	assert.ErrorIs(t, results[1].Meta.Err, ErrRateLimited)
	assert.Empty(t, results[1].Items)
	assert.Equal(t, 3, results[1].Meta.Attempts)
	assert.Equal(t, 3, r.calls["b"])
	assert.False(t, results[2].Failed())
}

func TestEngineRetriesThenSucceeds(t *testing.T) {
	r := &scriptedRetriever{respond: func(q string, call int) ([]Item, error) {
		if call == 1 {
			return nil, &APIError{Status: 403, Code: "quota_exceeded"}
		}
		return itemsFor(q, 1), nil
	}}
	e := NewEngine(r, nil, fastOptions())

	results := e.Run(context.Background(), "owner", []string{"a"}, Progress{})
	require.Len(t, results, 1)
	assert.False(t, results[0].Failed())
	assert.Equal(t, 2, results[0].Meta.Attempts)
}

func TestEnginePermanentErrorNotRetried(t *testing.T) {
	r := &scriptedRetriever{respond: func(string, int) ([]Item, error) {
		return nil, &APIError{Status: 400, Code: "invalid_param"}
	}}
	e := NewEngine(r, nil, fastOptions())

	results := e.Run(context.Background(), "owner", []string{"a"}, Progress{})
	require.Len(t, results, 1)
	assert.True(t, results[0].Failed())
	assert.Equal(t, 1, results[0].Meta.Attempts)
}

func TestEngineCancellationStillReturnsEveryResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &scriptedRetriever{respond: func(q string, _ int) ([]Item, error) { return itemsFor(q, 1), nil }}
	opts := fastOptions()
	opts.BatchSize = 1
	opts.BatchDelay = time.Hour
	e := NewEngine(r, nil, opts)

	results := e.Run(ctx, "owner", []string{"a", "b", "c"}, Progress{
		OnResult: func(i int, _ BatchResult) {
			if i == 0 {
				cancel()
			}
		},
	})

	require.Len(t, results, 3)
	assert.False(t, results[0].Failed())
	assert.ErrorIs(t, results[1].Meta.Err, context.Canceled)
	assert.ErrorIs(t, results[2].Meta.Err, context.Canceled)
	assert.Equal(t, []string{"a"}, r.queries)
}

func TestEnginePacesRequests(t *testing.T) {
	r := &scriptedRetriever{respond: func(q string, _ int) ([]Item, error) { return nil, nil }}
	opts := fastOptions()
	opts.ItemDelay = 20 * time.Millisecond
	e := NewEngine(r, nil, opts)

	start := time.Now()
	e.Run(context.Background(), "owner", []string{"a", "b", "c"}, Progress{})
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

// timedRetriever records when each request starts and ends.
type timedRetriever struct {
	mu     sync.Mutex
	took   time.Duration
	starts []time.Time
	ends   []time.Time
}

func (s *timedRetriever) Retrieve(ctx context.Context, _, _ string) ([]Item, error) {
	s.mu.Lock()
	s.starts = append(s.starts, time.Now())
	s.mu.Unlock()
	time.Sleep(s.took)
	s.mu.Lock()
	s.ends = append(s.ends, time.Now())
	s.mu.Unlock()
	return nil, nil
}

func TestEnginePausesAfterSlowRequests(t *testing.T) {
	r := &timedRetriever{took: 40 * time.Millisecond}
	opts := fastOptions()
	opts.ItemDelay = 30 * time.Millisecond
	e := NewEngine(r, nil, opts)

	e.Run(context.Background(), "owner", []string{"a", "b", "c"}, Progress{})

	require.Len(t, r.starts, 3)
	for i := 1; i < len(r.starts); i++ {
		gap := r.starts[i].Sub(r.ends[i-1])
		assert.GreaterOrEqual(t, gap, 25*time.Millisecond, "gap before request %d", i)
	}
}

func TestEngineUsesCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewCache(rdb, time.Minute)
	defer cache.Close()

	r := &scriptedRetriever{respond: func(q string, _ int) ([]Item, error) {
		if q == "bad" {
			return nil, errors.New("boom")
		}
		return itemsFor(q, 2), nil
	}}
	e := NewEngine(r, cache, fastOptions())

	first := e.Run(context.Background(), "owner", []string{"a", "bad"}, Progress{})
	second := e.Run(context.Background(), "owner", []string{"a", "bad"}, Progress{})

	assert.False(t, first[0].Meta.Cached)
	assert.True(t, second[0].Meta.Cached)
	assert.Equal(t, first[0].Items, second[0].Items)
	assert.Equal(t, 1, r.calls["a"])
	assert.Equal(t, 2, r.calls["bad"], "failures are not cached")
	assert.True(t, mr.Exists(cacheKeyPrefix+"a"))
	assert.False(t, mr.Exists(cacheKeyPrefix+"bad"))
}

func TestEngineSendsDateRangeVerbatim(t *testing.T) {
	var mu sync.Mutex
	var sent []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body runRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		sent = append(sent, body.Inputs["query"])
		mu.Unlock()
		fmt.Fprint(w, "data: [DONE]\n")
	}))
	defer srv.Close()

	sub := "AI news min_engagement:100 lang:ja since:2025-01-01 until:2025-01-07"
	e := NewEngine(NewClient(srv.URL, "wf", "", time.Second), nil, fastOptions())
	results := e.Run(context.Background(), "owner", []string{sub}, Progress{})

	require.Len(t, results, 1)
	require.Len(t, sent, 1)
	assert.Equal(t, sub, sent[0])
	assert.Contains(t, sent[0], "since:2025-01-01 until:2025-01-07")
}
