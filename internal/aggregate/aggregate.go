// Package aggregate merges batch results into one deduplicated collection.
package aggregate

import (
	"net/url"
	"strings"
	"sync"

	"github.com/TobiSchelling/postscope/internal/metrics"
	"github.com/TobiSchelling/postscope/internal/retrieval"
)

// Snapshot is a point-in-time copy of an aggregate.
type Snapshot struct {
	Items []retrieval.Item `json:"items"`
	// Total is the sum of item counts over folded batches, duplicates included.
	Total   int `json:"total"`
	Unique  int `json:"unique"`
	Batches int `json:"batches"`
	Failed  int `json:"failed"`
}

// Aggregator folds BatchResults into a running collection. Each sub-query's
// batch is folded at most once, so folding the same results again is a no-op.
// Items are unique by content identity and keep first-seen order.
type Aggregator struct {
	mu            sync.Mutex
	permalinkBase string
	folded        map[string]bool
	index         map[string]int
	items         []retrieval.Item
	total         int
	failed        int
}

// New creates an empty aggregator. permalinkBase is the site root used to
// build post permalinks, e.g. https://x.com.
func New(permalinkBase string) *Aggregator {
	a := &Aggregator{permalinkBase: strings.TrimRight(permalinkBase, "/")}
	a.Reset()
	return a
}

// Reset discards everything folded so far.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.folded = map[string]bool{}
	a.index = map[string]int{}
	a.items = nil
	a.total = 0
	a.failed = 0
}

// Add folds one batch. It returns the number of new unique items and false
// when the batch's sub-query was already folded.
func (a *Aggregator) Add(r retrieval.BatchResult) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.folded[r.SubQuery] {
		return 0, false
	}
	a.folded[r.SubQuery] = true
	if r.Failed() {
		a.failed++
		return 0, true
	}

	a.total += len(r.Items)
	added := 0
	for _, it := range r.Items {
		key := Identity(it)
		if pos, ok := a.index[key]; ok {
			a.items[pos].Sources = appendUnique(a.items[pos].Sources, r.SubQuery)
			continue
		}

		if it.Permalink == "" {
			it.Permalink = Permalink(a.permalinkBase, it.Author.Username, it.ID)
		}
		it.SubQuery = r.SubQuery
		it.Sources = []string{r.SubQuery}
		a.index[key] = len(a.items)
		a.items = append(a.items, it)
		added++
	}
	metrics.ItemsAggregated.Add(float64(added))
	return added, true
}

// Fold adds every batch not yet folded and returns the number of new items.
func (a *Aggregator) Fold(results []retrieval.BatchResult) int {
	added := 0
	for _, r := range results {
		n, _ := a.Add(r)
		added += n
	}
	return added
}

// Total is the running item count over folded batches.
func (a *Aggregator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Items returns a copy of the unique items in first-seen order.
func (a *Aggregator) Items() []retrieval.Item {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneItems(a.items)
}

// Snapshot returns a copy of the current aggregate.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		Items:   cloneItems(a.items),
		Total:   a.total,
		Unique:  len(a.items),
		Batches: len(a.folded),
		Failed:  a.failed,
	}
}

// Identity is the dedup key of an item: whitespace-normalized lowercase text
// plus the lowercase author username. Upstream ids are not trusted because
// some are synthesized.
func Identity(it retrieval.Item) string {
	text := strings.Join(strings.Fields(strings.ToLower(it.Text)), " ")
	return strings.ToLower(it.Author.Username) + "\x00" + text
}

// Permalink builds {base}/{username}/status/{id}. Posts without a known
// author use the "i" path segment.
func Permalink(base, username, id string) string {
	if id == "" {
		return ""
	}
	if username == "" {
		username = "i"
	}
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(username) + "/status/" + url.PathEscape(id)
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func cloneItems(items []retrieval.Item) []retrieval.Item {
	out := make([]retrieval.Item, len(items))
	for i, it := range items {
		it.Sources = append([]string(nil), it.Sources...)
		out[i] = it
	}
	return out
}
