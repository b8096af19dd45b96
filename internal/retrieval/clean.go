package retrieval

import "strings"

var wrappingQuotes = [][2]string{{`"`, `"`}, {"'", "'"}, {"“", "”"}, {"「", "」"}, {"`", "`"}}

// CleanQuery prepares a sub-query for the workflow: surrounding whitespace
// and wrapping quotes are removed and internal runs of whitespace collapse to
// one space. Filter tokens such as since:/until: pass through untouched.
func CleanQuery(q string) string {
	q = strings.TrimSpace(q)
	for changed := true; changed; {
		changed = false
		for _, p := range wrappingQuotes {
			if len(q) >= len(p[0])+len(p[1]) && strings.HasPrefix(q, p[0]) && strings.HasSuffix(q, p[1]) {
				q = strings.TrimSpace(q[len(p[0]) : len(q)-len(p[1])])
				changed = true
			}
		}
	}
	return strings.Join(strings.Fields(q), " ")
}
