package subquery

import (
	"encoding/json"
	"strings"

	"github.com/TobiSchelling/postscope/internal/llm"
)

// ParseList extracts sub-query strings from a model response. It accepts a
// JSON array of {"query": ...} objects or of plain strings, optionally inside
// code fences, with stray prose or trailing commas around it. It returns nil
// when nothing parses.
func ParseList(raw string) []string {
	text := llm.CleanJSON(raw)
	if text == "" {
		return nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal([]byte(text), &elems); err != nil {
		var wrapped struct {
			Queries []json.RawMessage `json:"queries"`
		}
		switch {
		case json.Unmarshal([]byte(text), &wrapped) == nil && wrapped.Queries != nil:
			elems = wrapped.Queries
		case json.Unmarshal([]byte("["+text+"]"), &elems) == nil:
		default:
			return nil
		}
	}

	var out []string
	for _, e := range elems {
		var s string
		if err := json.Unmarshal(e, &s); err != nil {
			var obj struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(e, &obj); err != nil {
				continue
			}
			s = obj.Query
		}
		if s = trimQuery(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func trimQuery(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'`“”「」{}[],")
	return strings.Join(strings.Fields(s), " ")
}
