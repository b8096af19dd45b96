package llm

import (
	"regexp"
	"strings"
)

// StripCodeFences removes a surrounding markdown code block, if any.
func StripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	lines := strings.Split(text, "\n")
	endIdx := len(lines)
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			endIdx = i
			break
		}
	}
	if len(lines) == 1 {
		return strings.TrimSpace(strings.Trim(text, "`"))
	}
	return strings.TrimSpace(strings.Join(lines[1:endIdx], "\n"))
}

var trailingComma = regexp.MustCompile(`,\s*([\]}])`)

// CleanJSON strips code fences, leading/trailing prose around the outermost
// JSON value, and trailing commas before closing brackets.
func CleanJSON(text string) string {
	text = StripCodeFences(text)
	start := strings.IndexAny(text, "[{")
	if start < 0 {
		return text
	}
	end := strings.LastIndexAny(text, "]}")
	if end < start {
		return text[start:]
	}
	text = text[start : end+1]
	return trailingComma.ReplaceAllString(text, "$1")
}
