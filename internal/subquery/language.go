package subquery

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// Language is one target language of the default split.
type Language struct {
	Tag           string
	Share         float64
	MinEngagement int
}

// Allocation is how many sub-queries a language receives.
type Allocation struct {
	Language Language
	Count    int
}

var langFilter = regexp.MustCompile(`(?i)\blang:([a-z]{2,3})\b`)

// Words and CJK phrases that pin a query to one language.
var languageWords = map[string]string{
	"japanese": "ja", "japan": "ja",
	"english": "en", "america": "en", "american": "en", "british": "en", "uk": "en",
	"chinese": "zh", "china": "zh", "taiwan": "zh",
	"korean": "ko", "korea": "ko",
	"french": "fr", "france": "fr",
	"german": "de", "germany": "de",
	"spanish": "es", "spain": "es",
}

var languagePhrases = map[string]string{
	"日本語": "ja", "日本": "ja",
	"英語": "en", "英文": "en",
	"中国語": "zh", "中文": "zh", "中国": "zh",
	"韓国": "ko", "한국": "ko",
}

// DetectLanguage returns the language tag the query explicitly asks for, if any.
func DetectLanguage(text string) (string, bool) {
	if m := langFilter.FindStringSubmatch(text); m != nil {
		return strings.ToLower(m[1]), true
	}

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, w := range words {
		if tag, ok := languageWords[w]; ok {
			return tag, true
		}
	}

	// Longest phrase first so 日本語 wins over 日本.
	phrases := make([]string, 0, len(languagePhrases))
	for p := range languagePhrases {
		phrases = append(phrases, p)
	}
	sort.Slice(phrases, func(i, j int) bool { return len(phrases[i]) > len(phrases[j]) })
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return languagePhrases[p], true
		}
	}
	return "", false
}

// Plan splits n sub-queries across languages by share using the largest
// remainder method. Counts always sum to n.
func Plan(n int, langs []Language) []Allocation {
	if n <= 0 || len(langs) == 0 {
		return nil
	}

	var total float64
	for _, l := range langs {
		total += l.Share
	}
	if total <= 0 {
		total = 1
	}

	type rem struct {
		idx  int
		frac float64
	}
	out := make([]Allocation, len(langs))
	rems := make([]rem, len(langs))
	assigned := 0
	for i, l := range langs {
		exact := float64(n) * l.Share / total
		floor := math.Floor(exact)
		out[i] = Allocation{Language: l, Count: int(floor)}
		rems[i] = rem{idx: i, frac: exact - floor}
		assigned += int(floor)
	}

	sort.SliceStable(rems, func(i, j int) bool { return rems[i].frac > rems[j].frac })
	for i := 0; assigned < n; i = (i + 1) % len(rems) {
		out[rems[i].idx].Count++
		assigned++
	}
	return out
}

// slots expands a plan into one language per sub-query position.
func slots(plan []Allocation) []Language {
	var out []Language
	for _, a := range plan {
		for i := 0; i < a.Count; i++ {
			out = append(out, a.Language)
		}
	}
	return out
}

// languageFor returns the configured language for tag, or a language carrying
// the lowest configured threshold when the tag is not configured.
func languageFor(tag string, langs []Language) Language {
	lowest := 0
	for i, l := range langs {
		if strings.EqualFold(l.Tag, tag) {
			return l
		}
		if i == 0 || l.MinEngagement < lowest {
			lowest = l.MinEngagement
		}
	}
	return Language{Tag: tag, Share: 1, MinEngagement: lowest}
}
