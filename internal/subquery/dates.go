package subquery

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the date format used in since:/until: filters.
const DateLayout = "2006-01-02"

// Window is an inclusive date range.
type Window struct {
	Since time.Time
	Until time.Time
}

// Filter renders the window as search filter tokens.
func (w Window) Filter() string {
	return "since:" + w.Since.Format(DateLayout) + " until:" + w.Until.Format(DateLayout)
}

var (
	isoDate    = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	monthYear  = regexp.MustCompile(`(?i)\b(january|february|march|april|may|june|july|august|september|october|november|december|jan|feb|mar|apr|jun|jul|aug|sep|sept|oct|nov|dec)\.?\s+(\d{4})\b`)
	cjkYearMon = regexp.MustCompile(`(\d{4})年\s*(\d{1,2})月`)
	// Bare months must be capitalized so the modal verb "may" is not read as a month.
	bareMonth = regexp.MustCompile(`\b(January|February|March|April|May|June|July|August|September|October|November|December)\b`)
	cjkMonth  = regexp.MustCompile(`(\d{1,2})月`)
)

var relativeWords = []string{"latest", "recent", "this week", "past week", "最新", "最近", "今週"}

var monthNames = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "sept": time.September, "oct": time.October,
	"nov": time.November, "dec": time.December,
}

func parseMonth(name string) (time.Month, bool) {
	name = strings.ToLower(name)
	if len(name) > 3 && name != "sept" {
		name = name[:3]
	}
	m, ok := monthNames[name]
	return m, ok
}

func monthWindow(year int, month time.Month, loc *time.Location) Window {
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	return Window{Since: first, Until: first.AddDate(0, 1, -1)}
}

// ResolveDates derives a date window from the query text relative to now.
// Explicit dates win over month references, which win over relative phrases.
func ResolveDates(text string, now time.Time) (Window, bool) {
	loc := now.Location()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	if ms := isoDate.FindAllString(text, -1); len(ms) > 0 {
		var w Window
		found := false
		for _, s := range ms {
			d, err := time.ParseInLocation(DateLayout, s, loc)
			if err != nil {
				continue
			}
			if !found || d.Before(w.Since) {
				w.Since = d
			}
			if !found || d.After(w.Until) {
				w.Until = d
			}
			found = true
		}
		if found {
			return w, true
		}
	}

	if m := monthYear.FindStringSubmatch(text); m != nil {
		if month, ok := parseMonth(m[1]); ok {
			year, _ := strconv.Atoi(m[2])
			return monthWindow(year, month, loc), true
		}
	}
	if m := cjkYearMon.FindStringSubmatch(text); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		if month >= 1 && month <= 12 {
			return monthWindow(year, time.Month(month), loc), true
		}
	}

	month := time.Month(0)
	if m := bareMonth.FindStringSubmatch(text); m != nil {
		month, _ = parseMonth(m[1])
	} else if m := cjkMonth.FindStringSubmatch(text); m != nil {
		if n, _ := strconv.Atoi(m[1]); n >= 1 && n <= 12 {
			month = time.Month(n)
		}
	}
	if month != 0 {
		year := today.Year()
		if month > today.Month() {
			year--
		}
		w := monthWindow(year, month, loc)
		if w.Until.After(today) {
			w.Until = today
		}
		return w, true
	}

	lower := strings.ToLower(text)
	for _, word := range relativeWords {
		if strings.Contains(lower, word) {
			return Window{Since: today.AddDate(0, 0, -7), Until: today}, true
		}
	}
	return Window{}, false
}
