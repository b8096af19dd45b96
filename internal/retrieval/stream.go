package retrieval

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	scannerInitialBuffer = 64 * 1024
	scannerMaxBuffer     = 16 * 1024 * 1024
	doneSentinel         = "[DONE]"
	maxPayloadDepth      = 3
)

// itemNamespace seeds synthesized ids for posts the upstream sent without one.
var itemNamespace = uuid.MustParse("6f1d2c4e-9a57-4c1b-8d3e-2b7f0e5a9c41")

// Output keys searched, in order, for the post list of a workflow payload.
var outputKeys = []string{"posts", "tweets", "result", "results", "output", "text"}

// streamEvent is one data payload of the workflow stream. Optional fields
// stay nil when the upstream leaves them out.
type streamEvent struct {
	Event   string          `json:"event"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Status  flexString      `json:"status"`
	Posts   json.RawMessage `json:"posts"`
	Data    *struct {
		Status  string                     `json:"status"`
		Error   string                     `json:"error"`
		Outputs map[string]json.RawMessage `json:"outputs"`
	} `json:"data"`
}

type wireAuthor struct {
	Username     string  `json:"username"`
	ScreenName   string  `json:"screen_name"`
	Name         string  `json:"name"`
	DisplayName  string  `json:"display_name"`
	AvatarURL    *string `json:"avatar_url"`
	ProfileImage *string `json:"profile_image_url"`
}

type wireMetrics struct {
	Likes     *int `json:"like_count"`
	Favorites *int `json:"favorite_count"`
	Reposts   *int `json:"retweet_count"`
	Replies   *int `json:"reply_count"`
	Quotes    *int `json:"quote_count"`
	Views     *int `json:"view_count"`
}

type wireItem struct {
	ID            flexString   `json:"id"`
	Text          string       `json:"text"`
	FullText      string       `json:"full_text"`
	Author        *wireAuthor  `json:"author"`
	User          *wireAuthor  `json:"user"`
	Metrics       *wireMetrics `json:"metrics"`
	PublicMetrics *wireMetrics `json:"public_metrics"`
	CreatedAt     string       `json:"created_at"`
	Media         []Media      `json:"media"`
	URLs          []string     `json:"urls"`
	Lang          string       `json:"lang"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// DecodeStream reads a workflow event stream and returns the posts it
// carries, in stream order with duplicate ids dropped. Blank lines, comments,
// pings and malformed lines are skipped. An error event ends decoding with an
// *APIError.
func DecodeStream(r io.Reader) ([]Item, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scannerInitialBuffer), scannerMaxBuffer)

	var (
		items     []Item
		seen      = map[string]bool{}
		eventName string
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			eventName = ""
			continue
		case strings.HasPrefix(line, ":"):
			continue
		case line == doneSentinel:
			return items, nil
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		case !strings.HasPrefix(line, "data:"):
			slog.Debug("skipping unexpected stream line", "line", truncate(line, 80))
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == doneSentinel {
			return items, nil
		}
		name := eventName
		eventName = ""
		if name == "ping" {
			continue
		}

		ev, err := decodeEvent([]byte(data))
		if err != nil {
			slog.Debug("skipping malformed stream payload", "error", err, "data", truncate(data, 120))
			continue
		}
		if ev.Event != "" {
			name = ev.Event
		}
		if name == "ping" {
			continue
		}
		if apiErr := ev.apiError(name); apiErr != nil {
			return items, apiErr
		}

		for _, it := range ev.items() {
			if seen[it.ID] {
				continue
			}
			seen[it.ID] = true
			items = append(items, it)
		}
	}
	if err := scanner.Err(); err != nil {
		return items, fmt.Errorf("reading stream: %w", err)
	}
	return items, nil
}

// decodeEvent parses a data payload, unwrapping a payload that was itself
// encoded as a JSON string.
func decodeEvent(data []byte) (*streamEvent, error) {
	for depth := 0; depth < maxPayloadDepth; depth++ {
		data = bytes.TrimSpace(data)
		if len(data) == 0 || data[0] != '"' {
			break
		}
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil, err
		}
		data = []byte(inner)
	}

	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		if len(data) == 0 || data[0] != '[' {
			return nil, err
		}
		ev = streamEvent{Posts: data}
	}
	return &ev, nil
}

func (ev *streamEvent) apiError(name string) *APIError {
	if name == "error" {
		return &APIError{Status: ev.status(), Code: ev.Code, Message: ev.Message}
	}
	if ev.Data != nil && strings.EqualFold(ev.Data.Status, "failed") {
		return &APIError{Status: ev.status(), Code: ev.Code, Message: ev.Data.Error}
	}
	return nil
}

func (ev *streamEvent) status() int {
	n, _ := strconv.Atoi(string(ev.Status))
	return n
}

func (ev *streamEvent) items() []Item {
	if len(ev.Posts) > 0 {
		return decodeItems(ev.Posts, 0)
	}
	if ev.Data == nil {
		return nil
	}
	for _, key := range outputKeys {
		if raw, ok := ev.Data.Outputs[key]; ok {
			if items := decodeItems(raw, 0); len(items) > 0 {
				return items
			}
		}
	}
	return nil
}

// decodeItems accepts a list of posts, an object wrapping one, or either of
// those double-encoded as a JSON string.
func decodeItems(raw json.RawMessage, depth int) []Item {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || depth >= maxPayloadDepth {
		return nil
	}

	switch raw[0] {
	case '"':
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil
		}
		return decodeItems(json.RawMessage(inner), depth+1)
	case '{':
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return nil
		}
		for _, key := range outputKeys {
			if inner, ok := wrapper[key]; ok {
				if items := decodeItems(inner, depth+1); len(items) > 0 {
					return items
				}
			}
		}
		var single wireItem
		if json.Unmarshal(raw, &single) == nil {
			if it, ok := single.toItem(); ok {
				return []Item{it}
			}
		}
		return nil
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return nil
		}
		out := make([]Item, 0, len(elems))
		for _, e := range elems {
			var w wireItem
			if err := json.Unmarshal(e, &w); err != nil {
				slog.Debug("skipping malformed post", "error", err)
				continue
			}
			if it, ok := w.toItem(); ok {
				out = append(out, it)
			}
		}
		return out
	}
	return nil
}

func (w wireItem) toItem() (Item, bool) {
	text := w.FullText
	if text == "" {
		text = w.Text
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Item{}, false
	}

	it := Item{
		ID:        string(w.ID),
		Text:      text,
		CreatedAt: w.CreatedAt,
		Media:     w.Media,
		Links:     w.URLs,
		Lang:      w.Lang,
	}

	a := w.Author
	if a == nil {
		a = w.User
	}
	if a != nil {
		it.Author.Username = strings.TrimPrefix(firstNonEmpty(a.Username, a.ScreenName), "@")
		it.Author.DisplayName = firstNonEmpty(a.DisplayName, a.Name, it.Author.Username)
		it.Author.AvatarURL = a.AvatarURL
		if it.Author.AvatarURL == nil {
			it.Author.AvatarURL = a.ProfileImage
		}
	}

	m := w.Metrics
	if m == nil {
		m = w.PublicMetrics
	}
	if m != nil {
		it.Metrics = Metrics{
			Likes:   intOr(m.Likes, intOr(m.Favorites, 0)),
			Reposts: intOr(m.Reposts, 0),
			Replies: intOr(m.Replies, 0),
			Quotes:  intOr(m.Quotes, 0),
			Views:   intOr(m.Views, 0),
		}
	}

	if it.ID == "" {
		it.ID = uuid.NewSHA1(itemNamespace, []byte(it.Author.Username+"\x00"+text)).String()
	}
	return it, true
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// truncate clips s to n runes for log output.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..." + strconv.Itoa(len(r)-n) + " more"
}
