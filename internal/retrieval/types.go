// Package retrieval executes sub-queries against the upstream retrieval
// workflow and decodes its event stream into posts.
package retrieval

import (
	"context"
	"time"
)

// Author describes who wrote a post.
type Author struct {
	Username    string  `json:"username"`
	DisplayName string  `json:"display_name"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}

// Metrics are engagement counts.
type Metrics struct {
	Likes   int `json:"likes"`
	Reposts int `json:"reposts"`
	Replies int `json:"replies"`
	Quotes  int `json:"quotes"`
	Views   int `json:"views"`
}

// Engagement is the sum of interaction counts, views excluded.
func (m Metrics) Engagement() int {
	return m.Likes + m.Reposts + m.Replies + m.Quotes
}

// Media is an attached image or video.
type Media struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Item is one retrieved post. Permalink, SubQuery and Sources are filled in
// when the item is merged into an aggregate.
type Item struct {
	ID        string   `json:"id"`
	Text      string   `json:"text"`
	Author    Author   `json:"author"`
	Metrics   Metrics  `json:"metrics"`
	CreatedAt string   `json:"created_at,omitempty"`
	Media     []Media  `json:"media,omitempty"`
	Links     []string `json:"links,omitempty"`
	Lang      string   `json:"lang,omitempty"`

	Permalink string   `json:"permalink,omitempty"`
	SubQuery  string   `json:"sub_query,omitempty"`
	Sources   []string `json:"sources,omitempty"`
}

// Metadata describes how a BatchResult was produced.
type Metadata struct {
	Total    int           `json:"total"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	Cached   bool          `json:"cached,omitempty"`
	Err      error         `json:"-"`
}

// BatchResult is the outcome of executing one sub-query. A failed execution
// has Meta.Err set and no items.
type BatchResult struct {
	SubQuery string   `json:"sub_query"`
	Items    []Item   `json:"items"`
	Meta     Metadata `json:"meta"`
}

// Failed reports whether the sub-query could not be executed.
func (r BatchResult) Failed() bool {
	return r.Meta.Err != nil
}

// Retriever executes one cleaned sub-query on behalf of user.
type Retriever interface {
	Retrieve(ctx context.Context, query, user string) ([]Item, error)
}
