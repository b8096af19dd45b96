package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client calls a streaming workflow API (POST {base}/workflows/run).
type Client struct {
	BaseURL    string
	WorkflowID string
	apiKey     string
	client     *http.Client
}

// NewClient creates a workflow client. timeout bounds each request,
// including reading the stream.
func NewClient(baseURL, workflowID, apiKey string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		WorkflowID: workflowID,
		apiKey:     apiKey,
		client:     &http.Client{Timeout: timeout},
	}
}

type runRequest struct {
	Inputs       map[string]string `json:"inputs"`
	WorkflowID   string            `json:"workflow_id,omitempty"`
	ResponseMode string            `json:"response_mode"`
	User         string            `json:"user"`
}

// Retrieve runs the workflow for one sub-query and decodes the streamed posts.
func (c *Client) Retrieve(ctx context.Context, query, user string) ([]Item, error) {
	body, err := json.Marshal(runRequest{
		Inputs:       map[string]string{"query": query},
		WorkflowID:   c.WorkflowID,
		ResponseMode: "streaming",
		User:         user,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/workflows/run", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() == nil && isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("workflow request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, readAPIError(resp)
	}

	items, err := DecodeStream(resp.Body)
	if err != nil && ctx.Err() == nil && isTimeout(err) {
		return items, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return items, err
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{Status: resp.StatusCode}

	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil {
		apiErr.Code, apiErr.Message = payload.Code, payload.Message
		if payload.Error != nil {
			apiErr.Code = firstNonEmpty(apiErr.Code, payload.Error.Code)
			apiErr.Message = firstNonEmpty(apiErr.Message, payload.Error.Message)
		}
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}
