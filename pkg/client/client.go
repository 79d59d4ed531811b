// Package client is a thin HTTP wrapper for the courier admin API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to a courier server's admin API.
type Client struct {
	URL        string
	HTTPClient *http.Client
}

// New creates a new courier client.
func New(url string) *Client {
	return &Client{
		URL: url,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// SubmitResult is the response from submitting a job.
type SubmitResult struct {
	JobID     string `json:"jobId"`
	Timestamp int64  `json:"timestamp"`
}

// Submit enqueues a conversation job payload.
func (c *Client) Submit(ctx context.Context, payload interface{}) (*SubmitResult, error) {
	var result SubmitResult
	if err := c.doRequest(ctx, "POST", "/api/v1/jobs", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Conversation is a directory entry.
type Conversation struct {
	ConversationID string `json:"conversationId"`
	Kind           string `json:"kind"`
	Identifier     string `json:"identifier"`
}

// CreateConversation registers a conversation so jobs can be submitted
// against it. Idempotent on identifier.
func (c *Client) CreateConversation(ctx context.Context, identifier, kind string) (*Conversation, error) {
	body := map[string]string{"identifier": identifier}
	if kind != "" {
		body["kind"] = kind
	}
	var result Conversation
	if err := c.doRequest(ctx, "POST", "/api/v1/conversations", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Lane is one conversation lane's snapshot.
type Lane struct {
	ConversationID string `json:"conversationId"`
	Pending        int    `json:"pending"`
	Processed      uint64 `json:"processed"`
	Busy           bool   `json:"busy"`
}

// Lanes returns the per-conversation lane snapshot.
func (c *Client) Lanes(ctx context.Context) ([]Lane, error) {
	var result struct {
		Lanes []Lane `json:"lanes"`
	}
	if err := c.doRequest(ctx, "GET", "/api/v1/queues", nil, &result); err != nil {
		return nil, err
	}
	return result.Lanes, nil
}

// HistoryEntry is a terminal job outcome.
type HistoryEntry struct {
	JobID          string `json:"jobId"`
	QueueType      string `json:"queueType"`
	Kind           string `json:"kind"`
	ConversationID string `json:"conversationId"`
	Outcome        string `json:"outcome"`
	Error          string `json:"error,omitempty"`
	Attempts       int    `json:"attempts"`
	CreatedAt      string `json:"createdAt"`
	FinishedAt     string `json:"finishedAt"`
}

// History returns the newest terminal outcomes.
func (c *Client) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	path := "/api/v1/history"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var result struct {
		Entries []HistoryEntry `json:"entries"`
	}
	if err := c.doRequest(ctx, "GET", path, nil, &result); err != nil {
		return nil, err
	}
	return result.Entries, nil
}

// ConversationHistory returns the newest outcomes for one conversation.
func (c *Client) ConversationHistory(ctx context.Context, conversationID string, limit int) ([]HistoryEntry, error) {
	path := "/api/v1/conversations/" + conversationID + "/history"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var result struct {
		Entries []HistoryEntry `json:"entries"`
	}
	if err := c.doRequest(ctx, "GET", path, nil, &result); err != nil {
		return nil, err
	}
	return result.Entries, nil
}

// VerificationState is the conversation's gating state.
type VerificationState struct {
	Pending     bool     `json:"pending"`
	CancelledAt int64    `json:"cancelledAt"`
	Untrusted   []string `json:"untrusted"`
}

// Verification returns the conversation's verification state.
func (c *Client) Verification(ctx context.Context, conversationID string) (*VerificationState, error) {
	var result VerificationState
	if err := c.doRequest(ctx, "GET", "/api/v1/conversations/"+conversationID+"/verification", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ApproveVerification clears the pending-verification gate and wakes
// blocked jobs.
func (c *Client) ApproveVerification(ctx context.Context, conversationID string) error {
	return c.doRequest(ctx, "POST", "/api/v1/conversations/"+conversationID+"/verification/approve", nil, nil)
}

// CancelSends abandons the conversation's queued jobs.
func (c *Client) CancelSends(ctx context.Context, conversationID string) error {
	return c.doRequest(ctx, "POST", "/api/v1/conversations/"+conversationID+"/verification/cancel", nil, nil)
}

// RegisterChallenge records a captcha challenge against the conversation.
func (c *Client) RegisterChallenge(ctx context.Context, conversationID, token string, retryAfter time.Duration) error {
	body := map[string]interface{}{
		"token":         token,
		"retryAfterSec": int(retryAfter / time.Second),
	}
	return c.doRequest(ctx, "POST", "/api/v1/conversations/"+conversationID+"/challenge", body, nil)
}

// SolveChallenge marks the conversation's challenge solved and wakes
// blocked jobs.
func (c *Client) SolveChallenge(ctx context.Context, conversationID string) error {
	return c.doRequest(ctx, "DELETE", "/api/v1/conversations/"+conversationID+"/challenge", nil, nil)
}

// Health checks the server.
func (c *Client) Health(ctx context.Context) error {
	return c.doRequest(ctx, "GET", "/healthz", nil, nil)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		json.Unmarshal(data, &apiErr)
		return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Error)
	}

	if result != nil {
		return json.Unmarshal(data, result)
	}
	return nil
}
