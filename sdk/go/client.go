package sitepunchsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sitepunch/internal/domain"
	"sitepunch/internal/queue"
)

// Client is a minimal sitepunch HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// EntriesPage wraps entry list responses with the next cursor.
type EntriesPage struct {
	Items      []domain.TimeEntry `json:"items"`
	NextCursor string             `json:"next_cursor"`
}

// ClockIn submits a clock-in attempt.
func (c *Client) ClockIn(ctx context.Context, jobID, idempotencyKey, at string, loc domain.Location) (domain.TimeEntry, error) {
	body := map[string]any{
		"job_id":          jobID,
		"idempotency_key": idempotencyKey,
		"location":        loc,
	}
	if at != "" {
		body["at"] = at
	}
	var resp domain.TimeEntry
	err := c.do(ctx, http.MethodPost, "v0/clock-in", body, &resp)
	return resp, err
}

// ClockOut closes the caller's open entry.
func (c *Client) ClockOut(ctx context.Context, idempotencyKey, at string, loc domain.Location) (domain.TimeEntry, error) {
	body := map[string]any{
		"idempotency_key": idempotencyKey,
		"location":        loc,
	}
	if at != "" {
		body["at"] = at
	}
	var resp domain.TimeEntry
	err := c.do(ctx, http.MethodPost, "v0/clock-out", body, &resp)
	return resp, err
}

// Entries returns a page of time entries.
func (c *Client) Entries(ctx context.Context, status, tag string, limit int, cursor string) (EntriesPage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if tag != "" {
		q.Set("tag", tag)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/entries"
	if encoded := q.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp EntriesPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Approve approves a pending entry.
func (c *Client) Approve(ctx context.Context, entryID string) (domain.TimeEntry, error) {
	var resp domain.TimeEntry
	endpoint := fmt.Sprintf("v0/entries/%s/approve", url.PathEscape(entryID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Reject rejects a pending entry with a reason.
func (c *Client) Reject(ctx context.Context, entryID, reason string) (domain.TimeEntry, error) {
	var resp domain.TimeEntry
	endpoint := fmt.Sprintf("v0/entries/%s/reject", url.PathEscape(entryID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Dispute files a dispute against the caller's pending entry.
func (c *Client) Dispute(ctx context.Context, entryID, reason string) (domain.TimeEntry, error) {
	var resp domain.TimeEntry
	endpoint := fmt.Sprintf("v0/entries/%s/dispute", url.PathEscape(entryID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &envelope) == nil && envelope.Error.Code != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

// QueueExecutor adapts the client to the offline queue. Definitive server
// denials (409 already clocked in, 403 not assigned, 422 outside geofence,
// 404, 400) become terminal so the queue stops replaying them; transport
// failures and 5xx stay retryable.
type QueueExecutor struct {
	Client *Client
}

func (x QueueExecutor) ExecClockIn(ctx context.Context, idempotencyKey string, p queue.ClockInPayload) error {
	_, err := x.Client.ClockIn(ctx, p.JobID, idempotencyKey, p.At, p.Location)
	return classifyExecErr(err)
}

func (x QueueExecutor) ExecClockOut(ctx context.Context, idempotencyKey string, p queue.ClockOutPayload) error {
	_, err := x.Client.ClockOut(ctx, idempotencyKey, p.At, p.Location)
	return classifyExecErr(err)
}

func classifyExecErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 &&
			apiErr.StatusCode != http.StatusRequestTimeout &&
			apiErr.StatusCode != http.StatusTooManyRequests {
			return queue.Terminal(err)
		}
	}
	return err
}
