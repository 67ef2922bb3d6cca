package bullpensdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Bullpen HTTP API client.
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

// Task represents the API task model (partial).
type Task struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Priority   int            `json:"priority"`
	Status     string         `json:"status"`
	Payload    map[string]any `json:"payload,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	AssignedTo *string        `json:"assigned_to,omitempty"`
	Retries    int            `json:"retries"`
}

// Message represents a delivered message.
type Message struct {
	ID        string         `json:"id"`
	From      string         `json:"from"`
	To        *string        `json:"to,omitempty"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt string         `json:"created_at"`
	ReadAt    *string        `json:"read_at,omitempty"`
}

// Lock represents a resource lease.
type Lock struct {
	ResourceKey string `json:"resource_key"`
	Holder      string `json:"holder"`
	AcquiredAt  string `json:"acquired_at"`
	ExpiresAt   string `json:"expires_at"`
}

// ApprovalItem represents an entry in the human approval gate.
type ApprovalItem struct {
	ID          string  `json:"id"`
	ItemType    string  `json:"item_type"`
	Reference   string  `json:"reference"`
	SubmittedBy string  `json:"submitted_by"`
	Status      string  `json:"status"`
	DecidedBy   *string `json:"decided_by,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateTask enqueues a task.
func (c *Client) CreateTask(ctx context.Context, taskType string, priority int, payload any) (Task, error) {
	body := map[string]any{
		"type":     taskType,
		"priority": priority,
	}
	if payload != nil {
		body["payload"] = payload
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

// Claim takes the next claimable task matching types. A nil task with a nil
// error means nothing was claimable; try again later.
func (c *Client) Claim(ctx context.Context, types ...string) (*Task, error) {
	body := map[string]any{"types": types}
	var resp struct {
		Task *Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, "tasks/claim", body, &resp)
	return resp.Task, err
}

// Complete reports a claimed task finished.
func (c *Client) Complete(ctx context.Context, taskID string, result any) (Task, error) {
	body := map[string]any{}
	if result != nil {
		body["result"] = result
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "complete"), body, &resp)
	return resp, err
}

// Fail reports a failed attempt. The server decides whether the task retries
// or is parked as failed.
func (c *Client) Fail(ctx context.Context, taskID, reason string) (Task, error) {
	body := map[string]any{"reason": reason}
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "fail"), body, &resp)
	return resp, err
}

// Heartbeat refreshes the claim. Callers should check the returned status:
// a cancelled task means stop working on it.
func (c *Client) Heartbeat(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "heartbeat"), nil, &resp)
	return resp, err
}

// AcquireLock attempts to take a lease on a resource key.
func (c *Client) AcquireLock(ctx context.Context, key string, ttlSeconds int) (Lock, error) {
	body := map[string]any{"resource_key": key}
	if ttlSeconds > 0 {
		body["ttl_seconds"] = ttlSeconds
	}
	var resp Lock
	err := c.do(ctx, http.MethodPost, "locks", body, &resp)
	return resp, err
}

// RenewLock extends a lease the caller still holds.
func (c *Client) RenewLock(ctx context.Context, key string, ttlSeconds int) (Lock, error) {
	body := map[string]any{}
	if ttlSeconds > 0 {
		body["ttl_seconds"] = ttlSeconds
	}
	var resp Lock
	err := c.do(ctx, http.MethodPost, lockPath(key, "renew"), body, &resp)
	return resp, err
}

// ReleaseLock gives a lease back. Releasing a lease held by someone else is
// a no-op, not an error.
func (c *Client) ReleaseLock(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodPost, lockPath(key, "release"), nil, nil)
}

// SendMessage sends to one worker, or broadcasts when to is empty.
func (c *Client) SendMessage(ctx context.Context, to, msgType string, payload any) (Message, error) {
	body := map[string]any{"type": msgType}
	if to != "" {
		body["to"] = to
	}
	if payload != nil {
		body["payload"] = payload
	}
	var resp Message
	err := c.do(ctx, http.MethodPost, "messages", body, &resp)
	return resp, err
}

// PollMessages returns undelivered messages for the authenticated worker.
func (c *Client) PollMessages(ctx context.Context, limit int) ([]Message, error) {
	endpoint := "messages"
	if limit > 0 {
		endpoint = fmt.Sprintf("messages?limit=%d", limit)
	}
	var resp []Message
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// MarkRead marks a message as handled.
func (c *Client) MarkRead(ctx context.Context, id string) (Message, error) {
	var resp Message
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("messages/%s/read", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// RecordOutcome appends to the execution ledger.
func (c *Client) RecordOutcome(ctx context.Context, taskID, outcome string, durationMS int64, errorSummary string) error {
	body := map[string]any{
		"task_id":     taskID,
		"outcome":     outcome,
		"duration_ms": durationMS,
	}
	if errorSummary != "" {
		body["error_summary"] = errorSummary
	}
	return c.do(ctx, http.MethodPost, "outcomes", body, nil)
}

// AddLearning stores a learning for the authenticated worker.
func (c *Client) AddLearning(ctx context.Context, category, content string, confidence float64) error {
	body := map[string]any{
		"category":   category,
		"content":    content,
		"confidence": confidence,
	}
	return c.do(ctx, http.MethodPost, "learnings", body, nil)
}

// SubmitApproval files an item for human review. Workers submit; deciding
// is for humans, through the CLI or their own tooling.
func (c *Client) SubmitApproval(ctx context.Context, itemType, reference string) (ApprovalItem, error) {
	body := map[string]any{
		"item_type": itemType,
		"reference": reference,
	}
	var resp ApprovalItem
	err := c.do(ctx, http.MethodPost, "approvals", body, &resp)
	return resp, err
}

// SelectProvider returns the first candidate not currently rate limited.
func (c *Client) SelectProvider(ctx context.Context, prefer ...string) (string, error) {
	endpoint := "providers/select"
	if len(prefer) > 0 {
		q := url.Values{}
		for _, p := range prefer {
			q.Add("prefer", p)
		}
		endpoint = "providers/select?" + q.Encode()
	}
	var resp struct {
		Provider string `json:"provider"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Provider, err
}

// ReportProviderLimited flags a provider as rate limited until resetAt
// (RFC3339; empty means until cleared by hand).
func (c *Client) ReportProviderLimited(ctx context.Context, provider, resetAt string) error {
	body := map[string]any{}
	if resetAt != "" {
		body["reset_at"] = resetAt
	}
	endpoint := fmt.Sprintf("providers/%s/limit", url.PathEscape(provider))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
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
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func taskPath(taskID, action string) string {
	return fmt.Sprintf("tasks/%s/%s", url.PathEscape(taskID), action)
}

func lockPath(key, action string) string {
	return fmt.Sprintf("locks/%s/%s", url.PathEscape(key), action)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
