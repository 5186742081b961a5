package missionboardsdk

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

// Client is a minimal Missionboard HTTP API client.
type Client struct {
	BaseURL string
	// AgentType and TeammateName are sent as identity headers so the
	// server can resolve the calling agent and gate its operations.
	AgentType    string
	TeammateName string
	ActorID      string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Mission represents the API mission model (partial).
type Mission struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	State      string         `json:"state"`
	Blockers   []string       `json:"blockers,omitempty"`
	ItemCounts map[string]int `json:"item_counts,omitempty"`
}

// Item represents a work item.
type Item struct {
	ID             string   `json:"id"`
	MissionID      string   `json:"mission_id"`
	Title          string   `json:"title"`
	StageID        string   `json:"stage_id"`
	AssignedAgent  *string  `json:"assigned_agent,omitempty"`
	RejectionCount int      `json:"rejection_count"`
	Dependencies   []string `json:"dependencies,omitempty"`
}

// Claim is an agent's exclusive hold on an item.
type Claim struct {
	ItemID    string `json:"item_id"`
	AgentID   string `json:"agent_id"`
	ClaimedAt string `json:"claimed_at"`
}

// RejectResult reports where a rejected item landed.
type RejectResult struct {
	Item      Item `json:"item"`
	Escalated bool `json:"escalated"`
}

// Action is something an agent is about to do.
type Action struct {
	Kind      string `json:"kind"`
	Tool      string `json:"tool,omitempty"`
	Path      string `json:"path,omitempty"`
	Operation string `json:"operation,omitempty"`
}

// Decision is the guard's verdict on an action.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Authorization is the response of the authorize endpoint.
type Authorization struct {
	Agent    string   `json:"agent,omitempty"`
	Role     string   `json:"role,omitempty"`
	Action   Action   `json:"action"`
	Decision Decision `json:"decision"`
}

// Denial is a denied action to be recorded in the server's event log.
type Denial struct {
	Agent     string `json:"agent"`
	Role      string `json:"role,omitempty"`
	Kind      string `json:"kind"`
	Tool      string `json:"tool,omitempty"`
	Path      string `json:"path,omitempty"`
	Operation string `json:"operation,omitempty"`
	Reason    string `json:"reason"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	MissionID  string         `json:"mission_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the server's error code when
// the body carried the error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CurrentMission returns the non-archived mission with its item counts.
func (c *Client) CurrentMission(ctx context.Context) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, "missions/current", nil, &resp)
	return resp, err
}

// CreateItem adds an item to the current mission.
func (c *Client) CreateItem(ctx context.Context, title string, dependsOn ...string) (Item, error) {
	body := map[string]any{"title": title}
	if len(dependsOn) > 0 {
		body["depends_on"] = dependsOn
	}
	var resp Item
	err := c.do(ctx, http.MethodPost, "items", body, &resp)
	return resp, err
}

// GetItem fetches an item by id.
func (c *Client) GetItem(ctx context.Context, id string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodGet, "items/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// MoveItem moves an item to another stage.
func (c *Client) MoveItem(ctx context.Context, id, to string, force bool) (Item, error) {
	body := map[string]any{"to": to, "force": force}
	if c.ActorID != "" {
		body["agent"] = c.ActorID
	}
	var resp Item
	err := c.do(ctx, http.MethodPost, "items/"+url.PathEscape(id)+"/move", body, &resp)
	return resp, err
}

// ClaimItem claims an item for the calling agent.
func (c *Client) ClaimItem(ctx context.Context, id string) (Claim, error) {
	var resp Claim
	err := c.do(ctx, http.MethodPost, c.withAgent("items/"+url.PathEscape(id)+"/claim"), nil, &resp)
	return resp, err
}

// ReleaseItem drops the calling agent's claim.
func (c *Client) ReleaseItem(ctx context.Context, id string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodPost, c.withAgent("items/"+url.PathEscape(id)+"/release"), nil, &resp)
	return resp, err
}

// RejectItem sends an item back, escalating it once the threshold is hit.
func (c *Client) RejectItem(ctx context.Context, id, reason string) (RejectResult, error) {
	body := map[string]any{"reason": reason}
	if c.ActorID != "" {
		body["agent"] = c.ActorID
	}
	var resp RejectResult
	err := c.do(ctx, http.MethodPost, "items/"+url.PathEscape(id)+"/reject", body, &resp)
	return resp, err
}

// AddWorkLog appends a work log entry to an item.
func (c *Client) AddWorkLog(ctx context.Context, id, action, summary string) error {
	body := map[string]any{"action": action, "summary": summary}
	if c.ActorID != "" {
		body["agent"] = c.ActorID
	}
	return c.do(ctx, http.MethodPost, "items/"+url.PathEscape(id)+"/worklog", body, nil)
}

// Authorize asks the server's guard about a tool invocation.
func (c *Client) Authorize(ctx context.Context, toolName string, toolInput map[string]any) (Authorization, error) {
	body := map[string]any{
		"agent_type":    c.AgentType,
		"teammate_name": c.TeammateName,
		"tool_name":     toolName,
		"tool_input":    toolInput,
	}
	var resp Authorization
	err := c.do(ctx, http.MethodPost, "agents/authorize", body, &resp)
	return resp, err
}

// RecordDenial appends a denial decided by a local guard to the server log.
func (c *Client) RecordDenial(ctx context.Context, d Denial) error {
	return c.do(ctx, http.MethodPost, "audit/denials", d, nil)
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) withAgent(endpoint string) string {
	if c.ActorID == "" {
		return endpoint
	}
	return endpoint + "?agent=" + url.QueryEscape(c.ActorID)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AgentType != "" {
		req.Header.Set("X-Agent-Type", c.AgentType)
	}
	if c.TeammateName != "" {
		req.Header.Set("X-Teammate-Name", c.TeammateName)
	}
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
