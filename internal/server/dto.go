package server

import (
	"encoding/json"

	"missionboard/internal/domain"
	"missionboard/internal/engine"
	"missionboard/internal/guard"
)

// Request payloads

type InitMissionRequest struct {
	Name    string `json:"name"`
	PRDPath string `json:"prd_path,omitempty"`
	Force   bool   `json:"force,omitempty"`
}

type CreateItemRequest struct {
	ID          string   `json:"id,omitempty"`
	MissionID   string   `json:"mission_id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Type        string   `json:"type,omitempty"`
	Priority    *int     `json:"priority,omitempty"`
	Stage       string   `json:"stage,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

type MoveItemRequest struct {
	From  string `json:"from,omitempty"`
	To    string `json:"to"`
	Force bool   `json:"force,omitempty"`
	Agent string `json:"agent,omitempty" doc:"Acting agent when the request carries no identity headers"`
}

type ReasonRequest struct {
	Agent  string `json:"agent,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type AddDependencyRequest struct {
	DependsOn string `json:"depends_on"`
}

type WorkLogRequest struct {
	Agent   string `json:"agent,omitempty"`
	Action  string `json:"action,omitempty"`
	Summary string `json:"summary"`
}

type ResolveRequest struct {
	AgentType    string `json:"agent_type,omitempty"`
	TeammateName string `json:"teammate_name,omitempty"`
}

type AuthorizeRequest struct {
	AgentType    string         `json:"agent_type,omitempty"`
	TeammateName string         `json:"teammate_name,omitempty"`
	Action       *guard.Action  `json:"action,omitempty"`
	ToolName     string         `json:"tool_name,omitempty"`
	ToolInput    map[string]any `json:"tool_input,omitempty"`
}

type DenialRequest struct {
	Agent     string `json:"agent"`
	Role      string `json:"role,omitempty"`
	Kind      string `json:"kind"`
	Tool      string `json:"tool,omitempty"`
	Path      string `json:"path,omitempty"`
	Operation string `json:"operation,omitempty"`
	Reason    string `json:"reason"`
}

// Response payloads

type ResolveResponse struct {
	Agent    string `json:"agent,omitempty"`
	Resolved bool   `json:"resolved"`
	Role     string `json:"role,omitempty"`
}

type AuthorizeResponse struct {
	Agent    string         `json:"agent,omitempty"`
	Role     string         `json:"role,omitempty"`
	Action   guard.Action   `json:"action"`
	Decision guard.Decision `json:"decision"`
}

type MissionResponse struct {
	domain.Mission
	ItemCounts map[string]int `json:"item_counts,omitempty"`
}

type ClaimResponse struct {
	ItemID     string `json:"item_id"`
	AgentID    string `json:"agent_id"`
	ClaimedAt  string `json:"claimed_at" format:"date-time"`
	StageID    string `json:"stage_id,omitempty"`
	AgeSeconds int64  `json:"age_seconds"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	MissionID  string          `json:"mission_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func claimResponses(items []engine.ClaimStatus) []ClaimResponse {
	out := make([]ClaimResponse, 0, len(items))
	for _, c := range items {
		out = append(out, ClaimResponse{
			ItemID:     c.ItemID,
			AgentID:    c.AgentID,
			ClaimedAt:  c.ClaimedAt,
			StageID:    c.StageID,
			AgeSeconds: c.AgeSeconds,
		})
	}
	return out
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		MissionID:  evt.MissionID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}
