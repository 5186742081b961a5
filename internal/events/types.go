package events

// Type names a domain event. Persisted event rows use the same names.
type Type string

const (
	TypeItemCreated         Type = "item.created"
	TypeItemMoved           Type = "item.moved"
	TypeItemClaimed         Type = "item.claimed"
	TypeItemReleased        Type = "item.released"
	TypeItemRejected        Type = "item.rejected"
	TypeDependencyAdded     Type = "dependency.added"
	TypePlanImported        Type = "plan.imported"
	TypeWorkLogged          Type = "worklog.added"
	TypeMissionStateChanged Type = "mission.state_changed"
	TypeMissionProgress     Type = "mission.progress"
	TypeActionDenied        Type = "action.denied"
)

// Event is a domain event published after the change it describes has committed.
type Event interface {
	EventType() Type
}

type ItemMoved struct {
	ItemID    string `json:"item_id"`
	MissionID string `json:"mission_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Agent     string `json:"agent,omitempty"`
	Forced    bool   `json:"forced,omitempty"`
}

func (ItemMoved) EventType() Type { return TypeItemMoved }

type ItemClaimed struct {
	ItemID    string `json:"item_id"`
	MissionID string `json:"mission_id"`
	Agent     string `json:"agent"`
}

func (ItemClaimed) EventType() Type { return TypeItemClaimed }

type ItemReleased struct {
	ItemID    string `json:"item_id"`
	MissionID string `json:"mission_id"`
	Agent     string `json:"agent"`
}

func (ItemReleased) EventType() Type { return TypeItemReleased }

type ItemRejected struct {
	ItemID         string `json:"item_id"`
	MissionID      string `json:"mission_id"`
	Agent          string `json:"agent"`
	Reason         string `json:"reason,omitempty"`
	RejectionCount int    `json:"rejection_count"`
	Escalated      bool   `json:"escalated"`
}

func (ItemRejected) EventType() Type { return TypeItemRejected }

type MissionStateChanged struct {
	MissionID string   `json:"mission_id"`
	From      string   `json:"from"`
	To        string   `json:"to"`
	Blockers  []string `json:"blockers,omitempty"`
}

func (MissionStateChanged) EventType() Type { return TypeMissionStateChanged }

type ActionDenied struct {
	Agent     string `json:"agent"`
	Role      string `json:"role"`
	Kind      string `json:"kind"`
	Tool      string `json:"tool,omitempty"`
	Path      string `json:"path,omitempty"`
	Operation string `json:"operation,omitempty"`
	Reason    string `json:"reason"`
}

func (ActionDenied) EventType() Type { return TypeActionDenied }
