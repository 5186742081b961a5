package domain

// Well-known stage ids the core relies on.
const (
	StageBriefings = "briefings"
	StageReady     = "ready"
	StageDone      = "done"
	StageBlocked   = "blocked"
)

// MissionState is the lifecycle state of a mission.
type MissionState string

const (
	MissionInitializing    MissionState = "initializing"
	MissionPrechecking     MissionState = "prechecking"
	MissionPrecheckFailure MissionState = "precheck_failure"
	MissionRunning         MissionState = "running"
	MissionPostchecking    MissionState = "postchecking"
	MissionCompleted       MissionState = "completed"
	MissionFailed          MissionState = "failed"
	MissionArchived        MissionState = "archived"
)

type Stage struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Order    int    `json:"order"`
	WIPLimit *int   `json:"wip_limit,omitempty"`
}

type Item struct {
	ID             string   `json:"id"`
	MissionID      string   `json:"mission_id"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Type           string   `json:"type"`
	Priority       *int     `json:"priority,omitempty"`
	StageID        string   `json:"stage_id"`
	AssignedAgent  *string  `json:"assigned_agent,omitempty"`
	RejectionCount int      `json:"rejection_count"`
	Dependencies   []string `json:"dependencies,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
	CompletedAt    *string  `json:"completed_at,omitempty" format:"date-time"`
}

type AgentClaim struct {
	ItemID    string `json:"item_id"`
	AgentID   string `json:"agent_id"`
	ClaimedAt string `json:"claimed_at" format:"date-time"`
}

type Mission struct {
	ID                 string       `json:"id"`
	Name               string       `json:"name"`
	State              MissionState `json:"state" enum:"initializing,prechecking,precheck_failure,running,postchecking,completed,failed,archived"`
	PRDPath            string       `json:"prd_path,omitempty"`
	StartedAt          string       `json:"started_at" format:"date-time"`
	ExecutionStartedAt *string      `json:"execution_started_at,omitempty" format:"date-time"`
	CompletedAt        *string      `json:"completed_at,omitempty" format:"date-time"`
	DurationMS         *int64       `json:"duration_ms,omitempty"`
	ArchivedAt         *string      `json:"archived_at,omitempty" format:"date-time"`
	Blockers           []string     `json:"blockers,omitempty"`
	CreatedAt          string       `json:"created_at" format:"date-time"`
	UpdatedAt          string       `json:"updated_at" format:"date-time"`
}

// Active reports whether the mission still occupies the single active slot.
func (m Mission) Active() bool {
	return m.State != MissionArchived
}

type WorkLogEntry struct {
	ID        string `json:"id"`
	ItemID    string `json:"item_id"`
	Agent     string `json:"agent"`
	Action    string `json:"action"`
	Summary   string `json:"summary"`
	Timestamp string `json:"timestamp" format:"date-time"`
}

// Blocker is one failing mission check.
type Blocker struct {
	Check   string `json:"check"`
	Message string `json:"message"`
}

func (b Blocker) String() string {
	if b.Message == "" {
		return b.Check
	}
	return b.Check + ": " + b.Message
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	MissionID  string `json:"mission_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
