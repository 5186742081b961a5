package engine

import (
	"errors"
	"fmt"
	"strings"

	"missionboard/internal/domain"
	"missionboard/internal/graph"
	"missionboard/internal/repo"
)

// DependencyNotFoundError is raised by the dependency graph.
type DependencyNotFoundError = graph.DependencyNotFoundError

type InvalidTransitionError struct {
	ItemID string
	From   string
	To     string
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
	if e.ItemID != "" {
		msg += " for " + e.ItemID
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Code() string { return "invalid_transition" }

type WipLimitExceededError struct {
	Stage string
	Limit int
	Count int
}

func (e *WipLimitExceededError) Error() string {
	return fmt.Sprintf("wip limit exceeded for %s: %d/%d", e.Stage, e.Count, e.Limit)
}

func (e *WipLimitExceededError) Code() string { return "wip_limit_exceeded" }

type NotClaimedError struct {
	ItemID string
	Agent  string
	HeldBy string
}

func (e *NotClaimedError) Error() string {
	switch {
	case e.HeldBy != "":
		return fmt.Sprintf("%s is claimed by %s, not %s", e.ItemID, e.HeldBy, e.Agent)
	case e.Agent != "":
		return fmt.Sprintf("%s is not claimed by %s", e.ItemID, e.Agent)
	default:
		return fmt.Sprintf("%s is not claimed", e.ItemID)
	}
}

func (e *NotClaimedError) Code() string { return "not_claimed" }

type AgentBusyError struct {
	ItemID string
	HeldBy string
}

func (e *AgentBusyError) Error() string {
	return fmt.Sprintf("%s is already claimed by %s", e.ItemID, e.HeldBy)
}

func (e *AgentBusyError) Code() string { return "agent_busy" }

type CyclicDependencyError struct {
	ItemID    string
	DependsOn string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("dependency %s -> %s would create a cycle", e.ItemID, e.DependsOn)
}

func (e *CyclicDependencyError) Code() string { return "cyclic_dependency" }

type InvalidMissionStateError struct {
	MissionID string
	State     domain.MissionState
	Operation string
	Expected  []domain.MissionState
}

func (e *InvalidMissionStateError) Error() string {
	msg := fmt.Sprintf("%s not allowed while mission %s is %s", e.Operation, e.MissionID, e.State)
	if len(e.Expected) > 0 {
		states := make([]string, len(e.Expected))
		for i, s := range e.Expected {
			states[i] = string(s)
		}
		msg += " (requires " + strings.Join(states, "|") + ")"
	}
	return msg
}

func (e *InvalidMissionStateError) Code() string { return "invalid_mission_state" }

type MissionAlreadyActiveError struct {
	ID    string
	State domain.MissionState
}

func (e *MissionAlreadyActiveError) Error() string {
	return fmt.Sprintf("mission %s is already active (%s); use force to archive it", e.ID, e.State)
}

func (e *MissionAlreadyActiveError) Code() string { return "mission_already_active" }

// ChecksFailedError carries every failing check of a precheck or postcheck run.
type ChecksFailedError struct {
	Phase    string
	Blockers []domain.Blocker
}

func (e *ChecksFailedError) Error() string {
	parts := make([]string, len(e.Blockers))
	for i, b := range e.Blockers {
		parts[i] = b.String()
	}
	return fmt.Sprintf("%s failed: %s", e.Phase, strings.Join(parts, "; "))
}

func (e *ChecksFailedError) Code() string { return "checks_failed" }

// ErrorCode returns the stable code of a typed error, "not_found" for
// missing entities and "" otherwise.
func ErrorCode(err error) string {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	if errors.Is(err, repo.ErrNotFound) {
		return "not_found"
	}
	return ""
}
