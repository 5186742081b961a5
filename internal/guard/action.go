package guard

import (
	"fmt"
	"strings"
)

// Kind classifies an action for role checks.
type Kind string

const (
	KindRead  Kind = "read"
	KindWrite Kind = "write"
	KindEdit  Kind = "edit"
	KindBash  Kind = "bash"
	KindBoard Kind = "board"
)

// Board operations a role may be denied.
const (
	OpItemMove      = "item_move"
	OpItemMoveForce = "item_move_force"
	OpItemClaim     = "item_claim"
	OpItemRelease   = "item_release"
	OpItemReject    = "item_reject"
	OpItemReopen    = "item_reopen"
	OpItemCreate    = "item_create"
	OpDependencyAdd = "dependency_add"
	OpPlanImport    = "plan_import"
	OpWorkLog       = "worklog_add"
	OpMissionInit   = "mission_init"
	OpPrecheck      = "mission_precheck"
	OpRun           = "mission_run"
	OpPostcheck     = "mission_postcheck"
	OpArchive       = "mission_archive"
)

// Action is one requested tool call or board operation.
type Action struct {
	Kind      Kind   `json:"kind"`
	Tool      string `json:"tool,omitempty"`
	Path      string `json:"path,omitempty"`
	Operation string `json:"operation,omitempty"`
}

func (a Action) String() string {
	switch {
	case a.Path != "":
		return fmt.Sprintf("%s %s", a.Kind, a.Path)
	case a.Operation != "":
		return fmt.Sprintf("%s %s", a.Kind, a.Operation)
	}
	return string(a.Kind)
}

// BoardAction builds the action for a board operation.
func BoardAction(operation string) Action {
	return Action{Kind: KindBoard, Operation: operation}
}

const mcpPrefix = "mcp__"

// ActionFromTool maps a hook tool call to an action. It reports false for
// tools the guard has no rules for.
func ActionFromTool(tool string, input map[string]any) (Action, bool) {
	switch tool {
	case "Write":
		return Action{Kind: KindWrite, Tool: tool, Path: stringField(input, "file_path")}, true
	case "Edit", "MultiEdit":
		return Action{Kind: KindEdit, Tool: tool, Path: stringField(input, "file_path")}, true
	case "NotebookEdit":
		return Action{Kind: KindEdit, Tool: tool, Path: stringField(input, "notebook_path")}, true
	case "Bash":
		return Action{Kind: KindBash, Tool: tool}, true
	case "Read", "Glob", "Grep":
		path := stringField(input, "file_path")
		if path == "" {
			path = stringField(input, "path")
		}
		return Action{Kind: KindRead, Tool: tool, Path: path}, true
	}
	if strings.HasPrefix(tool, mcpPrefix) {
		// mcp__<server>__<operation>
		parts := strings.SplitN(strings.TrimPrefix(tool, mcpPrefix), "__", 2)
		if len(parts) != 2 || parts[1] == "" {
			return Action{}, false
		}
		op := parts[1]
		if op == OpItemMove && boolField(input, "force") {
			op = OpItemMoveForce
		}
		return Action{Kind: KindBoard, Tool: tool, Operation: op}, true
	}
	return Action{}, false
}

func stringField(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

func boolField(input map[string]any, key string) bool {
	v, _ := input[key].(bool)
	return v
}
