package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionboard/internal/app"
	"missionboard/internal/events"
	"missionboard/internal/guard"
	missionboardsdk "missionboard/sdk/go"
)

const hookFlushTimeout = 2 * time.Second

func agentCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "agent",
		Short: "Resolve agent identity and check role boundaries",
	}
	a.AddCommand(&cobra.Command{
		Use:   "resolve",
		Short: "Resolve the identity signal (--agent-type, --teammate-name) to an agent id",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := app.OpenGuard(viper.GetString("workspace"), nil, slog.Default())
			if err != nil {
				return err
			}
			agent, ok := g.Resolve(identity())
			role := ""
			if ok {
				role, _ = g.Policy().Role(agent)
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"agent": agent, "resolved": ok, "role": role})
			}
			if !ok {
				fmt.Println("unresolved")
				return nil
			}
			if role == "" {
				role = "not on the roster"
			}
			fmt.Printf("%s (%s)\n", agent, role)
			return nil
		},
	})

	var action guard.Action
	authorize := &cobra.Command{
		Use:   "authorize",
		Short: "Decide whether the identified agent may perform an action",
		RunE: func(cmd *cobra.Command, args []string) error {
			if action.Kind == "" {
				return fmt.Errorf("--kind is required")
			}
			if action.Kind == guard.KindBoard && action.Operation == "" {
				return fmt.Errorf("--operation is required for board actions")
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				agent, d := ws.Guard.Check(ctx, identity(), action)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"agent": agent, "action": action, "decision": d})
				}
				if d.Allow {
					fmt.Println(color.GreenString("allow"), action.String())
					return nil
				}
				fmt.Println(color.RedString("deny"), action.String()+":", d.Reason)
				return nil
			})
		},
	}
	authorize.Flags().Var((*kindFlag)(&action.Kind), "kind", "action kind (read, write, edit, bash, board)")
	authorize.Flags().StringVar(&action.Path, "path", "", "target path for write/edit")
	authorize.Flags().StringVar(&action.Tool, "tool", "", "tool name")
	authorize.Flags().StringVar(&action.Operation, "operation", "", "board operation, e.g. item_move_force")
	a.AddCommand(authorize)
	return a
}

type kindFlag guard.Kind

func (k *kindFlag) String() string { return string(*k) }
func (k *kindFlag) Type() string   { return "kind" }

func (k *kindFlag) Set(v string) error {
	*k = kindFlag(strings.ToLower(strings.TrimSpace(v)))
	return nil
}

// hookInput is the JSON a PreToolUse hook receives on stdin.
type hookInput struct {
	ToolName     string         `json:"tool_name"`
	ToolInput    map[string]any `json:"tool_input"`
	AgentType    string         `json:"agent_type,omitempty"`
	TeammateName string         `json:"teammate_name,omitempty"`
}

func hookCmd() *cobra.Command {
	h := &cobra.Command{
		Use:   "hook",
		Short: "Agent runtime hooks",
	}
	h.AddCommand(&cobra.Command{
		Use:   "pre-tool-use",
		Short: "Gate a tool call read from stdin; exits 2 with the reason on stderr when denied",
		Long:  "Reads the hook payload from stdin, resolves the calling agent and checks the action against its role. Anything that goes wrong inside the hook allows the call.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPreToolUse(cmd.Context(), cmd.InOrStdin())
		},
	})
	return h
}

func runPreToolUse(ctx context.Context, stdin io.Reader) error {
	logger := slog.Default()
	var in hookInput
	if err := json.NewDecoder(stdin).Decode(&in); err != nil {
		logger.Warn("hook input unreadable, allowing", "err", err)
		return nil
	}
	action, ok := guard.ActionFromTool(in.ToolName, in.ToolInput)
	if !ok {
		return nil
	}
	sig := guard.IdentitySignal{AgentType: in.AgentType, TeammateName: in.TeammateName}
	if sig.AgentType == "" && sig.TeammateName == "" {
		sig = identity()
	}

	var (
		g     *guard.Guard
		flush func()
	)
	if server := viper.GetString("server"); server != "" {
		client := missionboardsdk.New(server)
		rec := guard.RecorderFunc(func(ctx context.Context, d events.ActionDenied) error {
			return client.RecordDenial(ctx, missionboardsdk.Denial(d))
		})
		var err error
		if g, err = app.OpenGuard(viper.GetString("workspace"), rec, logger); err != nil {
			logger.Warn("guard unavailable, allowing", "err", err)
			return nil
		}
		flush = func() { g.Wait(hookFlushTimeout) }
	} else {
		ws, err := app.Open(ctx, app.Options{Dir: viper.GetString("workspace"), Logger: logger})
		if err != nil {
			logger.Warn("workspace unavailable, allowing", "err", err)
			return nil
		}
		g = ws.Guard
		flush = func() { ws.Close() }
	}
	agent, d := g.Check(ctx, sig, action)
	flush()
	if d.Allow {
		return nil
	}
	role, _ := g.Policy().Role(agent)
	return &exitError{code: 2, msg: fmt.Sprintf("missionboard: %s (%s) may not %s: %s", agent, role, action.String(), d.Reason)}
}
