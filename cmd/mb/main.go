package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionboard/internal/app"
	"missionboard/internal/engine"
	"missionboard/internal/guard"
)

var rootCmd = &cobra.Command{
	Use:   "mb",
	Short: "Missionboard CLI",
	Long: `Missionboard runs a team of AI agents through a mission.
Core concepts:
- Mission: one run over a PRD. initializing -> prechecking -> running -> postchecking -> completed/failed, then archived. A failed precheck leaves the mission in precheck_failure so the checks can be fixed and retried.
- Board: work items move between stages along a fixed transition matrix. Some stages cap work in progress; the agent stages require the mover to hold the item's claim.
- Claims: one agent per item at a time (mb item claim/release). Rejections send an item back; repeated rejections park it in blocked.
- Dependencies: an item is ready once everything it depends on is done; cycles are refused.
- Guard: each agent role has a boundary (which files it may write, which board operations it may run). Unknown agents and guard faults are allowed through; denials land in the event log.
- Event log: every change, view with 'mb log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogger(viper.GetString("log-level"))
	},
}

// exitError carries a process exit code other than 1.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.msg != "" {
				fmt.Fprintln(os.Stderr, ee.msg)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		if code := engine.ErrorCode(err); code != "" {
			fmt.Fprintln(os.Stderr, "code:", code)
		}
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MISSIONBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("agent", "", "acting agent id, used when no identity signal resolves")
	flags.String("agent-type", "", "identity signal: agent type, e.g. ai-team:murdock")
	flags.String("teammate-name", "", "identity signal: teammate name")
	flags.String("server", "", "missionboard API base URL; the hook asks it instead of the local workspace")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "agent", "agent-type", "teammate-name", "server", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(depsCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(claimsCmd())
	rootCmd.AddCommand(worklogCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(hookCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func setupLogger(level string) error {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid --log-level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))
	return nil
}

// --- helpers ---

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.Open(ctx, app.Options{Dir: viper.GetString("workspace"), Logger: slog.Default()})
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

func identity() guard.IdentitySignal {
	return guard.IdentitySignal{
		AgentType:    viper.GetString("agent-type"),
		TeammateName: viper.GetString("teammate-name"),
	}
}

// gate runs a board operation through the guard and returns the acting
// agent: the resolved identity, else --agent.
func gate(ctx context.Context, ws *app.Workspace, operation string) (string, error) {
	sig := identity()
	if err := ws.Guard.Enforce(ctx, sig, guard.BoardAction(operation)); err != nil {
		return "", err
	}
	if agent, ok := ws.Guard.Resolve(sig); ok {
		return agent, nil
	}
	return strings.TrimSpace(viper.GetString("agent")), nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalInt(cmd *cobra.Command, name string, v int) *int {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
