package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionboard/internal/app"
	"missionboard/internal/board"
	"missionboard/internal/config"
	"missionboard/internal/domain"
	"missionboard/internal/engine"
	"missionboard/internal/guard"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook in missionboard.yml: board stages and transitions, WIP limits, claim stages, the agent roster with role boundaries, mission checks and webhooks.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default missionboard.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !overwrite {
				return fmt.Errorf("%s already exists (use --overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate missionboard.yml, including the transition matrix",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err == nil {
				_, err = board.New(cfg.Board)
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "mission",
		Short: "Manage the mission lifecycle",
	}
	m.AddCommand(missionInitCmd())
	m.AddCommand(missionShowCmd())
	m.AddCommand(missionListCmd())
	m.AddCommand(missionPhaseCmd("precheck", "Run prechecks; failures leave the mission in precheck_failure", guard.OpPrecheck,
		func(e *engine.Engine) missionOp { return e.Precheck }))
	m.AddCommand(missionPhaseCmd("run", "Mark execution started", guard.OpRun,
		func(e *engine.Engine) missionOp { return e.RunMission }))
	m.AddCommand(missionPhaseCmd("postcheck", "Run postchecks; failures are terminal", guard.OpPostcheck,
		func(e *engine.Engine) missionOp { return e.Postcheck }))
	m.AddCommand(missionPhaseCmd("archive", "Archive a completed or failed mission", guard.OpArchive,
		func(e *engine.Engine) missionOp { return e.ArchiveMission }))
	return m
}

func missionInitCmd() *cobra.Command {
	var opts engine.InitOptions
	cmd := &cobra.Command{
		Use:   "init <name>",
		Short: "Start a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				actor, err := gate(ctx, ws, guard.OpMissionInit)
				if err != nil {
					return err
				}
				opts.Name = args[0]
				opts.ActorID = actor
				m, err := ws.Engine.InitMission(ctx, opts)
				if err != nil {
					return err
				}
				return printMission(m, nil)
			})
		},
	}
	cmd.Flags().StringVar(&opts.PRDPath, "prd", "PRD.md", "PRD path relative to the workspace")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "archive the current mission first")
	return cmd
}

func missionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show a mission, the current one by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				var (
					m   domain.Mission
					err error
				)
				if len(args) == 1 {
					m, err = ws.Engine.GetMission(ctx, args[0])
				} else {
					m, err = ws.Engine.ActiveMission(ctx)
				}
				if err != nil {
					return err
				}
				counts, err := ws.Engine.Repo.CountByStage(ctx, ws.DB, m.ID)
				if err != nil {
					return err
				}
				return printMission(m, counts)
			})
		},
	}
}

func missionListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.ListMissions(ctx, all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "State", "Started", "Duration"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Name, m.State, m.StartedAt, formatDuration(m.DurationMS)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include archived missions")
	return cmd
}

type missionOp func(ctx context.Context, missionID, actorID string) (domain.Mission, error)

func missionPhaseCmd(use, short, operation string, pick func(*engine.Engine) missionOp) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [id]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				actor, err := gate(ctx, ws, operation)
				if err != nil {
					return err
				}
				id := ""
				if len(args) == 1 {
					id = args[0]
				}
				m, err := pick(ws.Engine)(ctx, id, actor)
				var failed *engine.ChecksFailedError
				if errors.As(err, &failed) {
					if perr := printMission(m, nil); perr != nil {
						return perr
					}
				}
				if err != nil {
					return err
				}
				return printMission(m, nil)
			})
		},
	}
}

func printMission(m domain.Mission, counts map[string]int) error {
	if viper.GetBool("json") {
		return printJSON(struct {
			domain.Mission
			ItemCounts map[string]int `json:"item_counts,omitempty"`
		}{m, counts})
	}
	fmt.Printf("Mission: %s %s (%s)\n", m.ID, m.Name, stateColor(m.State))
	if m.PRDPath != "" {
		fmt.Printf("PRD: %s\n", m.PRDPath)
	}
	if m.ExecutionStartedAt != nil {
		fmt.Printf("Execution started: %s\n", *m.ExecutionStartedAt)
	}
	if m.DurationMS != nil {
		fmt.Printf("Duration: %s\n", formatDuration(m.DurationMS))
	}
	if len(m.Blockers) > 0 {
		fmt.Println("Blockers:")
		red := color.New(color.FgRed).SprintFunc()
		for _, b := range m.Blockers {
			fmt.Printf("  %s %s\n", red("x"), b)
		}
	}
	if len(counts) > 0 {
		fmt.Println("Items:")
		for stage, c := range counts {
			fmt.Printf("  %s: %d\n", stage, c)
		}
	}
	return nil
}

func stateColor(s domain.MissionState) string {
	switch s {
	case domain.MissionRunning, domain.MissionCompleted:
		return color.GreenString(string(s))
	case domain.MissionPrecheckFailure, domain.MissionFailed:
		return color.RedString(string(s))
	case domain.MissionArchived:
		return color.New(color.Faint).Sprint(string(s))
	default:
		return color.YellowString(string(s))
	}
}

func formatDuration(ms *int64) string {
	if ms == nil {
		return ""
	}
	return (time.Duration(*ms) * time.Millisecond).Round(time.Second).String()
}

func claimAge(claimedAt string) string {
	t, err := time.Parse(time.RFC3339Nano, claimedAt)
	if err != nil {
		return claimedAt
	}
	return humanize.Time(t)
}
