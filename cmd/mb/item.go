package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionboard/internal/app"
	"missionboard/internal/domain"
	"missionboard/internal/engine"
	"missionboard/internal/guard"
	"missionboard/internal/repo"
)

func itemCmd() *cobra.Command {
	it := &cobra.Command{
		Use:   "item",
		Short: "Manage work items",
		Long:  "Work items move across the board along the transition matrix. Agent stages need a claim; WIP limits cap how many items a stage holds.",
	}
	it.AddCommand(itemCreateCmd())
	it.AddCommand(itemListCmd())
	it.AddCommand(itemGetCmd())
	it.AddCommand(itemMoveCmd())
	it.AddCommand(itemClaimCmd())
	it.AddCommand(itemReleaseCmd())
	it.AddCommand(itemRejectCmd())
	it.AddCommand(itemReopenCmd())
	return it
}

func itemCreateCmd() *cobra.Command {
	var opts engine.ItemCreateOptions
	var priority int
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a work item in the current mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				actor, err := gate(ctx, ws, guard.OpItemCreate)
				if err != nil {
					return err
				}
				opts.Title = args[0]
				opts.Priority = optionalInt(cmd, "priority", priority)
				opts.ActorID = actor
				created, err := ws.Engine.CreateItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "item id (default: next WI-NNN)")
	cmd.Flags().StringVar(&opts.MissionID, "mission", "", "mission id (default: current)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Type, "type", "", "item type")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority, lower first")
	cmd.Flags().StringVar(&opts.Stage, "stage", "", "initial stage (default: briefings)")
	cmd.Flags().StringSliceVar(&opts.DependsOn, "depends-on", nil, "ids this item depends on")
	return cmd
}

func itemListCmd() *cobra.Command {
	var f repo.ItemFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.ListItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Stage", "Agent", "Rejections", "Depends on"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Title, it.StageID, deref(it.AssignedAgent), it.RejectionCount, strings.Join(it.Dependencies, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.MissionID, "mission", "", "mission id (default: current)")
	cmd.Flags().StringVar(&f.StageID, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.Agent, "assigned", "", "assigned agent filter")
	return cmd
}

func itemGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				it, err := ws.Engine.GetItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
}

func itemMoveCmd() *cobra.Command {
	var from string
	var force bool
	cmd := &cobra.Command{
		Use:   "move <id> <stage>",
		Short: "Move a work item to another stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				op := guard.OpItemMove
				if force {
					op = guard.OpItemMoveForce
				}
				agent, err := gate(ctx, ws, op)
				if err != nil {
					return err
				}
				it, err := ws.Engine.MoveItem(ctx, engine.MoveOptions{
					ItemID: args[0],
					From:   from,
					To:     args[1],
					Agent:  agent,
					Force:  force,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(it)
				}
				fmt.Printf("%s -> %s\n", it.ID, it.StageID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "expected current stage")
	cmd.Flags().BoolVar(&force, "force", false, "bypass the WIP limit")
	return cmd
}

func itemClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				agent, err := gate(ctx, ws, guard.OpItemClaim)
				if err != nil {
					return err
				}
				if agent == "" {
					return fmt.Errorf("--agent or an identity signal is required")
				}
				claim, err := ws.Engine.ClaimItem(ctx, args[0], agent)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(claim)
				}
				fmt.Printf("%s claimed by %s\n", claim.ItemID, claim.AgentID)
				return nil
			})
		},
	}
}

func itemReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <id>",
		Short: "Release a claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				agent, err := gate(ctx, ws, guard.OpItemRelease)
				if err != nil {
					return err
				}
				it, err := ws.Engine.ReleaseItem(ctx, args[0], agent)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(it)
				}
				fmt.Printf("%s released\n", it.ID)
				return nil
			})
		},
	}
}

func itemRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a work item; repeated rejections park it in blocked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				agent, err := gate(ctx, ws, guard.OpItemReject)
				if err != nil {
					return err
				}
				res, err := ws.Engine.RejectItem(ctx, args[0], agent, reason)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Escalated {
					fmt.Printf("%s rejected %d times, %s\n", res.Item.ID, res.Item.RejectionCount, color.RedString("moved to "+res.Item.StageID))
					return nil
				}
				fmt.Printf("%s rejected (%d), now in %s\n", res.Item.ID, res.Item.RejectionCount, res.Item.StageID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the item was rejected")
	return cmd
}

func itemReopenCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reopen <id>",
		Short: "Reopen a done item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				actor, err := gate(ctx, ws, guard.OpItemReopen)
				if err != nil {
					return err
				}
				it, err := ws.Engine.ReopenItem(ctx, args[0], actor, reason)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(it)
				}
				fmt.Printf("%s reopened into %s\n", it.ID, it.StageID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the item was reopened")
	return cmd
}

func depsCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "deps",
		Short: "Manage item dependencies",
	}
	d.AddCommand(&cobra.Command{
		Use:   "add <id> <depends-on>",
		Short: "Record that an item depends on another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				actor, err := gate(ctx, ws, guard.OpDependencyAdd)
				if err != nil {
					return err
				}
				it, err := ws.Engine.AddDependency(ctx, args[0], args[1], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	})
	var missionID string
	check := &cobra.Command{
		Use:   "check",
		Short: "Show ready, pending and cyclic items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				report, err := ws.Engine.CheckDependencies(ctx, missionID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("Ready: %s\n", strings.Join(report.Ready, ", "))
				for id, waiting := range report.Pending {
					fmt.Printf("Pending: %s waits on %s\n", id, strings.Join(waiting, ", "))
				}
				if len(report.Cycles) > 0 {
					fmt.Println(color.RedString("Cycles: %s", strings.Join(report.Cycles, ", ")))
				}
				return nil
			})
		},
	}
	check.Flags().StringVar(&missionID, "mission", "", "mission id (default: current)")
	d.AddCommand(check)
	return d
}

func planCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "plan",
		Short: "Import planned work",
	}
	p.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Import items and dependencies from a YAML or JSON plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			plan, err := engine.ParsePlan(data)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				actor, err := gate(ctx, ws, guard.OpPlanImport)
				if err != nil {
					return err
				}
				items, err := ws.Engine.ImportPlan(ctx, plan, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				fmt.Printf("imported %d items\n", len(items))
				return nil
			})
		},
	})
	return p
}

func claimsCmd() *cobra.Command {
	var missionID string
	cmd := &cobra.Command{
		Use:   "claims",
		Short: "List held claims, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				claims, err := ws.Engine.ListClaims(ctx, missionID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(claims)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Item", "Agent", "Stage", "Claimed"})
				for _, c := range claims {
					tw.AppendRow(table.Row{c.ItemID, c.AgentID, c.StageID, claimAge(c.ClaimedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&missionID, "mission", "", "mission id (default: current)")
	return cmd
}

func worklogCmd() *cobra.Command {
	w := &cobra.Command{
		Use:   "worklog",
		Short: "Append to or read an item's work log",
	}
	var action string
	add := &cobra.Command{
		Use:   "add <id> <summary>",
		Short: "Append a work log entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				agent, err := gate(ctx, ws, guard.OpWorkLog)
				if err != nil {
					return err
				}
				entry, err := ws.Engine.AddWorkLog(ctx, engine.WorkLogOptions{
					ItemID:  args[0],
					Agent:   agent,
					Action:  action,
					Summary: args[1],
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	add.Flags().StringVar(&action, "action", "", "what kind of work was done")
	w.AddCommand(add)
	w.AddCommand(&cobra.Command{
		Use:   "list <id>",
		Short: "Show an item's work log, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				entries, err := ws.Engine.ListWorkLog(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Agent", "Action", "Summary"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.Timestamp, e.Agent, e.Action, e.Summary})
				}
				tw.Render()
				return nil
			})
		},
	})
	return w
}

func boardCmd() *cobra.Command {
	var missionID string
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Show the board grouped by stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				view, err := ws.Engine.BoardSnapshot(ctx, missionID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				fmt.Printf("Mission: %s (%s)\n", view.Mission.Name, stateColor(view.Mission.State))
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "WIP", "Items"})
				for _, col := range view.Columns {
					tw.AppendRow(table.Row{col.Stage.ID, wipLabel(col), itemLabels(col.Items)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&missionID, "mission", "", "mission id (default: current)")
	return cmd
}

func wipLabel(col engine.StageColumn) string {
	if col.Stage.WIPLimit == nil {
		return fmt.Sprint(col.Count)
	}
	label := fmt.Sprintf("%d/%d", col.Count, *col.Stage.WIPLimit)
	if col.Count >= *col.Stage.WIPLimit {
		return color.YellowString(label)
	}
	return label
}

func itemLabels(items []domain.Item) string {
	labels := make([]string, 0, len(items))
	for _, it := range items {
		if it.AssignedAgent != nil {
			labels = append(labels, fmt.Sprintf("%s@%s", it.ID, *it.AssignedAgent))
			continue
		}
		labels = append(labels, it.ID)
	}
	return strings.Join(labels, " ")
}
