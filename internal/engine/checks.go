package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"missionboard/internal/config"
	"missionboard/internal/domain"
	"missionboard/internal/graph"
)

const (
	PhasePrecheck  = "precheck"
	PhasePostcheck = "postcheck"

	maxParallelChecks = 4
	maxCheckOutput    = 240
)

// CheckInput is the mission snapshot every check sees.
type CheckInput struct {
	Mission   domain.Mission
	Items     []domain.Item
	Claims    []domain.AgentClaim
	Workspace string
}

// Check is one mission gate. A non-nil error is reported as a blocker.
type Check interface {
	Name() string
	Run(ctx context.Context, in CheckInput) error
}

// CheckFunc adapts a function to Check.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context, in CheckInput) error
}

func (c CheckFunc) Name() string { return c.CheckName }

func (c CheckFunc) Run(ctx context.Context, in CheckInput) error { return c.Fn(ctx, in) }

func BuiltinPrechecks() []Check {
	return []Check{
		CheckFunc{CheckName: "prd_present", Fn: checkPRDPresent},
		CheckFunc{CheckName: "items_present", Fn: checkItemsPresent},
		CheckFunc{CheckName: "dependencies_known", Fn: checkDependenciesKnown},
		CheckFunc{CheckName: "dependencies_acyclic", Fn: checkDependenciesAcyclic},
	}
}

func BuiltinPostchecks() []Check {
	return []Check{
		CheckFunc{CheckName: "items_done", Fn: checkItemsDone},
		CheckFunc{CheckName: "no_active_claims", Fn: checkNoActiveClaims},
	}
}

func checkPRDPresent(_ context.Context, in CheckInput) error {
	if strings.TrimSpace(in.Mission.PRDPath) == "" {
		return errors.New("mission has no PRD path")
	}
	path := in.Mission.PRDPath
	if !filepath.IsAbs(path) && in.Workspace != "" {
		path = filepath.Join(in.Workspace, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("PRD %s not readable", in.Mission.PRDPath)
	}
	if info.IsDir() {
		return fmt.Errorf("PRD %s is a directory", in.Mission.PRDPath)
	}
	return nil
}

func checkItemsPresent(_ context.Context, in CheckInput) error {
	if len(in.Items) == 0 {
		return errors.New("mission has no work items")
	}
	return nil
}

func checkDependenciesKnown(_ context.Context, in CheckInput) error {
	_, err := graph.FromItems(in.Items)
	return err
}

func checkDependenciesAcyclic(_ context.Context, in CheckInput) error {
	g := graph.New()
	for _, it := range in.Items {
		g.AddNode(it.ID, it.StageID)
	}
	for _, it := range in.Items {
		for _, d := range it.Dependencies {
			// unknown targets are reported by dependencies_known
			_ = g.AddEdge(it.ID, d)
		}
	}
	if cycles := g.Cycles(); len(cycles) > 0 {
		return fmt.Errorf("dependency cycle through %s", strings.Join(cycles, ", "))
	}
	return nil
}

func checkItemsDone(_ context.Context, in CheckInput) error {
	var open []string
	for _, it := range in.Items {
		if it.StageID != domain.StageDone {
			open = append(open, it.ID)
		}
	}
	if len(open) > 0 {
		return fmt.Errorf("%d items not done: %s", len(open), strings.Join(open, ", "))
	}
	return nil
}

func checkNoActiveClaims(_ context.Context, in CheckInput) error {
	if len(in.Claims) == 0 {
		return nil
	}
	held := make([]string, len(in.Claims))
	for i, c := range in.Claims {
		held[i] = c.ItemID + "@" + c.AgentID
	}
	return fmt.Errorf("claims still held: %s", strings.Join(held, ", "))
}

// CommandCheck runs a shell command in the workspace; a non-zero exit is a blocker.
type CommandCheck struct {
	CheckName string
	Command   string
	Dir       string
	Timeout   time.Duration
}

func (c CommandCheck) Name() string { return c.CheckName }

func (c CommandCheck) Run(ctx context.Context, _ CheckInput) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", c.Command)
	cmd.Dir = c.Dir
	cmd.WaitDelay = time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s", c.Timeout)
	}
	if tail := lastLine(out.String()); tail != "" {
		return fmt.Errorf("%v: %s", err, tail)
	}
	return err
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	line := strings.TrimSpace(lines[len(lines)-1])
	if len(line) > maxCheckOutput {
		line = line[:maxCheckOutput] + "..."
	}
	return line
}

func commandChecks(cfgs []config.CheckConfig, dir string, timeout time.Duration) []Check {
	out := make([]Check, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, CommandCheck{CheckName: c.Name, Command: c.Command, Dir: dir, Timeout: timeout})
	}
	return out
}

// runChecks runs every check concurrently and returns all failures in
// check order. A panicking check is reported as a blocker.
func runChecks(ctx context.Context, checks []Check, in CheckInput) []domain.Blocker {
	results := make([]error, len(checks))
	var g errgroup.Group
	g.SetLimit(maxParallelChecks)
	for i, c := range checks {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					results[i] = fmt.Errorf("check panicked: %v", r)
				}
			}()
			results[i] = c.Run(ctx, in)
			return nil
		})
	}
	_ = g.Wait()
	var blockers []domain.Blocker
	for i, err := range results {
		if err != nil {
			blockers = append(blockers, domain.Blocker{Check: checks[i].Name(), Message: err.Error()})
		}
	}
	return blockers
}
