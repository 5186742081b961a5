// Package guard resolves agent identity and enforces role boundaries on tool
// calls and board operations. Every failure inside the guard allows the
// action; denials are recorded on a best-effort side channel.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"missionboard/internal/config"
	"missionboard/internal/events"
)

const defaultRecordTimeout = 2 * time.Second

// Recorder persists or forwards a denial.
type Recorder interface {
	RecordDenial(ctx context.Context, d events.ActionDenied) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, d events.ActionDenied) error

func (f RecorderFunc) RecordDenial(ctx context.Context, d events.ActionDenied) error {
	return f(ctx, d)
}

// PermissionDeniedError reports an action outside the agent's role.
type PermissionDeniedError struct {
	Agent  string
	Role   string
	Action Action
	Reason string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied for %s (%s): %s", e.Agent, e.Role, e.Reason)
}

func (e *PermissionDeniedError) Code() string { return "permission_denied" }

// Guard combines identity resolution, the role policy and denial recording.
type Guard struct {
	Recorder      Recorder
	Logger        *slog.Logger
	RecordTimeout time.Duration

	policy  atomic.Pointer[Policy]
	pending sync.WaitGroup
}

// New builds a guard over the agents section of the config.
func New(agents config.Agents, root string, rec Recorder, logger *slog.Logger) *Guard {
	g := &Guard{Recorder: rec, Logger: logger}
	g.SetPolicy(NewPolicy(agents, root))
	return g
}

// SetPolicy swaps the policy used by later checks.
func (g *Guard) SetPolicy(p *Policy) {
	g.policy.Store(p)
}

func (g *Guard) Policy() *Policy {
	return g.policy.Load()
}

// Resolve returns the canonical agent id for a signal.
func (g *Guard) Resolve(sig IdentitySignal) (string, bool) {
	p := g.Policy()
	if p == nil {
		return Resolver{}.Resolve(sig)
	}
	return p.Resolver.Resolve(sig)
}

// Check resolves the caller and authorizes the action. It never returns a
// deny because of its own failure.
func (g *Guard) Check(ctx context.Context, sig IdentitySignal, a Action) (agent string, d Decision) {
	defer func() {
		if r := recover(); r != nil {
			g.logger().Error("guard panic, allowing", "panic", r, "action", a.String())
			d = allow()
		}
	}()
	agent, _ = g.Resolve(sig)
	return agent, g.Authorize(ctx, agent, a)
}

// Authorize checks an already resolved agent. Denials are recorded without
// waiting for the recorder.
func (g *Guard) Authorize(ctx context.Context, agent string, a Action) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			g.logger().Error("guard panic, allowing", "panic", r, "agent", agent, "action", a.String())
			d = allow()
		}
	}()
	p := g.Policy()
	if p == nil || agent == "" {
		return allow()
	}
	d, err := p.Authorize(agent, a)
	if err != nil {
		g.logger().Error("authorize failed, allowing", "agent", agent, "action", a.String(), "err", err)
		return allow()
	}
	if !d.Allow {
		role, _ := p.Role(agent)
		g.logger().Warn("action denied", "agent", agent, "role", role, "action", a.String(), "reason", d.Reason)
		g.record(ctx, events.ActionDenied{
			Agent:     agent,
			Role:      role,
			Kind:      string(a.Kind),
			Tool:      a.Tool,
			Path:      a.Path,
			Operation: a.Operation,
			Reason:    d.Reason,
		})
	}
	return d
}

// Enforce returns a PermissionDeniedError when the action is denied.
func (g *Guard) Enforce(ctx context.Context, sig IdentitySignal, a Action) error {
	agent, d := g.Check(ctx, sig, a)
	if d.Allow {
		return nil
	}
	role := ""
	if p := g.Policy(); p != nil {
		role, _ = p.Role(agent)
	}
	return &PermissionDeniedError{Agent: agent, Role: role, Action: a, Reason: d.Reason}
}

func (g *Guard) record(ctx context.Context, d events.ActionDenied) {
	if g.Recorder == nil {
		return
	}
	timeout := g.RecordTimeout
	if timeout <= 0 {
		timeout = defaultRecordTimeout
	}
	g.pending.Add(1)
	go func() {
		defer g.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				g.logger().Error("denial recorder panic", "panic", r)
			}
		}()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if err := g.Recorder.RecordDenial(rctx, d); err != nil {
			g.logger().Warn("record denial", "agent", d.Agent, "err", err)
		}
	}()
}

// Wait blocks until pending denial records finish or the timeout passes. It
// reports whether everything was flushed.
func (g *Guard) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		g.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (g *Guard) logger() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}
