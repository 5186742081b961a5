package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Handler reacts to published domain events. Handlers run in priority
// order, lowest first; an error is logged and does not stop the chain.
type Handler interface {
	ID() string
	Handles() []Type
	Priority() int
	Handle(ctx context.Context, ev Event) error
}

// Bus is a synchronous in-process dispatcher.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	Logger   *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{Logger: logger}
}

// Register adds a handler. Registration order does not matter.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers ev to every matching handler. A nil bus is a no-op.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if b == nil {
		return nil
	}
	if ev == nil {
		return fmt.Errorf("events: nil event")
	}
	b.mu.RLock()
	matching := b.matching(ev.EventType())
	b.mu.RUnlock()

	for _, h := range matching {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("events: context cancelled: %w", err)
		}
		if err := b.handle(ctx, h, ev); err != nil {
			b.logger().Warn("event handler failed", "handler", h.ID(), "event", ev.EventType(), "err", err)
		}
	}
	return nil
}

func (b *Bus) handle(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Handle(ctx, ev)
}

// Handlers returns the registered handlers.
func (b *Bus) Handlers() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, len(b.handlers))
	copy(out, b.handlers)
	return out
}

func (b *Bus) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}

func (b *Bus) matching(t Type) []Handler {
	var matched []Handler
	for _, h := range b.handlers {
		for _, ht := range h.Handles() {
			if ht == t {
				matched = append(matched, h)
				break
			}
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority() < matched[j].Priority()
	})
	return matched
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	Name  string
	Types []Type
	Order int
	Fn    func(ctx context.Context, ev Event) error
}

func (h HandlerFunc) ID() string      { return h.Name }
func (h HandlerFunc) Handles() []Type { return h.Types }
func (h HandlerFunc) Priority() int   { return h.Order }
func (h HandlerFunc) Handle(ctx context.Context, ev Event) error {
	return h.Fn(ctx, ev)
}
