package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"missionboard/internal/config"
	"missionboard/internal/domain"
	"missionboard/internal/engine"
)

const (
	defaultWebhookInterval   = 2 * time.Second
	defaultWebhookTimeout    = 5 * time.Second
	defaultWebhookBatch      = 100
	defaultWebhookMaxElapsed = 30 * time.Second
)

// WebhookDispatcher polls the event log and posts new events to the
// configured webhooks. Each hook keeps its own cursor, starting at the
// latest event when the dispatcher first sees it.
type WebhookDispatcher struct {
	Engine   *engine.Engine
	Hooks    []config.WebhookConfig
	Interval time.Duration
	Logger   *slog.Logger
	// NewBackOff returns the retry policy for one delivery. BackOff values
	// are stateful, so a fresh one is built per event.
	NewBackOff func() backoff.BackOff

	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

func NewWebhookDispatcher(e *engine.Engine, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	var hooks []config.WebhookConfig
	if e.Config != nil {
		hooks = e.Config.Webhooks
	}
	return &WebhookDispatcher{
		Engine:   e,
		Hooks:    hooks,
		Interval: defaultWebhookInterval,
		Logger:   logger,
		NewBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.MaxElapsedTime = defaultWebhookMaxElapsed
			return bo
		},
		client:  &http.Client{Timeout: defaultWebhookTimeout},
		cursors: make(map[int]int64),
	}
}

// StartWebhooks runs a dispatcher in the background until ctx is done.
// It reports whether any webhook is configured.
func StartWebhooks(ctx context.Context, e *engine.Engine, logger *slog.Logger) bool {
	d := NewWebhookDispatcher(e, logger)
	if len(d.Hooks) == 0 {
		return false
	}
	go d.Run(ctx)
	return true
}

// Run dispatches on every tick until ctx is cancelled.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers the pending events of every enabled hook.
func (d *WebhookDispatcher) DispatchOnce(ctx context.Context) {
	for i, hook := range d.Hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor, err := d.cursorFor(ctx, idx)
	if err != nil {
		d.Logger.Warn("webhook cursor init failed", "url", hook.URL, "err", err)
		return
	}
	evs, err := d.Engine.Repo.EventsAfter(ctx, d.Engine.DB, defaultWebhookBatch, cursor)
	if err != nil {
		d.Logger.Warn("webhook fetch events failed", "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evs {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		err := backoff.Retry(func() error {
			return d.postEvent(ctx, hook, evt)
		}, backoff.WithContext(d.NewBackOff(), ctx))
		var derr *deliveryError
		switch {
		case err == nil:
		case errors.As(err, &derr) && derr.permanent():
			d.Logger.Warn("webhook rejected event, skipping", "url", hook.URL, "event", evt.ID, "err", err)
		default:
			d.Logger.Warn("webhook delivery failed", "url", hook.URL, "event", evt.ID, "err", err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, nil
	}
	cur, err := d.Engine.Repo.LatestEventID(ctx, d.Engine.DB)
	if err != nil {
		return 0, err
	}
	d.cursors[idx] = cur
	return cur, nil
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	MissionID  string          `json:"mission_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

// deliveryError is a failed delivery. Status is zero
// when the request could not be built.
type deliveryError struct {
	Status int
	Body   string
	Err    error
}

func (e *deliveryError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("status %d: %s", e.Status, e.Body)
}

func (e *deliveryError) permanent() bool {
	if e.Status == 0 {
		return true
	}
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		MissionID:  evt.MissionID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    json.RawMessage("{}"),
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			body.Payload = json.RawMessage(evt.Payload)
		} else {
			body.PayloadRaw = evt.Payload
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return backoff.Permanent(&deliveryError{Err: err})
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(&deliveryError{Err: err})
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Missionboard-Event", evt.Type)
	req.Header.Set("X-Missionboard-Delivery", strconv.FormatInt(evt.ID, 10))
	if evt.MissionID != "" {
		req.Header.Set("X-Missionboard-Mission", evt.MissionID)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Missionboard-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	derr := &deliveryError{Status: res.StatusCode, Body: strings.TrimSpace(string(msg))}
	if derr.permanent() {
		return backoff.Permanent(derr)
	}
	return derr
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
