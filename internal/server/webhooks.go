package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bullpen/internal/config"
	"bullpen/internal/domain"
	"bullpen/internal/engine"
)

const (
	webhookPollInterval   = 2 * time.Second
	webhookDeliverTimeout = 5 * time.Second
	webhookBatchLimit     = 100
)

// hookState is one configured endpoint plus its delivery cursor. The cursor
// trails the event log: it only advances past an event once that event has
// been delivered or filtered out.
type hookState struct {
	cfg    config.WebhookConfig
	client *http.Client
	cursor int64
	allow  map[string]struct{}
}

func newHookState(cfg config.WebhookConfig, head int64) *hookState {
	timeout := webhookDeliverTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	var allow map[string]struct{}
	for _, evt := range cfg.Events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		if allow == nil {
			allow = make(map[string]struct{})
		}
		allow[key] = struct{}{}
	}
	return &hookState{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		cursor: head,
		allow:  allow,
	}
}

func (h *hookState) wants(eventType string) bool {
	if h.allow == nil {
		return true
	}
	_, ok := h.allow[eventType]
	return ok
}

// webhookDispatcher tails the event log and posts batches of new events to
// each configured hook. One goroutine owns all hook state, so a slow
// endpoint delays only its own cursor.
type webhookDispatcher struct {
	engine engine.Engine
	crew   string
	hooks  []*hookState
	log    *slog.Logger
}

// StartWebhookDispatcher begins delivery for the hooks declared in config.
// Without any it is a no-op. New hooks start at the current log head; history
// is never replayed into a freshly configured endpoint.
func StartWebhookDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	logger := slog.Default().With("component", "webhooks")
	head, err := e.Repo.LatestEventID(context.Background())
	if err != nil {
		logger.Error("read event log head", "err", err)
		head = 0
	}
	d := &webhookDispatcher{
		engine: e,
		crew:   e.Config.Crew.Name,
		log:    logger,
	}
	for _, cfg := range e.Config.Webhooks {
		if cfg.Enabled != nil && !*cfg.Enabled {
			continue
		}
		if strings.TrimSpace(cfg.URL) == "" {
			continue
		}
		d.hooks = append(d.hooks, newHookState(cfg, head))
	}
	if len(d.hooks) == 0 {
		return
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(webhookPollInterval)
	defer ticker.Stop()
	for {
		for _, h := range d.hooks {
			d.flush(h)
		}
		<-ticker.C
	}
}

// flush drains pending events for one hook. Filtered events advance the
// cursor silently; a failed delivery leaves it in place so the same batch is
// retried next tick.
func (d *webhookDispatcher) flush(h *hookState) {
	ctx := context.Background()
	events, err := d.engine.Repo.EventsAfter(ctx, webhookBatchLimit, h.cursor)
	if err != nil {
		d.log.Error("fetch events", "err", err)
		return
	}
	batch := make([]webhookEvent, 0, len(events))
	last := h.cursor
	for _, evt := range events {
		if h.wants(evt.Type) {
			batch = append(batch, toWebhookEvent(evt))
		}
		last = evt.ID
	}
	if len(batch) == 0 {
		h.cursor = last
		return
	}
	if err := d.deliver(ctx, h, batch); err != nil {
		d.log.Warn("deliver batch", "url", h.cfg.URL, "events", len(batch), "err", err)
		return
	}
	h.cursor = last
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

type webhookDelivery struct {
	Crew   string         `json:"crew"`
	Events []webhookEvent `json:"events"`
}

func toWebhookEvent(evt domain.Event) webhookEvent {
	out := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    json.RawMessage([]byte("{}")),
	}
	if evt.Payload == "" {
		return out
	}
	if json.Valid([]byte(evt.Payload)) {
		out.Payload = json.RawMessage([]byte(evt.Payload))
	} else {
		out.PayloadRaw = evt.Payload
	}
	return out
}

func (d *webhookDispatcher) deliver(ctx context.Context, h *hookState, batch []webhookEvent) error {
	data, err := json.Marshal(webhookDelivery{Crew: d.crew, Events: batch})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bullpen-Crew", d.crew)
	req.Header.Set("X-Bullpen-Delivery", fmt.Sprintf("%d", batch[len(batch)-1].ID))
	req.Header.Set("X-Bullpen-Event-Count", fmt.Sprintf("%d", len(batch)))
	if strings.TrimSpace(h.cfg.Secret) != "" {
		req.Header.Set("X-Bullpen-Secret", h.cfg.Secret)
	}
	res, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
