// Package outbox forwards the event feed to subscribed webhooks.
package outbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"tradeescrow/internal/config"
	"tradeescrow/internal/domain"
	"tradeescrow/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

// Dispatcher delivers events in order, at least once. Each webhook keeps its own cursor in
// the database; delivery to a webhook stops at the first failure and resumes from there on the
// next pass.
type Dispatcher struct {
	Repo     repo.Repo
	Webhooks []config.OutboxWebhook
	Client   *http.Client
	Interval time.Duration
	Batch    int
	Logger   *zap.Logger
	Now      func() time.Time
}

func New(r repo.Repo, cfg *config.Config, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		Repo:     r,
		Client:   &http.Client{Timeout: defaultTimeout},
		Interval: defaultInterval,
		Batch:    defaultBatch,
		Logger:   logger,
	}
	if cfg != nil {
		d.Webhooks = cfg.Outbox.Webhooks
		if cfg.Outbox.PollInterval > 0 {
			d.Interval = cfg.Outbox.PollInterval
		}
	}
	return d
}

func (d *Dispatcher) log() *zap.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return zap.NewNop()
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.Webhooks) == 0 {
		return nil
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DispatchOnce makes one delivery pass over every webhook and returns how many events were
// delivered.
func (d *Dispatcher) DispatchOnce(ctx context.Context) int {
	delivered := 0
	for _, hook := range d.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		delivered += d.dispatchWebhook(ctx, hook)
	}
	return delivered
}

func (d *Dispatcher) dispatchWebhook(ctx context.Context, hook config.OutboxWebhook) int {
	cursor, err := d.Repo.WebhookCursor(ctx, hook.ID)
	if err != nil {
		d.log().Warn("outbox: load cursor", zap.String("webhook", hook.ID), zap.Error(err))
		return 0
	}
	events, err := d.Repo.EventsAfter(ctx, d.Batch, cursor)
	if err != nil {
		d.log().Warn("outbox: fetch events", zap.String("webhook", hook.ID), zap.Error(err))
		return 0
	}
	filter := newEventFilter(hook.Events)
	delivered := 0
	last := cursor
	for _, evt := range events {
		if filter.match(evt.Type) {
			if err := d.postEvent(ctx, hook, evt); err != nil {
				d.log().Warn("outbox: deliver",
					zap.String("webhook", hook.ID),
					zap.Int64("event_id", evt.ID),
					zap.Error(err))
				break
			}
			delivered++
		}
		last = evt.ID
	}
	if last != cursor {
		if err := d.Repo.SetWebhookCursor(ctx, hook.ID, last, d.now()); err != nil {
			d.log().Warn("outbox: store cursor", zap.String("webhook", hook.ID), zap.Error(err))
		}
	}
	return delivered
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

// Sign returns the X-Escrow-Signature value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *Dispatcher) postEvent(ctx context.Context, hook config.OutboxWebhook, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escrow-Event", evt.Type)
	req.Header.Set("X-Escrow-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Escrow-Signature", Sign(hook.Secret, data))
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	res, err := client.Do(req)
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

type eventFilter struct {
	all bool
	set map[string]struct{}
}

// newEventFilter matches exact types or a "prefix.*" wildcard.
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
	if _, ok := f.set[evt]; ok {
		return true
	}
	if i := strings.IndexByte(evt, '.'); i > 0 {
		_, ok := f.set[evt[:i]+".*"]
		return ok
	}
	return false
}
