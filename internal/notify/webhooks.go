// Package notify delivers committed chore events to collaborators: outbound
// webhooks fed from the event log and a structured-log sink on the in-process bus.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"choreline/internal/config"
	"choreline/internal/domain"
	"choreline/internal/logger"
	"choreline/internal/metrics"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

// EventSource reads the committed event log.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

type hook struct {
	cfg     config.WebhookConfig
	filter  eventFilter
	breaker *gobreaker.CircuitBreaker
}

// Dispatcher polls the event log and POSTs matching events to each webhook.
// Cursors live in memory and start at the newest event, so a restart does not
// replay history.
type Dispatcher struct {
	Interval time.Duration

	source  EventSource
	hooks   []hook
	client  *http.Client
	log     *slog.Logger
	mu      sync.Mutex
	cursors map[int]int64
}

// NewDispatcher returns nil when no webhook is active.
func NewDispatcher(source EventSource, hooks []config.WebhookConfig, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = logger.Discard()
	}
	d := &Dispatcher{
		Interval: defaultInterval,
		source:   source,
		client:   &http.Client{Timeout: defaultTimeout},
		log:      log,
		cursors:  map[int]int64{},
	}
	for _, cfg := range hooks {
		if !cfg.Active() {
			continue
		}
		d.hooks = append(d.hooks, hook{cfg: cfg, filter: newEventFilter(cfg.Events), breaker: d.newBreaker(cfg.URL)})
	}
	if len(d.hooks) == 0 {
		return nil
	}
	return d
}

func (d *Dispatcher) newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.log.Warn("webhook circuit breaker state changed", "url", name, "from", from.String(), "to", to.String())
		},
	})
}

// Run dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) DispatchAll(ctx context.Context) {
	for i := range d.hooks {
		d.dispatch(ctx, i)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, idx int) {
	h := d.hooks[idx]
	cursor, ok := d.cursorFor(ctx, idx)
	if !ok {
		return
	}
	evts, err := d.source.EventsAfter(ctx, defaultBatch, cursor)
	if err != nil {
		d.log.Error("webhook: fetch events failed", "err", err)
		return
	}
	for _, evt := range evts {
		if !h.filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		_, err := h.breaker.Execute(func() (interface{}, error) {
			return nil, d.post(ctx, h.cfg, evt)
		})
		if err != nil {
			outcome := "failed"
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				outcome = "open"
			}
			metrics.RecordDelivery(outcome)
			d.log.Warn("webhook: delivery failed", "url", h.cfg.URL, "event_id", evt.ID, "err", err)
			return
		}
		metrics.RecordDelivery("ok")
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor returns the hook's cursor, starting it at the newest event on
// first use. It reports false when the start is unknown; the hook then
// waits for the next tick.
func (d *Dispatcher) cursorFor(ctx context.Context, idx int) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, true
	}
	cur, err := d.source.LatestEventID(ctx)
	if err != nil {
		d.log.Error("webhook: init cursor failed", "err", err)
		return 0, false
	}
	d.cursors[idx] = cur
	return cur, true
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	TaskID     string          `json:"task_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *Dispatcher) post(ctx context.Context, cfg config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		TaskID:     evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if cfg.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Choreline-Event", evt.Type)
	req.Header.Set("X-Choreline-Event-Id", strconv.FormatInt(evt.ID, 10))
	req.Header.Set("X-Choreline-Delivery", uuid.NewString())
	if strings.TrimSpace(cfg.Secret) != "" {
		req.Header.Set("X-Choreline-Signature", "sha256="+Sign(cfg.Secret, data))
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

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(t string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[t]
	return ok
}
