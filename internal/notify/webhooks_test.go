package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"choreline/internal/config"
	"choreline/internal/domain"
	"choreline/internal/events"
)

type memSource struct {
	mu   sync.Mutex
	evts []domain.Event
	// latestErrs fail that many LatestEventID calls first.
	latestErrs int
}

func (m *memSource) add(typ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evts = append(m.evts, domain.Event{
		ID: int64(len(m.evts) + 1), Type: typ, EntityKind: "task", EntityID: "t1",
		ActorID: "system", TS: "2024-03-01T18:00:00Z", Payload: `{"assignee_id":"A"}`,
	})
}

func (m *memSource) EventsAfter(_ context.Context, limit int, cursor int64) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.evts {
		if e.ID > cursor && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memSource) LatestEventID(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latestErrs > 0 {
		m.latestErrs--
		return 0, errors.New("database is locked")
	}
	return int64(len(m.evts)), nil
}

type receiver struct {
	mu     sync.Mutex
	bodies []webhookEvent
	sigs   []string
	status int
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	data, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != 0 {
		w.WriteHeader(r.status)
		return
	}
	var evt webhookEvent
	_ = json.Unmarshal(data, &evt)
	r.bodies = append(r.bodies, evt)
	r.sigs = append(r.sigs, req.Header.Get("X-Choreline-Signature"))
}

func (r *receiver) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, b := range r.bodies {
		out = append(out, b.Type)
	}
	return out
}

func TestDispatcherDeliversFilteredEventsAfterStart(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()
	src := &memSource{}
	src.add("task_created")

	d := NewDispatcher(src, []config.WebhookConfig{{URL: srv.URL, Events: []string{"task_missed", "rotation_advanced"}, Secret: "s3"}}, nil)
	require.NotNil(t, d)
	ctx := context.Background()
	d.DispatchAll(ctx)
	assert.Empty(t, rcv.types())

	src.add("task_missed")
	src.add("task_claimed")
	src.add("rotation_advanced")
	d.DispatchAll(ctx)
	assert.Equal(t, []string{"task_missed", "rotation_advanced"}, rcv.types())
	assert.Equal(t, "t1", rcv.bodies[0].TaskID)
	assert.Contains(t, rcv.sigs[0], "sha256=")

	d.DispatchAll(ctx)
	assert.Len(t, rcv.types(), 2)
}

func TestDispatcherNeverReplaysHistoryWhenCursorInitFails(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()
	src := &memSource{latestErrs: 1}
	src.add("task_missed")
	src.add("rotation_advanced")

	d := NewDispatcher(src, []config.WebhookConfig{{URL: srv.URL}}, nil)
	ctx := context.Background()
	d.DispatchAll(ctx)
	assert.Empty(t, rcv.types())

	d.DispatchAll(ctx)
	assert.Empty(t, rcv.types())

	src.add("task_missed")
	d.DispatchAll(ctx)
	require.Len(t, rcv.bodies, 1)
	assert.Equal(t, int64(3), rcv.bodies[0].ID)
}

func TestDispatcherRetriesAfterFailure(t *testing.T) {
	rcv := &receiver{status: http.StatusBadGateway}
	srv := httptest.NewServer(rcv)
	defer srv.Close()
	src := &memSource{}
	d := NewDispatcher(src, []config.WebhookConfig{{URL: srv.URL}}, nil)
	ctx := context.Background()
	d.DispatchAll(ctx)

	src.add("task_missed")
	d.DispatchAll(ctx)
	assert.Empty(t, rcv.types())

	rcv.mu.Lock()
	rcv.status = 0
	rcv.mu.Unlock()
	d.DispatchAll(ctx)
	assert.Equal(t, []string{"task_missed"}, rcv.types())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	src := &memSource{}
	d := NewDispatcher(src, []config.WebhookConfig{{URL: srv.URL}}, nil)
	ctx := context.Background()
	d.DispatchAll(ctx)
	src.add("task_missed")

	for i := 0; i < 8; i++ {
		d.DispatchAll(ctx)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4, hits)
}

func TestNoActiveHooks(t *testing.T) {
	off := false
	assert.Nil(t, NewDispatcher(&memSource{}, nil, nil))
	assert.Nil(t, NewDispatcher(&memSource{}, []config.WebhookConfig{{URL: "http://x", Enabled: &off}}, nil))
}

func TestSignIsStable(t *testing.T) {
	assert.Equal(t, Sign("k", []byte("body")), Sign("k", []byte("body")))
	assert.NotEqual(t, Sign("k", []byte("body")), Sign("other", []byte("body")))
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	bus := events.NewBus()
	Attach(bus, log)

	bus.Publish(context.Background(),
		events.Event{Type: events.TaskClaimed, TaskID: "t1", AssigneeID: "A"},
		events.Event{Type: events.RotationAdvanced, TaskID: "t1", AssigneeID: "B", Payload: events.Payload{"reason": "missed"}},
	)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "rotation_advanced", line["event"])
	assert.Equal(t, "B", line["assignee_id"])
	assert.Equal(t, "missed", line["reason"])
}
