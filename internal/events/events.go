package events

import (
	"context"
	"sync"
)

type Type string

const (
	TaskMissed        Type = "task_missed"
	RotationAdvanced  Type = "rotation_advanced"
	StealWindowOpened Type = "steal_window_opened"

	TaskCreated     Type = "task_created"
	TaskUpdated     Type = "task_updated"
	TaskDeleted     Type = "task_deleted"
	TaskClaimed     Type = "task_claimed"
	TaskApproved    Type = "task_approved"
	TaskDisapproved Type = "task_disapproved"
	MissedRecorded  Type = "missed_recorded"
	PeriodReset     Type = "period_reset"
	CriteriaChanged Type = "criteria_changed"
)

// SystemActor is recorded for changes made by the boundary scanner.
const SystemActor = "system"

type Payload map[string]any

type Event struct {
	Type       Type
	TaskID     string
	AssigneeID string
	ActorID    string
	Payload    Payload
}

type Handler func(ctx context.Context, evt Event)

// Bus fans committed events out to in-process listeners.
type Bus struct {
	mu   sync.RWMutex
	subs map[Type][]Handler
	all  []Handler
}

func NewBus() *Bus {
	return &Bus{subs: map[Type][]Handler{}}
}

func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], h)
}

func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers events synchronously in order. A nil bus drops them.
func (b *Bus) Publish(ctx context.Context, evts ...Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, evt := range evts {
		for _, h := range b.subs[evt.Type] {
			h(ctx, evt)
		}
		for _, h := range b.all {
			h(ctx, evt)
		}
	}
}
