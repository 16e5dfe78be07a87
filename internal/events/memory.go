package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "signal-advisor/internal/errors"
)

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu     sync.Mutex
	order  []string
	events map[string]*Event
	steps  map[string]map[string][]byte
	now    func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		events: make(map[string]*Event),
		steps:  make(map[string]map[string][]byte),
		now:    time.Now,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, evt *Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.events[evt.ID]; exists {
		return fmt.Errorf("%w: event %s", apperrors.ErrDuplicate, evt.ID)
	}
	cp := *evt
	q.events[evt.ID] = &cp
	q.order = append(q.order, evt.ID)
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, limit int, lease time.Duration) ([]*Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var claimed []*Event
	for _, id := range q.order {
		if len(claimed) >= limit {
			break
		}
		evt := q.events[id]
		if evt.Status != StatusPending && evt.Status != StatusRunning {
			continue
		}
		if evt.RunAt.After(now) {
			continue
		}
		evt.Status = StatusRunning
		evt.Attempts++
		evt.RunAt = now.Add(lease)
		evt.UpdatedAt = now
		cp := *evt
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (q *MemoryQueue) Complete(_ context.Context, id string) error {
	return q.update(id, func(evt *Event) {
		evt.Status = StatusCompleted
		evt.LastError = ""
	})
}

func (q *MemoryQueue) Retry(_ context.Context, id string, runAt time.Time, lastErr string) error {
	return q.update(id, func(evt *Event) {
		evt.Status = StatusPending
		evt.RunAt = runAt
		evt.LastError = lastErr
	})
}

func (q *MemoryQueue) Dead(_ context.Context, id string, lastErr string) error {
	return q.update(id, func(evt *Event) {
		evt.Status = StatusDead
		evt.LastError = lastErr
	})
}

func (q *MemoryQueue) Requeue(_ context.Context, id string) error {
	return q.update(id, func(evt *Event) {
		if evt.Status == StatusCompleted {
			delete(q.steps, id)
		}
		evt.Status = StatusPending
		evt.Attempts = 0
		evt.RunAt = q.now()
	})
}

func (q *MemoryQueue) update(id string, fn func(*Event)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	evt, ok := q.events[id]
	if !ok {
		return fmt.Errorf("%w: event %s", apperrors.ErrDataNotFound, id)
	}
	fn(evt)
	evt.UpdatedAt = q.now()
	return nil
}

func (q *MemoryQueue) SaveStep(_ context.Context, eventID, step string, output []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.steps[eventID] == nil {
		q.steps[eventID] = make(map[string][]byte)
	}
	q.steps[eventID][step] = append([]byte(nil), output...)
	return nil
}

func (q *MemoryQueue) LoadSteps(_ context.Context, eventID string) (map[string][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string][]byte, len(q.steps[eventID]))
	for k, v := range q.steps[eventID] {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (q *MemoryQueue) GetEvent(_ context.Context, id string) (*Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	evt, ok := q.events[id]
	if !ok {
		return nil, nil
	}
	cp := *evt
	return &cp, nil
}

// ListEvents returns events in enqueue order. An empty status matches all.
func (q *MemoryQueue) ListEvents(_ context.Context, status Status, limit int) ([]*Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Event
	for _, id := range q.order {
		if limit > 0 && len(out) >= limit {
			break
		}
		evt := q.events[id]
		if status != "" && evt.Status != status {
			continue
		}
		cp := *evt
		out = append(out, &cp)
	}
	return out, nil
}

// ByName returns every event with the given name, in enqueue order.
func (q *MemoryQueue) ByName(name string) []*Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Event
	for _, id := range q.order {
		if evt := q.events[id]; evt.Name == name {
			cp := *evt
			out = append(out, &cp)
		}
	}
	return out
}
