package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type stepKey struct{}

type stepState struct {
	eventID string
	queue   Queue
	mu      sync.Mutex
	done    map[string][]byte
}

func withSteps(ctx context.Context, queue Queue, eventID string, done map[string][]byte) context.Context {
	if done == nil {
		done = make(map[string][]byte)
	}
	return context.WithValue(ctx, stepKey{}, &stepState{eventID: eventID, queue: queue, done: done})
}

// Step runs fn once per event. When the event is redelivered after a later
// step failed, the recorded output is returned and fn is skipped. Outside a
// handler fn simply runs.
//
// Step names must be unique within a handler.
func Step[T any](ctx context.Context, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	state, ok := ctx.Value(stepKey{}).(*stepState)
	if !ok {
		return fn(ctx)
	}

	state.mu.Lock()
	raw, done := state.done[name]
	state.mu.Unlock()

	if done {
		var out T
		if err := json.Unmarshal(raw, &out); err == nil {
			return out, nil
		}
		// A record that no longer decodes into T is re-run.
	}

	out, err := fn(ctx)
	if err != nil {
		return zero, err
	}

	raw, err = json.Marshal(out)
	if err != nil {
		return zero, fmt.Errorf("step %s: encoding output: %w", name, err)
	}
	if err := state.queue.SaveStep(ctx, state.eventID, name, raw); err != nil {
		return zero, fmt.Errorf("step %s: saving output: %w", name, err)
	}

	state.mu.Lock()
	state.done[name] = raw
	state.mu.Unlock()

	return out, nil
}
