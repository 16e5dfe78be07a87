// Package events is the durable event runtime the pipeline stages run on.
// Handlers are registered per event name, each invocation is retried with
// backoff until it succeeds, fails permanently, or runs out of attempts.
// Delivery is at-least-once.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "signal-advisor/internal/errors"
)

// Status is the lifecycle state of a queued event.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusDead      Status = "dead"
)

// Event is a named payload waiting for, or already handled by, a handler.
type Event struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Data        json.RawMessage `json:"data"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	RunAt       time.Time       `json:"runAt"`
	LastError   string          `json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// NewEvent builds a pending event ready to enqueue.
func NewEvent(name string, payload any, maxAttempts int) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", name, err)
	}

	now := time.Now().UTC()
	return &Event{
		ID:          uuid.NewString(),
		Name:        name,
		Data:        data,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Decode unmarshals the event payload. A payload that does not decode can
// never succeed, so the error is permanent.
func Decode[T any](evt *Event) (T, error) {
	var v T
	if err := json.Unmarshal(evt.Data, &v); err != nil {
		return v, apperrors.Permanent(fmt.Errorf("%w: %s: %v", apperrors.ErrInvalidPayload, evt.Name, err))
	}
	return v, nil
}
