package events

import (
	"context"
	"time"
)

// Queue is the durable log the runtime consumes.
//
// Claim leases up to limit due events: it marks them running, bumps Attempts
// and hides them until the lease expires. An event whose lease expired
// without Complete, Retry or Dead is claimable again.
type Queue interface {
	Enqueue(ctx context.Context, evt *Event) error
	Claim(ctx context.Context, limit int, lease time.Duration) ([]*Event, error)
	Complete(ctx context.Context, id string) error
	Retry(ctx context.Context, id string, runAt time.Time, lastErr string) error
	Dead(ctx context.Context, id string, lastErr string) error

	SaveStep(ctx context.Context, eventID, step string, output []byte) error
	LoadSteps(ctx context.Context, eventID string) (map[string][]byte, error)

	GetEvent(ctx context.Context, id string) (*Event, error)
	ListEvents(ctx context.Context, status Status, limit int) ([]*Event, error)
	// Requeue resets an event to pending with a fresh attempt budget. A dead
	// event keeps its step log and resumes after its last completed step; a
	// completed event loses it and runs every step again.
	Requeue(ctx context.Context, id string) error
}
