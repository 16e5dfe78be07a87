// Package pipeline implements the signal-to-proposal stages: fan-out of a
// detected signal to token holders, per-holder proposal generation, and push
// delivery of generated proposals. Each stage is an event handler and
// communicates with the next only through stored records and events.
package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"signal-advisor/internal/config"
	"signal-advisor/internal/events"
	"signal-advisor/internal/logging"
	"signal-advisor/internal/models"
	"signal-advisor/internal/store"
)

// Event names.
const (
	SignalDetected     = "signal.detected"
	ProposalDispatched = "proposal.dispatched"
	ProposalGenerated  = "proposal.generated"
	PostsCollected     = "social.posts.collected"
)

// SignalDetectedPayload triggers the dispatcher.
type SignalDetectedPayload struct {
	SignalID string `json:"signalId"`
}

// ProposalDispatchedPayload triggers generation for one holder.
type ProposalDispatchedPayload struct {
	SignalID string `json:"signalId"`
	UserID   string `json:"userId"`
}

// ProposalGeneratedPayload triggers notification delivery.
type ProposalGeneratedPayload struct {
	ProposalID string `json:"proposalId"`
}

// PostsCollectedPayload carries relevant posts from a scrape run to the
// signal detection step.
type PostsCollectedPayload struct {
	AccountIDs []string               `json:"accountIds"`
	Posts      []models.FormattedPost `json:"posts"`
}

// Synthesizer turns a signal and a user's portfolio into a proposal payload.
// A nil payload with a nil error means no proposal was produced.
type Synthesizer interface {
	Synthesize(ctx context.Context, signal *models.Signal, user *models.UserContext) (*models.ProposalPayload, error)
}

// PushTransport delivers an encoded payload to one subscription. Rejections
// by the push service are reported as *errors.PushError.
type PushTransport interface {
	Send(ctx context.Context, sub models.PushSubscription, payload []byte) error
}

// Deps is the immutable bundle each stage is built from.
type Deps struct {
	Signals       store.SignalStore
	Balances      store.BalanceStore
	Portfolio     store.PortfolioStore
	Proposals     store.ProposalStore
	Subscriptions store.SubscriptionStore
	Publisher     events.Publisher
	Synthesizer   Synthesizer
	Transport     PushTransport
	Config        config.PipelineConfig
	Logger        zerolog.Logger
}

// Pipeline holds the three stages.
type Pipeline struct {
	Dispatcher *Dispatcher
	Generator  *Generator
	Notifier   *Notifier
}

// New builds every stage from deps.
func New(deps Deps) *Pipeline {
	return &Pipeline{
		Dispatcher: NewDispatcher(deps),
		Generator:  NewGenerator(deps),
		Notifier:   NewNotifier(deps),
	}
}

// Register builds the pipeline and routes its events on rt.
func Register(rt *events.Runtime, deps Deps) (*Pipeline, error) {
	p := New(deps)

	routes := []struct {
		name    string
		handler events.HandlerFunc
	}{
		{SignalDetected, p.Dispatcher.Handle},
		{ProposalDispatched, p.Generator.Handle},
		{ProposalGenerated, p.Notifier.Handle},
	}

	for _, r := range routes {
		if err := rt.On(r.name, r.handler); err != nil {
			return nil, fmt.Errorf("registering %s: %w", r.name, err)
		}
	}
	return p, nil
}

// RuntimeConfig maps pipeline settings onto the event runtime.
func RuntimeConfig(cfg config.PipelineConfig) events.Config {
	rc := events.DefaultConfig()
	if cfg.Workers > 0 {
		rc.Workers = cfg.Workers
	}
	if cfg.BatchSize > 0 {
		rc.BatchSize = cfg.BatchSize
	}
	if cfg.PollInterval > 0 {
		rc.PollInterval = cfg.PollInterval
	}
	if cfg.Lease > 0 {
		rc.Lease = cfg.Lease
	}
	if cfg.StepTimeout > 0 {
		rc.HandlerTimeout = cfg.StepTimeout
	}
	if cfg.MaxAttempts > 0 {
		rc.Retry.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialBackoff > 0 {
		rc.Retry.InitialDelay = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		rc.Retry.MaxDelay = cfg.MaxBackoff
	}
	if cfg.BackoffFactor > 0 {
		rc.Retry.BackoffFactor = cfg.BackoffFactor
	}
	return rc
}

// stageLogger prefers the per-event logger the runtime puts on ctx.
func stageLogger(ctx context.Context, fallback zerolog.Logger, stage string) zerolog.Logger {
	logger := logging.FromContext(ctx)
	if logger.GetLevel() == zerolog.Disabled {
		logger = fallback
	}
	return logging.WithStage(logger, stage)
}
