package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	apperrors "signal-advisor/internal/errors"
	"signal-advisor/internal/events"
	"signal-advisor/internal/logging"
	"signal-advisor/internal/models"
	"signal-advisor/internal/store"
)

const (
	defaultSynthesisTimeout = 2 * time.Minute
	defaultProposalTTL      = 24 * time.Hour
)

// GenerateResult reports the outcome of generating one proposal.
type GenerateResult struct {
	SignalID   string `json:"signalId"`
	UserID     string `json:"userId"`
	ProposalID string `json:"proposalId,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Generator produces and stores one proposal per (signal, user).
type Generator struct {
	signals     store.SignalStore
	portfolio   store.PortfolioStore
	proposals   store.ProposalStore
	publisher   events.Publisher
	synthesizer Synthesizer
	timeout     time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

// NewGenerator creates a generator.
func NewGenerator(deps Deps) *Generator {
	timeout := deps.Config.SynthesisTimeout
	if timeout <= 0 {
		timeout = defaultSynthesisTimeout
	}

	return &Generator{
		signals:     deps.Signals,
		portfolio:   deps.Portfolio,
		proposals:   deps.Proposals,
		publisher:   deps.Publisher,
		synthesizer: deps.Synthesizer,
		timeout:     timeout,
		logger:      deps.Logger,
		now:         time.Now,
	}
}

// Handle is the proposal.dispatched handler.
func (g *Generator) Handle(ctx context.Context, evt *events.Event) error {
	payload, err := events.Decode[ProposalDispatchedPayload](evt)
	if err != nil {
		return err
	}
	_, err = g.Generate(ctx, payload.SignalID, payload.UserID)
	return err
}

// Generate synthesizes a proposal for userID from signalID, stores it and
// emits proposal.generated. Each stage is a step, so a redelivered event
// resumes after the last one that succeeded. Storing is an upsert keyed by
// (signalID, userID), which makes duplicate dispatch events harmless.
func (g *Generator) Generate(ctx context.Context, signalID, userID string) (*GenerateResult, error) {
	logger := logging.WithUser(logging.WithSignal(stageLogger(ctx, g.logger, "generate"), signalID), userID)
	result := &GenerateResult{SignalID: signalID, UserID: userID}

	if userID == "" {
		return nil, apperrors.Permanent(fmt.Errorf("%w: signal %s", apperrors.ErrMissingUser, signalID))
	}

	signal, err := events.Step(ctx, "load-signal", func(ctx context.Context) (*models.Signal, error) {
		return loadSignal(ctx, g.signals, signalID)
	})
	if err != nil {
		return nil, err
	}

	if signal.IsExpired(g.now()) {
		logger.Info().Time("expires_at", signal.ExpiresAt).Msg("Signal expired before generation, skipping")
		result.Skipped = true
		result.Reason = "signal expired"
		return result, nil
	}

	userCtx, err := events.Step(ctx, "load-user-context", func(ctx context.Context) (*models.UserContext, error) {
		return g.loadUserContext(ctx, userID)
	})
	if err != nil {
		return nil, err
	}

	payload, err := events.Step(ctx, "synthesize", func(ctx context.Context) (*models.ProposalPayload, error) {
		return g.synthesize(ctx, signal, userCtx)
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Proposal synthesis failed")
		return nil, err
	}

	proposalID, err := events.Step(ctx, "create-proposal", func(ctx context.Context) (string, error) {
		p, err := g.proposals.CreateProposal(ctx, g.buildProposal(signal, userID, payload))
		if err != nil {
			if errors.Is(err, apperrors.ErrMissingUser) {
				return "", apperrors.Permanent(err)
			}
			return "", fmt.Errorf("creating proposal: %w", err)
		}
		return p.ID, nil
	})
	if err != nil {
		return nil, err
	}
	result.ProposalID = proposalID

	_, err = events.Step(ctx, "emit-generated", func(ctx context.Context) (string, error) {
		return g.publisher.Emit(ctx, ProposalGenerated, ProposalGeneratedPayload{ProposalID: proposalID})
	})
	if err != nil {
		return nil, fmt.Errorf("emitting %s: %w", ProposalGenerated, err)
	}

	proposalLogger := logging.WithProposal(logger, proposalID)
	proposalLogger.Info().
		Str("title", payload.Title).
		Str("type", string(payload.Type)).
		Msg("Proposal generated")

	return result, nil
}

func (g *Generator) loadUserContext(ctx context.Context, userID string) (*models.UserContext, error) {
	holdings, err := g.portfolio.GetHoldings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading holdings of %s: %w", userID, err)
	}

	uc := &models.UserContext{UserID: userID, Holdings: holdings}
	for _, h := range holdings {
		uc.TotalValue += h.ValueUSD
	}
	return uc, nil
}

// synthesize bounds the synthesis call so a stuck model request cannot hold
// a worker. A timeout or an empty result is retryable.
func (g *Generator) synthesize(ctx context.Context, signal *models.Signal, user *models.UserContext) (*models.ProposalPayload, error) {
	sctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	payload, err := g.synthesizer.Synthesize(sctx, signal, user)
	if err != nil {
		if errors.Is(sctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: synthesis after %s: %v", apperrors.ErrTimeout, g.timeout, err)
		}
		return nil, fmt.Errorf("synthesizing proposal: %w", err)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: signal %s user %s", apperrors.ErrNoProposal, signal.ID, user.UserID)
	}
	return payload, nil
}

func (g *Generator) buildProposal(signal *models.Signal, userID string, payload *models.ProposalPayload) *models.Proposal {
	expiresAt := payload.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = signal.ExpiresAt
	}
	if expiresAt.IsZero() {
		expiresAt = g.now().Add(defaultProposalTTL).UTC()
	}

	return &models.Proposal{
		UserID:          userID,
		TriggerEventID:  signal.ID,
		Title:           payload.Title,
		Summary:         payload.Summary,
		Reason:          payload.Reason,
		Sources:         payload.Sources,
		Type:            payload.Type,
		ProposedBy:      payload.ProposedBy,
		FinancialImpact: payload.FinancialImpact,
		ExpiresAt:       expiresAt,
		Status:          models.ProposalActive,
	}
}
