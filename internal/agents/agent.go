// Package agents synthesizes proposals from a signal and a user's portfolio.
package agents

import (
	"context"
	"net/url"
	"strings"
	"time"

	"signal-advisor/internal/models"
)

// DefaultProposalTTL is how long a proposal stays actionable when its signal
// carries no expiry.
const DefaultProposalTTL = 24 * time.Hour

// Agent turns a signal plus user context into a proposal payload. A nil
// payload with a nil error means the agent chose not to propose anything.
type Agent interface {
	Name() string
	Synthesize(ctx context.Context, signal *models.Signal, user *models.UserContext) (*models.ProposalPayload, error)
}

// BaseAgent provides common functionality for all agents.
type BaseAgent struct {
	name       string
	proposedBy string
}

// NewBaseAgent creates a new base agent. proposedBy defaults to the name.
func NewBaseAgent(name, proposedBy string) BaseAgent {
	if proposedBy == "" {
		proposedBy = name
	}
	return BaseAgent{name: name, proposedBy: proposedBy}
}

// Name returns the agent's name.
func (b *BaseAgent) Name() string {
	return b.name
}

// finalize fills the fields every payload needs that the model or rules may omit.
func (b *BaseAgent) finalize(p *models.ProposalPayload, signal *models.Signal, now time.Time) {
	if p.ProposedBy == "" {
		p.ProposedBy = b.proposedBy
	}
	if p.ExpiresAt.IsZero() {
		if !signal.ExpiresAt.IsZero() {
			p.ExpiresAt = signal.ExpiresAt
		} else {
			p.ExpiresAt = now.Add(DefaultProposalTTL)
		}
	}
	if len(p.Sources) == 0 {
		p.Sources = SourcesFromSignal(signal)
	}
}

// SourcesFromSignal turns the signal's source URLs into named sources.
func SourcesFromSignal(signal *models.Signal) []models.Source {
	sources := make([]models.Source, 0, len(signal.Sources))
	for _, raw := range signal.Sources {
		name := raw
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			name = strings.TrimPrefix(u.Host, "www.")
		}
		sources = append(sources, models.Source{Name: name, URL: raw})
	}
	return sources
}

// ClampConfidence clamps confidence to the valid range [0, 1].
func ClampConfidence(confidence float64) float64 {
	if confidence < 0 {
		return 0
	}
	if confidence > 1 {
		return 1
	}
	return confidence
}
