package models

import (
	"fmt"
	"time"
)

// ProposalType represents the kind of recommendation a proposal carries.
type ProposalType string

const (
	ProposalTrade       ProposalType = "trade"
	ProposalStake       ProposalType = "stake"
	ProposalRisk        ProposalType = "risk"
	ProposalOpportunity ProposalType = "opportunity"
)

// ProposalStatus represents the lifecycle state of a proposal.
type ProposalStatus string

const (
	ProposalActive  ProposalStatus = "active"
	ProposalExpired ProposalStatus = "expired"
	ProposalActedOn ProposalStatus = "acted-on"
)

// RiskLevel is the closed risk scale of a financial impact estimate.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Valid reports whether r is one of low, medium or high.
func (r RiskLevel) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// Source is a reference backing a proposal's rationale.
type Source struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// FinancialImpact estimates what acting on a proposal does to a position.
// TimeFrame is a free-text label such as "1 year" and is never parsed.
type FinancialImpact struct {
	CurrentValue   float64   `json:"currentValue"`
	ProjectedValue float64   `json:"projectedValue"`
	PercentChange  float64   `json:"percentChange"`
	TimeFrame      string    `json:"timeFrame"`
	RiskLevel      RiskLevel `json:"riskLevel"`
}

// Proposal is a user-specific recommendation generated from a signal.
type Proposal struct {
	ID              string           `json:"id"`
	UserID          string           `json:"userId"`
	TriggerEventID  string           `json:"triggerEventId"`
	Title           string           `json:"title"`
	Summary         string           `json:"summary"`
	Reason          []string         `json:"reason"`
	Sources         []Source         `json:"sources"`
	Type            ProposalType     `json:"type,omitempty"`
	ProposedBy      string           `json:"proposedBy"`
	FinancialImpact *FinancialImpact `json:"financialImpact,omitempty"`
	ExpiresAt       time.Time        `json:"expiresAt"`
	Status          ProposalStatus   `json:"status"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// ProposalPayload is the structured output of proposal synthesis, before it
// is bound to a user and a signal.
type ProposalPayload struct {
	Title           string           `json:"title"`
	Summary         string           `json:"summary"`
	Reason          []string         `json:"reason"`
	Sources         []Source         `json:"sources"`
	Type            ProposalType     `json:"type,omitempty"`
	ProposedBy      string           `json:"proposedBy"`
	FinancialImpact *FinancialImpact `json:"financialImpact,omitempty"`
	ExpiresAt       time.Time        `json:"expiresAt"`
}

// Validate checks that the payload carries everything a proposal needs.
func (p *ProposalPayload) Validate() error {
	if p.Title == "" {
		return fmt.Errorf("title is required")
	}
	if p.Summary == "" {
		return fmt.Errorf("summary is required")
	}
	if len(p.Reason) == 0 {
		return fmt.Errorf("at least one reason is required")
	}
	switch p.Type {
	case "", ProposalTrade, ProposalStake, ProposalRisk, ProposalOpportunity:
	default:
		return fmt.Errorf("unknown proposal type %q", p.Type)
	}
	if fi := p.FinancialImpact; fi != nil && !fi.RiskLevel.Valid() {
		return fmt.Errorf("financial impact risk level must be low, medium or high, got %q", fi.RiskLevel)
	}
	return nil
}
