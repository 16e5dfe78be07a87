// Package models provides domain models for the signal-to-proposal pipeline.
package models

import (
	"time"
)

// SuggestionType classifies what a signal suggests doing with an asset.
type SuggestionType string

const (
	SuggestionBuy               SuggestionType = "buy"
	SuggestionSell              SuggestionType = "sell"
	SuggestionClosePosition     SuggestionType = "close_position"
	SuggestionStake             SuggestionType = "stake"
	SuggestionTechnicalAnalysis SuggestionType = "technical_analysis"
	SuggestionFundamentals      SuggestionType = "fundamentals"
	SuggestionNews              SuggestionType = "news"
	SuggestionOther             SuggestionType = "other"
)

// Valid reports whether t is one of the known suggestion types.
func (t SuggestionType) Valid() bool {
	switch t {
	case SuggestionBuy, SuggestionSell, SuggestionClosePosition, SuggestionStake,
		SuggestionTechnicalAnalysis, SuggestionFundamentals, SuggestionNews, SuggestionOther:
		return true
	}
	return false
}

// Signal is a detected market or social event tied to a token.
// Signals are read-only input to the dispatch pipeline.
type Signal struct {
	ID               string                 `json:"id"`
	TokenAddress     string                 `json:"tokenAddress,omitempty"`
	DetectedAt       time.Time              `json:"detectedAt"`
	Sources          []string               `json:"sources"`
	SentimentScore   float64                `json:"sentimentScore"`
	SuggestionType   SuggestionType         `json:"suggestionType"`
	Strength         int                    `json:"strength"`
	Confidence       float64                `json:"confidence"`
	RationaleSummary string                 `json:"rationaleSummary"`
	ExpiresAt        time.Time              `json:"expiresAt"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// HasAsset reports whether the signal references a token.
func (s *Signal) HasAsset() bool {
	return s.TokenAddress != ""
}

// IsExpired reports whether the signal has passed its expiry at now.
// A zero ExpiresAt never expires.
func (s *Signal) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Holding is one nonzero token balance of a user.
type Holding struct {
	TokenAddress string    `json:"tokenAddress"`
	Symbol       string    `json:"symbol,omitempty"`
	Balance      float64   `json:"balance"`
	ValueUSD     float64   `json:"valueUsd"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// UserContext is the portfolio view handed to proposal synthesis.
type UserContext struct {
	UserID     string    `json:"userId"`
	Holdings   []Holding `json:"holdings"`
	TotalValue float64   `json:"totalValue"`
}

// HoldingFor returns the user's holding of tokenAddress, if any.
func (u *UserContext) HoldingFor(tokenAddress string) (Holding, bool) {
	for _, h := range u.Holdings {
		if h.TokenAddress == tokenAddress {
			return h, true
		}
	}
	return Holding{}, false
}
