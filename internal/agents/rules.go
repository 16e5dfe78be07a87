package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"signal-advisor/internal/models"
)

// maxProjectedChange caps the rule-based projection, in percent.
var maxProjectedChange = decimal.NewFromInt(50)

// RuleBasedAgent maps signal fields to a proposal deterministically. It is
// used when no LLM is configured and as the LLM agent's fallback.
type RuleBasedAgent struct {
	BaseAgent
	now func() time.Time
}

// NewRuleBasedAgent creates a rule-based agent.
func NewRuleBasedAgent(proposedBy string) *RuleBasedAgent {
	return &RuleBasedAgent{
		BaseAgent: NewBaseAgent("rules", proposedBy),
		now:       time.Now,
	}
}

// Synthesize always produces a payload.
func (a *RuleBasedAgent) Synthesize(ctx context.Context, signal *models.Signal, user *models.UserContext) (*models.ProposalPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ptype := ProposalTypeFor(signal)
	holding, held := user.HoldingFor(signal.TokenAddress)
	asset := assetLabel(signal.TokenAddress, holding.Symbol)

	payload := &models.ProposalPayload{
		Title:   titleFor(ptype, signal.SuggestionType, asset),
		Summary: summaryFor(signal, asset),
		Reason:  reasonsFor(signal, holding, held),
		Type:    ptype,
	}

	if held {
		payload.FinancialImpact = ProjectImpact(signal, ptype, holding.ValueUSD)
	}

	a.finalize(payload, signal, a.now())
	return payload, nil
}

// ProposalTypeFor maps a signal's suggestion to a proposal type.
func ProposalTypeFor(signal *models.Signal) models.ProposalType {
	switch signal.SuggestionType {
	case models.SuggestionBuy, models.SuggestionSell, models.SuggestionClosePosition:
		return models.ProposalTrade
	case models.SuggestionStake:
		return models.ProposalStake
	case models.SuggestionNews, models.SuggestionFundamentals, models.SuggestionTechnicalAnalysis:
		if signal.SentimentScore < 0 {
			return models.ProposalRisk
		}
		return models.ProposalOpportunity
	default:
		return models.ProposalOpportunity
	}
}

// RiskLevelFor derives the risk level from signal confidence.
func RiskLevelFor(confidence float64) models.RiskLevel {
	switch c := ClampConfidence(confidence); {
	case c >= 0.75:
		return models.RiskLow
	case c >= 0.5:
		return models.RiskMedium
	default:
		return models.RiskHigh
	}
}

// ProjectImpact estimates the position's value after the proposal plays out.
// The percent change is strength * confidence * 1.5, signed by direction and
// capped at 50 either way.
func ProjectImpact(signal *models.Signal, ptype models.ProposalType, currentValue float64) *models.FinancialImpact {
	pct := decimal.NewFromInt(int64(signal.Strength)).
		Mul(decimal.NewFromFloat(ClampConfidence(signal.Confidence))).
		Mul(decimal.NewFromFloat(1.5))
	if pct.GreaterThan(maxProjectedChange) {
		pct = maxProjectedChange
	}
	if pct.IsNegative() {
		pct = decimal.Zero
	}
	if bearish(signal) {
		pct = pct.Neg()
	}
	pct = pct.Round(2)

	current := decimal.NewFromFloat(currentValue).Round(2)
	projected := current.Mul(decimal.NewFromInt(100).Add(pct)).Div(decimal.NewFromInt(100)).Round(2)

	return &models.FinancialImpact{
		CurrentValue:   current.InexactFloat64(),
		ProjectedValue: projected.InexactFloat64(),
		PercentChange:  pct.InexactFloat64(),
		TimeFrame:      timeFrameFor(ptype),
		RiskLevel:      RiskLevelFor(signal.Confidence),
	}
}

func bearish(signal *models.Signal) bool {
	switch signal.SuggestionType {
	case models.SuggestionSell, models.SuggestionClosePosition:
		return true
	case models.SuggestionBuy, models.SuggestionStake:
		return false
	}
	return signal.SentimentScore < 0
}

func timeFrameFor(ptype models.ProposalType) string {
	switch ptype {
	case models.ProposalStake:
		return "1 year"
	case models.ProposalOpportunity:
		return "1 month"
	default:
		return "1 week"
	}
}

func titleFor(ptype models.ProposalType, suggestion models.SuggestionType, asset string) string {
	switch suggestion {
	case models.SuggestionBuy:
		return fmt.Sprintf("Consider adding to %s", asset)
	case models.SuggestionSell:
		return fmt.Sprintf("Consider trimming %s", asset)
	case models.SuggestionClosePosition:
		return fmt.Sprintf("Consider closing your %s position", asset)
	}
	switch ptype {
	case models.ProposalStake:
		return fmt.Sprintf("Stake your idle %s", asset)
	case models.ProposalRisk:
		return fmt.Sprintf("Risk alert for %s", asset)
	default:
		return fmt.Sprintf("Opportunity in %s", asset)
	}
}

func summaryFor(signal *models.Signal, asset string) string {
	if signal.RationaleSummary != "" {
		return signal.RationaleSummary
	}
	return fmt.Sprintf("A %s signal was detected for %s.", signal.SuggestionType, asset)
}

func reasonsFor(signal *models.Signal, holding models.Holding, held bool) []string {
	var reasons []string
	if signal.RationaleSummary != "" {
		reasons = append(reasons, signal.RationaleSummary)
	}
	reasons = append(reasons,
		fmt.Sprintf("Signal strength %d with %.0f%% confidence", signal.Strength, ClampConfidence(signal.Confidence)*100),
		fmt.Sprintf("Sentiment score %.2f", signal.SentimentScore),
	)
	if held {
		reasons = append(reasons, fmt.Sprintf("You hold %g units worth about $%.2f", holding.Balance, holding.ValueUSD))
	}
	return reasons
}

func assetLabel(tokenAddress, symbol string) string {
	if symbol != "" {
		return symbol
	}
	if len(tokenAddress) > 12 {
		return tokenAddress[:6] + "…" + tokenAddress[len(tokenAddress)-4:]
	}
	if tokenAddress == "" {
		return "the market"
	}
	return tokenAddress
}
