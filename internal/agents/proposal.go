package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	apperrors "signal-advisor/internal/errors"
	"signal-advisor/internal/models"
	"signal-advisor/internal/resilience"
)

const proposalSystemPrompt = `You are a portfolio advisor for crypto wallet holders.
Given a detected market signal and one user's holdings, decide whether the user should act
and, if so, write one concrete proposal. Use the tools to look up holdings or signal details
you need. Never invent sources; cite only URLs from the signal.

Reply with a single JSON object:
{"proposal": null, "skipReason": "<why>"}
or
{"proposal": {
  "title": "<short imperative title>",
  "summary": "<one or two sentences>",
  "reason": ["<most important reason first>", "..."],
  "sources": [{"name": "<site>", "url": "<url>"}],
  "type": "trade|stake|risk|opportunity",
  "financialImpact": {
    "currentValue": <usd>,
    "projectedValue": <usd>,
    "percentChange": <signed percent>,
    "timeFrame": "<e.g. 1 week, 1 year>",
    "riskLevel": "low|medium|high"
  }
}}`

// ProposalAgent synthesizes proposals with an LLM that can call tools.
type ProposalAgent struct {
	BaseAgent
	llmClient LLMClient
	tools     *ToolExecutor
	fallback  Agent
	breaker   *resilience.Breaker
	logger    zerolog.Logger
	now       func() time.Time
}

// NewProposalAgent creates an LLM-backed agent. When the model call itself
// fails and fallback is non-nil, fallback produces the payload instead.
func NewProposalAgent(llmClient LLMClient, tools *ToolExecutor, fallback Agent, proposedBy string, logger zerolog.Logger) *ProposalAgent {
	return &ProposalAgent{
		BaseAgent: NewBaseAgent("proposal", proposedBy),
		llmClient: llmClient,
		tools:     tools,
		fallback:  fallback,
		logger:    logger.With().Str("agent", "proposal").Logger(),
		now:       time.Now,
	}
}

// WithBreaker guards model calls with b. While b is open, calls go
// straight to the fallback agent.
func (a *ProposalAgent) WithBreaker(b *resilience.Breaker) *ProposalAgent {
	a.breaker = b
	return a
}

// Synthesize asks the model for a proposal.
func (a *ProposalAgent) Synthesize(ctx context.Context, signal *models.Signal, user *models.UserContext) (*models.ProposalPayload, error) {
	cot, err := a.complete(ctx, a.buildPrompt(signal, user))
	if err != nil {
		if ctx.Err() != nil || a.fallback == nil {
			return nil, apperrors.NewAgentError(a.Name(), "complete", err)
		}
		if errors.Is(err, resilience.ErrOpen) {
			a.logger.Debug().Str("signal_id", signal.ID).Msg("LLM circuit open, using fallback agent")
		} else {
			a.logger.Warn().Err(err).Str("signal_id", signal.ID).Msg("LLM call failed, using fallback agent")
		}
		return a.fallback.Synthesize(ctx, signal, user)
	}

	a.logger.Debug().
		Str("signal_id", signal.ID).
		Str("user_id", user.UserID).
		Int("tool_calls", len(cot.ToolCalls)).
		Msg("Synthesis completed")

	payload, err := ParseProposalResponse(cot.Response)
	if err != nil {
		return nil, apperrors.NewAgentError(a.Name(), "parse", err)
	}
	if payload == nil {
		return nil, nil
	}

	a.finalize(payload, signal, a.now())
	if err := payload.Validate(); err != nil {
		return nil, apperrors.NewAgentError(a.Name(), "validate", err)
	}
	return payload, nil
}

func (a *ProposalAgent) complete(ctx context.Context, prompt string) (*ChainOfThought, error) {
	call := func(ctx context.Context) (*ChainOfThought, error) {
		return a.llmClient.CompleteWithTools(ctx, proposalSystemPrompt, prompt, GetToolDefinitions(), a.tools)
	}
	if a.breaker == nil {
		return call(ctx)
	}
	return resilience.Call(ctx, a.breaker, call)
}

func (a *ProposalAgent) buildPrompt(signal *models.Signal, user *models.UserContext) string {
	var sb strings.Builder

	sb.WriteString("## Signal\n")
	fmt.Fprintf(&sb, "ID: %s\n", signal.ID)
	fmt.Fprintf(&sb, "Token: %s\n", signal.TokenAddress)
	fmt.Fprintf(&sb, "Suggestion: %s\n", signal.SuggestionType)
	fmt.Fprintf(&sb, "Strength: %d\n", signal.Strength)
	fmt.Fprintf(&sb, "Confidence: %.2f\n", signal.Confidence)
	fmt.Fprintf(&sb, "Sentiment: %.2f\n", signal.SentimentScore)
	fmt.Fprintf(&sb, "Rationale: %s\n", signal.RationaleSummary)
	if len(signal.Sources) > 0 {
		fmt.Fprintf(&sb, "Sources: %s\n", strings.Join(signal.Sources, ", "))
	}
	if !signal.ExpiresAt.IsZero() {
		fmt.Fprintf(&sb, "Expires: %s\n", signal.ExpiresAt.UTC().Format(time.RFC3339))
	}

	sb.WriteString("\n## User\n")
	fmt.Fprintf(&sb, "ID: %s\n", user.UserID)
	fmt.Fprintf(&sb, "Portfolio value: $%.2f\n", user.TotalValue)
	if h, ok := user.HoldingFor(signal.TokenAddress); ok {
		fmt.Fprintf(&sb, "Position in this token: %g units (~$%.2f)\n", h.Balance, h.ValueUSD)
	} else {
		sb.WriteString("Position in this token: none on record\n")
	}

	return sb.String()
}

type proposalEnvelope struct {
	Proposal   *models.ProposalPayload `json:"proposal"`
	SkipReason string                  `json:"skipReason,omitempty"`
}

// ParseProposalResponse extracts the proposal from a model reply. It returns
// (nil, nil) when the model declined to propose.
func ParseProposalResponse(response string) (*models.ProposalPayload, error) {
	raw := extractJSONObject(response)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var env proposalEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return env.Proposal, nil
}

// extractJSONObject returns the outermost {...} span, tolerating code fences
// and prose around it.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
