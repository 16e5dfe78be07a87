package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"signal-advisor/internal/store"
)

// ToolExecutor answers the model's lookups against the advisor's stores.
type ToolExecutor struct {
	signals   store.SignalStore
	portfolio store.PortfolioStore
}

// NewToolExecutor creates a new tool executor.
func NewToolExecutor(signals store.SignalStore, portfolio store.PortfolioStore) *ToolExecutor {
	return &ToolExecutor{signals: signals, portfolio: portfolio}
}

// GetToolDefinitions returns all available tool definitions for OpenAI function calling.
func GetToolDefinitions() []openai.Tool {
	return []openai.Tool{
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        "get_user_holdings",
				Description: "List the user's current token balances with their USD value. Use this to size the financial impact of a proposal.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"userId": {
							"type": "string",
							"description": "The user to look up"
						}
					},
					"required": ["userId"]
				}`),
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        "get_signal_details",
				Description: "Fetch the full detected signal, including sources, sentiment, strength, confidence and metadata.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"signalId": {
							"type": "string",
							"description": "The signal to look up"
						}
					},
					"required": ["signalId"]
				}`),
			},
		},
	}
}

// ExecuteTool executes a tool call and returns the result as a string.
func (te *ToolExecutor) ExecuteTool(ctx context.Context, toolName string, args json.RawMessage) (string, error) {
	var params map[string]interface{}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("failed to parse tool arguments: %w", err)
	}

	switch toolName {
	case "get_user_holdings":
		return te.executeGetUserHoldings(ctx, params)
	case "get_signal_details":
		return te.executeGetSignalDetails(ctx, params)
	default:
		return "", fmt.Errorf("unknown tool: %s", toolName)
	}
}

func (te *ToolExecutor) executeGetUserHoldings(ctx context.Context, params map[string]interface{}) (string, error) {
	userID := getStringParam(params, "userId", "")
	if userID == "" {
		return "", fmt.Errorf("userId is required")
	}

	holdings, err := te.portfolio.GetHoldings(ctx, userID)
	if err != nil {
		return "", err
	}

	total := 0.0
	for _, h := range holdings {
		total += h.ValueUSD
	}

	return toJSON(map[string]interface{}{
		"userId":     userID,
		"holdings":   holdings,
		"totalValue": total,
	})
}

func (te *ToolExecutor) executeGetSignalDetails(ctx context.Context, params map[string]interface{}) (string, error) {
	signalID := getStringParam(params, "signalId", "")
	if signalID == "" {
		return "", fmt.Errorf("signalId is required")
	}

	signal, err := te.signals.GetSignal(ctx, signalID)
	if err != nil {
		return "", err
	}
	if signal == nil {
		return "", fmt.Errorf("signal %s not found", signalID)
	}
	return toJSON(signal)
}

// Helper to get string param with default
func getStringParam(params map[string]interface{}, key, defaultVal string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return defaultVal
}

func toJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding tool result: %w", err)
	}
	return string(b), nil
}
