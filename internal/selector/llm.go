package selector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/G-Jeffreys/DeployBot/internal/deployerr"
)

// AnthropicAdapter backs the Adapter interface with the Anthropic Messages
// API. It is only constructed when an API key is configured; otherwise the
// selector runs heuristic-only.
type AnthropicAdapter struct {
	client anthropic.Client
	model  string
}

// NewAnthropicAdapter creates an adapter using the given API key and model.
func NewAnthropicAdapter(apiKey, model string) *AnthropicAdapter {
	return &AnthropicAdapter{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// SelectTask sends the prompt and parses the JSON object from the reply.
func (a *AnthropicAdapter) SelectTask(ctx context.Context, prompt string) (Choice, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 512,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Choice{}, fmt.Errorf("llm call: %w", deployerr.ErrExternalTimeout)
		}
		return Choice{}, fmt.Errorf("llm call: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return parseChoice(text.String())
}

// parseChoice extracts the first JSON object from the reply, tolerating
// surrounding prose or code fences.
func parseChoice(reply string) (Choice, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return Choice{}, fmt.Errorf("no JSON object in llm reply: %w", deployerr.ErrParse)
	}
	var c Choice
	if err := json.Unmarshal([]byte(reply[start:end+1]), &c); err != nil {
		return Choice{}, fmt.Errorf("decoding llm reply (%v): %w", err, deployerr.ErrParse)
	}
	return c, nil
}
