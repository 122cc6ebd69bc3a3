// Package generate adapts text-generation services to the narrow interface the
// director and the synthesis worker depend on.
package generate

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/conclave/internal/worker"
)

// Roles used in a conversation transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one transcript entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generator produces text from a transcript and a system prompt.
type Generator interface {
	Generate(ctx context.Context, messages []Message, systemPrompt string, maxTokens int, temperature float64) (string, error)
}

// Func adapts a plain function to Generator.
type Func func(ctx context.Context, messages []Message, systemPrompt string, maxTokens int, temperature float64) (string, error)

// Generate calls f.
func (f Func) Generate(ctx context.Context, messages []Message, systemPrompt string, maxTokens int, temperature float64) (string, error) {
	return f(ctx, messages, systemPrompt, maxTokens, temperature)
}

// ErrEmptyResponse is returned when the provider answered with no text.
var ErrEmptyResponse = errors.New("empty response")

// ProviderGenerator implements Generator over an agentkit LLM provider.
type ProviderGenerator struct {
	provider llm.Provider
	service  string
	logger   *logging.Logger
}

// NewProviderGenerator wraps provider. service names the provider in errors
// and logs, e.g. "anthropic".
func NewProviderGenerator(provider llm.Provider, service string) *ProviderGenerator {
	if service == "" {
		service = "llm"
	}
	return &ProviderGenerator{
		provider: provider,
		service:  service,
		logger:   logging.New().WithComponent("generate"),
	}
}

// Generate sends the system prompt and transcript to the provider. A positive
// maxTokens limits the reply; zero leaves the provider's configured limit.
// Failures are returned as *worker.ServiceError.
func (g *ProviderGenerator) Generate(ctx context.Context, messages []Message, systemPrompt string, maxTokens int, temperature float64) (string, error) {
	if g.provider == nil {
		return "", worker.NewServiceError(g.service, worker.ServicePermanent, errors.New("no provider configured"))
	}

	req := llm.ChatRequest{Messages: ToLLM(systemPrompt, messages)}
	if maxTokens > 0 {
		req.MaxTokens = maxTokens
	}

	start := time.Now()
	resp, err := g.provider.Chat(ctx, req)
	if err != nil {
		serr := worker.NewServiceError(g.service, "", err)
		g.logger.Warn("generation failed", map[string]interface{}{
			"provider": g.service,
			"kind":     string(serr.Kind),
			"error":    err.Error(),
		})
		return "", serr
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", worker.NewServiceError(g.service, worker.ServiceTransient, ErrEmptyResponse)
	}

	g.logger.Debug("generation complete", map[string]interface{}{
		"provider":      g.service,
		"messages":      len(req.Messages),
		"max_tokens":    maxTokens,
		"temperature":   temperature,
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
		"duration_ms":   time.Since(start).Milliseconds(),
	})
	return resp.Content, nil
}

// ToLLM converts a transcript to provider messages, prefixed with the system
// prompt when one is given. Empty messages are dropped.
func ToLLM(systemPrompt string, messages []Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		out = append(out, llm.Message{Role: RoleSystem, Content: systemPrompt})
	}
	for _, m := range messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := m.Role
		if role == "" {
			role = RoleUser
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}

// Last returns up to n trailing messages.
func Last(messages []Message, n int) []Message {
	if n <= 0 || len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}

// Render formats messages as "role: content" lines for prompts and logs.
func Render(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}
