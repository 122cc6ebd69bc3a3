package workers

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/conclave/internal/generate"
	"github.com/vinayprograms/conclave/internal/worker"
)

// SynthesisName is the registry name of the synthesis worker.
const SynthesisName = "synthesis"

// PartialsKey is the request context key carrying fan-out results, a map of
// worker name to content.
const PartialsKey = "partials"

const synthesisPrompt = `You merge notes gathered by several assistants into one short briefing.
Keep concrete facts, drop repetition, and note disagreements between sources.
Do not address the user. Do not invent details that are not in the notes.`

// Synthesis merges the partial results of a coordinated fan-out.
type Synthesis struct {
	gen       generate.Generator
	maxTokens int
	logger    *logging.Logger
}

// NewSynthesis creates a synthesis worker backed by gen.
func NewSynthesis(gen generate.Generator, maxTokens int) *Synthesis {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &Synthesis{
		gen:       gen,
		maxTokens: maxTokens,
		logger:    logging.New().WithComponent("worker.synthesis"),
	}
}

func (s *Synthesis) Name() string { return SynthesisName }

func (s *Synthesis) Capabilities() []worker.Capability {
	return []worker.Capability{worker.CapSynthesis}
}

func (s *Synthesis) Initialize(ctx context.Context) error {
	if s.gen == nil {
		return fmt.Errorf("synthesis generator not configured")
	}
	return nil
}

// HandleRequest merges the partials in req.Context.
func (s *Synthesis) HandleRequest(ctx context.Context, req worker.Request) worker.Response {
	partials := Partials(req.Context)
	if len(partials) == 0 {
		return worker.Failed(SynthesisName, req.RequestID, "no partial results to synthesize")
	}
	if s.gen == nil {
		return worker.Failed(SynthesisName, req.RequestID, "synthesis generator not configured")
	}

	names := make([]string, 0, len(partials))
	for name := range partials {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n\n", req.Query)
	for _, name := range names {
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", name, partials[name])
	}

	out, err := s.gen.Generate(ctx, []generate.Message{
		{Role: generate.RoleUser, Content: strings.TrimSpace(sb.String())},
	}, synthesisPrompt, s.maxTokens, 0.2)
	if err != nil {
		s.logger.Warn("synthesis failed", map[string]interface{}{"error": err.Error()})
		return worker.Failed(SynthesisName, req.RequestID, err.Error())
	}
	return worker.Succeeded(SynthesisName, req, strings.TrimSpace(out), map[string]interface{}{
		"sources": names,
	})
}

// Partials reads the partials map from a request context. Both the in-process
// map[string]string form and the JSON-decoded map[string]interface{} form are
// accepted; empty entries are dropped.
func Partials(ctx map[string]interface{}) map[string]string {
	out := make(map[string]string)
	switch p := ctx[PartialsKey].(type) {
	case map[string]string:
		for k, v := range p {
			if strings.TrimSpace(v) != "" {
				out[k] = v
			}
		}
	case map[string]interface{}:
		for k, v := range p {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				out[k] = s
			}
		}
	}
	return out
}
