package director

import (
	"context"
	"fmt"
	"strings"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/conclave/internal/decision"
	"github.com/vinayprograms/conclave/internal/dispatch"
	"github.com/vinayprograms/conclave/internal/generate"
	"github.com/vinayprograms/conclave/internal/worker"
)

// StrategyPlanner builds the coordination strategy for a stage-2 turn.
type StrategyPlanner struct {
	gen           generate.Generator
	registry      *worker.Registry
	maxTokens     int
	genericPrompt string
	logger        *logging.Logger
}

// NewStrategyPlanner creates a planner. gen may be nil, which forces the fallback.
func NewStrategyPlanner(gen generate.Generator, registry *worker.Registry, maxTokens int, genericPrompt string) *StrategyPlanner {
	if genericPrompt == "" {
		genericPrompt = DefaultConfig().GenericPrompt
	}
	return &StrategyPlanner{
		gen:           gen,
		registry:      registry,
		maxTokens:     maxTokens,
		genericPrompt: genericPrompt,
		logger:        logging.New().WithComponent("planner"),
	}
}

// Plan asks the generator for a strategy, keeping only registered
// non-synthesis workers. When the assisted path fails or names no usable
// worker, every candidate is queried with the generic prompt.
func (p *StrategyPlanner) Plan(ctx context.Context, userText string, transcript []generate.Message) dispatch.Strategy {
	candidates := p.candidates()
	generic := genericQuery(p.genericPrompt, userText)

	if p.gen == nil || len(candidates) == 0 {
		return p.fallback(candidates, generic, "no generator or no candidates")
	}

	var sb strings.Builder
	sb.WriteString("AVAILABLE WORKERS:\n")
	for _, d := range candidates {
		sb.WriteString(fmt.Sprintf("- %s (%s)\n", d.Name, joinCaps(d.Capabilities)))
	}
	sb.WriteString("\nRECENT CONVERSATION:\n")
	sb.WriteString(generate.Render(transcript))
	sb.WriteString("\nLATEST MESSAGE:\n")
	sb.WriteString(userText)

	out, err := p.gen.Generate(ctx, []generate.Message{{Role: generate.RoleUser, Content: sb.String()}},
		plannerSystemPrompt, p.maxTokens, 0)
	if err != nil {
		return p.fallback(candidates, generic, err.Error())
	}

	var plan dispatch.Strategy
	trace, err := decision.Decode(out, "coordination_strategy", decision.ArrayField("agents_to_query"), &plan)
	if err != nil {
		return p.fallback(candidates, generic, err.Error())
	}

	allowed := make(map[string]bool, len(candidates))
	for _, d := range candidates {
		allowed[d.Name] = true
	}
	var names []string
	for _, n := range plan.Workers() {
		if allowed[n] {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return p.fallback(candidates, generic, "plan named no available worker")
	}

	strategy := dispatch.Strategy{
		AgentsToQuery:   names,
		PerWorkerPrompt: plan.PerWorkerPrompt,
		Query:           generic,
		Source:          dispatch.SourceAssisted,
	}
	p.logger.Info("coordination planned", map[string]interface{}{
		"workers": names,
		"parser":  trace.Winner,
	})
	return strategy
}

func (p *StrategyPlanner) fallback(candidates []worker.Descriptor, generic, cause string) dispatch.Strategy {
	names := make([]string, 0, len(candidates))
	for _, d := range candidates {
		names = append(names, d.Name)
	}
	p.logger.Warn("using fallback coordination strategy", map[string]interface{}{
		"cause":   cause,
		"workers": names,
	})
	return dispatch.Strategy{
		AgentsToQuery: names,
		Query:         generic,
		Source:        dispatch.SourceFallback,
	}
}

// candidates lists registered workers eligible for a fan-out.
func (p *StrategyPlanner) candidates() []worker.Descriptor {
	var out []worker.Descriptor
	for _, d := range p.registry.Descriptors() {
		if d.Has(worker.CapSynthesis) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func joinCaps(caps []worker.Capability) string {
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = string(c)
	}
	return strings.Join(parts, ", ")
}

// genericQuery fills the generic prompt template with the user's message.
func genericQuery(template, userText string) string {
	if strings.Contains(template, "%s") {
		return fmt.Sprintf(template, userText)
	}
	return template + ": " + userText
}
