package director

import (
	"context"
	"fmt"
	"strings"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/conclave/internal/decision"
	"github.com/vinayprograms/conclave/internal/generate"
)

// Stage is the routing mode of a conversation. It never decreases.
type Stage int

const (
	StageDirect      Stage = 1
	StageCoordinated Stage = 2
	StageSynthesized Stage = 3
)

func (s Stage) String() string {
	switch s {
	case StageDirect:
		return "direct"
	case StageCoordinated:
		return "coordinated"
	case StageSynthesized:
		return "synthesized"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Verdict sources.
const (
	SourceAssisted  = "assisted"
	SourceHeuristic = "heuristic"
)

// StageVerdict is the outcome of a stage-transition decision.
type StageVerdict struct {
	Transition bool           `json:"transition"`
	Reason     string         `json:"reason"`
	Source     string         `json:"-"`
	Trace      decision.Trace `json:"-"`
	Err        string         `json:"-"` // why the assisted path was not used
}

// StageDecider decides whether to move from direct to coordinated routing.
// The keyword heuristic runs only when the assisted path errs or its output
// cannot be parsed.
type StageDecider struct {
	gen       generate.Generator
	keywords  []string
	maxTokens int
	logger    *logging.Logger
}

// NewStageDecider creates a decider. gen may be nil, which forces the heuristic.
func NewStageDecider(gen generate.Generator, keywords []string, maxTokens int) *StageDecider {
	return &StageDecider{
		gen:       gen,
		keywords:  keywords,
		maxTokens: maxTokens,
		logger:    logging.New().WithComponent("stage"),
	}
}

// Decide evaluates the recent transcript.
func (s *StageDecider) Decide(ctx context.Context, transcript []generate.Message, problemCaptured bool) StageVerdict {
	if s.gen == nil {
		return s.heuristic(transcript, problemCaptured, "no generator configured")
	}

	prompt := fmt.Sprintf("CONVERSATION:\n%s\nPROBLEM IDENTIFIED: %v\n\nShould the conversation escalate?",
		generate.Render(transcript), problemCaptured)
	out, err := s.gen.Generate(ctx, []generate.Message{{Role: generate.RoleUser, Content: prompt}},
		stageSystemPrompt, s.maxTokens, 0)
	if err != nil {
		s.logger.Warn("assisted stage decision failed, using heuristic", map[string]interface{}{
			"error": err.Error(),
		})
		return s.heuristic(transcript, problemCaptured, err.Error())
	}

	var v StageVerdict
	trace, err := decision.Decode(out, "stage_transition", decision.BoolField("transition"), &v)
	if err != nil {
		s.logger.Warn("stage decision unparseable, using heuristic", map[string]interface{}{
			"error":    err.Error(),
			"attempts": trace.Names(),
		})
		verdict := s.heuristic(transcript, problemCaptured, err.Error())
		verdict.Trace = trace
		return verdict
	}
	v.Source = SourceAssisted
	v.Trace = trace
	s.logger.Info("stage decision", map[string]interface{}{
		"transition": v.Transition,
		"reason":     v.Reason,
		"parser":     trace.Winner,
	})
	return v
}

// heuristic escalates on two distinct complexity keywords in the user's recent
// messages, or on one when a problem has already been identified.
func (s *StageDecider) heuristic(transcript []generate.Message, problemCaptured bool, cause string) StageVerdict {
	var b strings.Builder
	for _, m := range transcript {
		if m.Role == generate.RoleUser {
			b.WriteString(strings.ToLower(m.Content))
			b.WriteString("\n")
		}
	}
	found := keywordsIn(b.String(), s.keywords)

	v := StageVerdict{Source: SourceHeuristic, Err: cause}
	switch {
	case len(found) >= 2:
		v.Transition = true
		v.Reason = "complexity keywords: " + strings.Join(found, ", ")
	case len(found) == 1 && problemCaptured:
		v.Transition = true
		v.Reason = "identified problem with complexity keyword: " + found[0]
	default:
		v.Reason = "not enough complexity signals"
	}
	s.logger.Info("stage decision", map[string]interface{}{
		"transition": v.Transition,
		"reason":     v.Reason,
		"source":     v.Source,
	})
	return v
}
