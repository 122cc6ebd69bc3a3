// Package protocol tracks a guided conversation through its phases and
// schedules a one-shot nudge when a phase stalls.
package protocol

import (
	"strings"
	"sync"

	"github.com/vinayprograms/agentkit/logging"
)

// Phase is a step of the guided conversation.
type Phase string

const (
	PhaseProblem Phase = "problem"
	PhaseCrux    Phase = "crux"
	PhaseAction  Phase = "action"
	PhaseDone    Phase = "done"
)

// order lists the phases from initial to terminal.
var order = []Phase{PhaseProblem, PhaseCrux, PhaseAction, PhaseDone}

// Next returns the phase after p. Done is terminal.
func (p Phase) Next() Phase {
	for i, ph := range order {
		if ph == p && i+1 < len(order) {
			return order[i+1]
		}
	}
	return PhaseDone
}

// Artifacts holds the text captured when each phase completed.
type Artifacts struct {
	Problem string `json:"problem,omitempty"`
	Crux    string `json:"crux,omitempty"`
	Action  string `json:"action,omitempty"`
}

// State is a snapshot of the tracker.
type State struct {
	Phase         Phase     `json:"phase"`
	Artifacts     Artifacts `json:"artifacts"`
	ExchangeCount int       `json:"exchange_count"`
	Stalls        int       `json:"stalls"`
	NudgePending  bool      `json:"nudge_pending"`
}

// Observation describes what one exchange did to the tracker.
type Observation struct {
	From        Phase
	To          Phase
	Captured    []string
	FastForward bool
	Stalled     bool
	NudgeQueued bool
}

// Advanced reports whether the exchange moved the phase forward.
func (o Observation) Advanced() bool {
	return o.To != o.From
}

// Config tunes signal detection.
type Config struct {
	// StallThreshold is the number of consecutive non-advancing exchanges
	// that queue a nudge.
	StallThreshold int
	Markers        map[Phase][]string
	FastForward    []string
	Nudges         map[Phase]string
}

// DefaultConfig returns the built-in markers and nudges.
func DefaultConfig() Config {
	return Config{
		StallThreshold: 2,
		Markers: map[Phase][]string{
			PhaseProblem: {
				"problem", "issue", "struggling", "stuck", "trouble", "can't", "cannot",
				"need help", "challenge", "worried about", "frustrated",
			},
			PhaseCrux: {
				"because", "the real issue", "root cause", "the crux", "comes down to",
				"what's really", "the blocker", "underlying", "the reason is", "constraint",
			},
			PhaseAction: {
				"i will", "i'll", "i'm going to", "i am going to", "my next step",
				"commit to", "plan to", "starting tomorrow", "this week i",
			},
		},
		FastForward: []string{"skip ahead", "fast-forward", "fast forward", "let's jump to"},
		Nudges: map[Phase]string{
			PhaseProblem: "Help the user name the specific problem they want to work on.",
			PhaseCrux:    "Ask what makes this hard and push toward the core constraint behind the problem.",
			PhaseAction:  "Move toward one concrete next step the user commits to, with a time frame.",
		},
	}
}

// Tracker is the per-conversation phase machine.
type Tracker struct {
	mu     sync.Mutex
	cfg    Config
	state  State
	nudge  string
	logger *logging.Logger
}

// New creates a tracker in the problem phase. Zero-valued config fields take
// their defaults.
func New(cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = def.StallThreshold
	}
	if len(cfg.Markers) == 0 {
		cfg.Markers = def.Markers
	}
	if len(cfg.FastForward) == 0 {
		cfg.FastForward = def.FastForward
	}
	if len(cfg.Nudges) == 0 {
		cfg.Nudges = def.Nudges
	}
	return &Tracker{
		cfg:    cfg,
		state:  State{Phase: PhaseProblem},
		logger: logging.New().WithComponent("protocol"),
	}
}

// Observe inspects a completed exchange. A positive signal for the current
// phase advances exactly one phase; with a fast-forward marker the exchange
// keeps advancing while the next phase's signal is also present. Otherwise the
// stall counter grows and a nudge is queued when it reaches the threshold.
func (t *Tracker) Observe(user, assistant string) Observation {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.ExchangeCount++
	obs := Observation{From: t.state.Phase, To: t.state.Phase}
	if t.state.Phase == PhaseDone {
		return obs
	}

	text := strings.ToLower(user)
	obs.FastForward = containsAny(text, t.cfg.FastForward)

	for t.state.Phase != PhaseDone {
		marker, ok := t.signal(t.state.Phase, text)
		if !ok {
			break
		}
		captured := sentenceAround(user, marker)
		t.capture(t.state.Phase, captured)
		obs.Captured = append(obs.Captured, captured)
		t.state.Phase = t.state.Phase.Next()
		if !obs.FastForward {
			break
		}
	}
	obs.To = t.state.Phase

	if obs.Advanced() {
		t.state.Stalls = 0
		t.logger.Info("phase advanced", map[string]interface{}{
			"from":         string(obs.From),
			"to":           string(obs.To),
			"fast_forward": obs.FastForward,
			"exchange":     t.state.ExchangeCount,
		})
		return obs
	}

	obs.Stalled = true
	t.state.Stalls++
	if t.state.Stalls >= t.cfg.StallThreshold {
		t.nudge = t.cfg.Nudges[t.state.Phase]
		t.state.Stalls = 0
		obs.NudgeQueued = t.nudge != ""
		t.logger.Debug("nudge queued", map[string]interface{}{
			"phase":    string(t.state.Phase),
			"exchange": t.state.ExchangeCount,
		})
	}
	return obs
}

// ConsumeNudge returns the pending nudge and clears it.
func (t *Tracker) ConsumeNudge() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.nudge
	t.nudge = ""
	return n
}

// State returns a copy of the tracker state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state
	s.NudgePending = t.nudge != ""
	return s
}

// signal returns the first marker of phase found in text.
func (t *Tracker) signal(phase Phase, text string) (string, bool) {
	for _, m := range t.cfg.Markers[phase] {
		if strings.Contains(text, m) {
			return m, true
		}
	}
	return "", false
}

// capture stores the artifact for a phase once.
func (t *Tracker) capture(phase Phase, text string) {
	a := &t.state.Artifacts
	switch phase {
	case PhaseProblem:
		if a.Problem == "" {
			a.Problem = text
		}
	case PhaseCrux:
		if a.Crux == "" {
			a.Crux = text
		}
	case PhaseAction:
		if a.Action == "" {
			a.Action = text
		}
	}
}

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// sentenceAround returns the sentence of text containing marker (case-insensitive).
func sentenceAround(text, marker string) string {
	lower := strings.ToLower(text)
	idx := strings.Index(lower, marker)
	if idx < 0 || idx > len(text) {
		return strings.TrimSpace(text)
	}
	start := strings.LastIndexAny(text[:idx], ".!?\n") + 1
	end := len(text)
	if rel := strings.IndexAny(text[idx:], ".!?\n"); rel >= 0 {
		end = idx + rel + 1
	}
	return strings.TrimSpace(text[start:end])
}
