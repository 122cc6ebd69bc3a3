package director

import (
	"sort"
	"strings"
	"time"
)

// Trigger routes a message to a worker when one of its phrases appears.
// Higher Priority triggers are evaluated, and called, first.
type Trigger struct {
	Worker   string   `toml:"worker"`
	Phrases  []string `toml:"phrases"`
	Priority int      `toml:"priority"`
}

// Matches reports whether any phrase occurs in the lowercased message.
func (t Trigger) Matches(lower string) bool {
	for _, p := range t.Phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Config holds the per-conversation routing policy.
type Config struct {
	Triggers          []Trigger
	MaxCallsPerTurn   int
	SuppressionWindow int // exchanges during which a called worker is not called again

	CallTimeout         time.Duration
	CoordinationTimeout time.Duration

	// Escalation needs at least EscalationMinMessages transcript messages
	// (counting the incoming one) plus a complexity keyword or a captured problem.
	EscalationMinMessages int
	ComplexityKeywords    []string

	SystemPrompt      string
	MaxTokens         int
	Temperature       float64
	DecisionMaxTokens int
	TranscriptWindow  int // messages shown to the stage decider and planner
	GenericPrompt     string
	FallbackReply     string
}

// DefaultTriggers returns the built-in trigger table.
func DefaultTriggers() []Trigger {
	return []Trigger{
		{Worker: "history", Priority: 30, Phrases: []string{
			"last time", "remember", "previously", "we talked about", "earlier you", "you said",
		}},
		{Worker: "tasks", Priority: 20, Phrases: []string{
			"todo", "to-do", "task", "deadline", "remind me", "my list", "due",
		}},
		{Worker: "personal", Priority: 10, Phrases: []string{
			"my goal", "about me", "i prefer", "my values", "my family", "my job", "my routine",
		}},
		{Worker: "search", Priority: 5, Phrases: []string{
			"look up", "search", "latest", "news", "research", "how does",
		}},
	}
}

// DefaultConfig returns the default routing policy.
func DefaultConfig() Config {
	return Config{
		Triggers:              DefaultTriggers(),
		MaxCallsPerTurn:       2,
		SuppressionWindow:     3,
		CallTimeout:           5 * time.Second,
		CoordinationTimeout:   10 * time.Second,
		EscalationMinMessages: 4,
		ComplexityKeywords: []string{
			"complicated", "complex", "overwhelmed", "several", "multiple", "trade-off",
			"tradeoff", "long-term", "strategy", "priorities", "compare", "everything",
		},
		SystemPrompt:      defaultSystemPrompt,
		MaxTokens:         1024,
		Temperature:       0.7,
		DecisionMaxTokens: 300,
		TranscriptWindow:  10,
		GenericPrompt:     "Provide any context you have that is relevant to: %s",
		FallbackReply:     "I'm having trouble putting a reply together right now. Could you say that again?",
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Triggers == nil {
		c.Triggers = def.Triggers
	}
	if c.MaxCallsPerTurn <= 0 {
		c.MaxCallsPerTurn = def.MaxCallsPerTurn
	}
	if c.SuppressionWindow <= 0 {
		c.SuppressionWindow = def.SuppressionWindow
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.CoordinationTimeout <= 0 {
		c.CoordinationTimeout = def.CoordinationTimeout
	}
	if c.EscalationMinMessages <= 0 {
		c.EscalationMinMessages = def.EscalationMinMessages
	}
	if c.ComplexityKeywords == nil {
		c.ComplexityKeywords = def.ComplexityKeywords
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = def.SystemPrompt
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = def.MaxTokens
	}
	if c.DecisionMaxTokens <= 0 {
		c.DecisionMaxTokens = def.DecisionMaxTokens
	}
	if c.TranscriptWindow <= 0 {
		c.TranscriptWindow = def.TranscriptWindow
	}
	if c.GenericPrompt == "" {
		c.GenericPrompt = def.GenericPrompt
	}
	if c.FallbackReply == "" {
		c.FallbackReply = def.FallbackReply
	}
	return c
}

// orderedTriggers returns the triggers sorted by descending priority,
// keeping configuration order among equals.
func orderedTriggers(triggers []Trigger) []Trigger {
	out := make([]Trigger, len(triggers))
	copy(out, triggers)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// keywordsIn returns the distinct keywords present in the lowercased text.
func keywordsIn(lower string, keywords []string) []string {
	var found []string
	for _, k := range keywords {
		k = strings.ToLower(k)
		if k != "" && strings.Contains(lower, k) {
			found = append(found, k)
		}
	}
	return found
}
