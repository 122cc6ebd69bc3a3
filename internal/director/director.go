// Package director decides, per turn, which context workers to consult and
// when a conversation escalates to coordinated multi-worker gathering.
package director

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/conclave/internal/dispatch"
	"github.com/vinayprograms/conclave/internal/generate"
	"github.com/vinayprograms/conclave/internal/protocol"
	"github.com/vinayprograms/conclave/internal/worker"
)

// requester is the FromWorker name on requests the director sends.
const requester = "director"

// Turn modes.
const (
	ModeDirect      = "direct"
	ModeCoordinated = "coordinated"
	ModeFallback    = "fallback" // coordination failed, direct calls used instead
)

// TurnResult records what one turn did.
type TurnResult struct {
	Exchange        int                          `json:"exchange"`
	Stage           Stage                        `json:"stage"`
	Mode            string                       `json:"mode"`
	Called          []string                     `json:"called,omitempty"`
	Suppressed      []string                     `json:"suppressed,omitempty"`
	OverBudget      []string                     `json:"over_budget,omitempty"`
	Responses       map[string]worker.Response   `json:"responses,omitempty"`
	Context         string                       `json:"context,omitempty"`
	Nudge           string                       `json:"nudge,omitempty"`
	Escalated       bool                         `json:"escalated,omitempty"`
	Synthesized     bool                         `json:"synthesized,omitempty"`
	Verdict         *StageVerdict                `json:"verdict,omitempty"`
	Coordination    *dispatch.CoordinationResult `json:"coordination,omitempty"`
	Observation     *protocol.Observation        `json:"-"`
	GenerationError string                       `json:"generation_error,omitempty"`
}

// Snapshot is a read-only view of a conversation's routing state.
type Snapshot struct {
	ID         string         `json:"id"`
	Stage      Stage          `json:"stage"`
	Exchange   int            `json:"exchange"`
	Messages   int            `json:"messages"`
	Protocol   protocol.State `json:"protocol"`
	CallCounts map[string]int `json:"call_counts"`
	LastCalled map[string]int `json:"last_called"`
	Suppressed []string       `json:"suppressed,omitempty"`
	Verdicts   []StageVerdict `json:"verdicts,omitempty"`
}

// Director owns the routing state of one conversation. Turns must be issued
// from a single goroutine; read-only queries may come from any goroutine.
type Director struct {
	id       string
	cfg      Config
	triggers []Trigger
	registry *worker.Registry
	engine   *dispatch.Engine
	gen      generate.Generator
	tracker  *protocol.Tracker
	decider  *StageDecider
	planner  *StrategyPlanner
	logger   *logging.Logger
	history  []generate.Message

	mu         sync.Mutex
	stage      Stage
	exchange   int
	lastCalled map[string]int
	callCounts map[string]int
	transcript []generate.Message
	verdicts   []StageVerdict
}

// Option configures a Director.
type Option func(*Director)

// WithID sets the conversation ID.
func WithID(id string) Option {
	return func(d *Director) {
		if id != "" {
			d.id = id
		}
	}
}

// WithTracker replaces the protocol tracker.
func WithTracker(t *protocol.Tracker) Option {
	return func(d *Director) {
		if t != nil {
			d.tracker = t
		}
	}
}

// WithDecider replaces the stage decider.
func WithDecider(s *StageDecider) Option {
	return func(d *Director) {
		if s != nil {
			d.decider = s
		}
	}
}

// WithPlanner replaces the strategy planner.
func WithPlanner(p *StrategyPlanner) Option {
	return func(d *Director) {
		if p != nil {
			d.planner = p
		}
	}
}

// WithHistory resumes a conversation from saved messages. Completed exchanges
// are replayed through the protocol tracker.
func WithHistory(messages []generate.Message) Option {
	return func(d *Director) {
		d.history = messages
	}
}

// New creates a director for one conversation.
func New(cfg Config, registry *worker.Registry, engine *dispatch.Engine, gen generate.Generator, opts ...Option) *Director {
	cfg = cfg.withDefaults()
	if registry == nil {
		registry = worker.Default()
	}
	if engine == nil {
		engine = dispatch.New(registry, dispatch.WithRequester(requester))
	}
	d := &Director{
		id:         uuid.New().String(),
		cfg:        cfg,
		triggers:   orderedTriggers(cfg.Triggers),
		registry:   registry,
		engine:     engine,
		gen:        gen,
		logger:     logging.New().WithComponent("director"),
		stage:      StageDirect,
		lastCalled: make(map[string]int),
		callCounts: make(map[string]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.tracker == nil {
		d.tracker = protocol.New(protocol.Config{})
	}
	if d.decider == nil {
		d.decider = NewStageDecider(gen, cfg.ComplexityKeywords, cfg.DecisionMaxTokens)
	}
	if d.planner == nil {
		d.planner = NewStrategyPlanner(gen, registry, cfg.DecisionMaxTokens, cfg.GenericPrompt)
	}
	d.restore()
	return d
}

// restore replays saved history into the transcript and tracker.
func (d *Director) restore() {
	var pendingUser string
	for _, m := range d.history {
		d.transcript = append(d.transcript, m)
		switch m.Role {
		case generate.RoleUser:
			pendingUser = m.Content
		case generate.RoleAssistant:
			d.tracker.Observe(pendingUser, m.Content)
			d.exchange++
			pendingUser = ""
		}
	}
	d.history = nil
}

// ID returns the conversation ID.
func (d *Director) ID() string {
	return d.id
}

// Turn routes one incoming message: direct trigger calls in stage 1,
// coordinated fan-out from stage 2 on. It never fails; worker and service
// failures are recorded in the result.
func (d *Director) Turn(ctx context.Context, userText string) TurnResult {
	d.mu.Lock()
	exchange := d.exchange
	stage := d.stage
	d.mu.Unlock()

	res := TurnResult{
		Exchange:  exchange,
		Mode:      ModeDirect,
		Responses: make(map[string]worker.Response),
		Nudge:     d.tracker.ConsumeNudge(),
	}

	coordinated := false
	if stage >= StageCoordinated {
		coordinated = d.coordinate(ctx, userText, exchange, &res)
		if !coordinated {
			res.Mode = ModeFallback
		}
	}
	if !coordinated {
		d.direct(ctx, userText, exchange, &res)
	}
	if stage == StageDirect {
		d.maybeEscalate(ctx, userText, &res)
	}

	if res.Synthesized {
		synth := res.Called[len(res.Called)-1]
		res.Context = MergeContext(map[string]worker.Response{synth: res.Responses[synth]}, nil)
	} else {
		res.Context = MergeContext(res.Responses, res.Called)
	}
	res.Stage = d.Stage()

	d.logger.Info("turn routed", map[string]interface{}{
		"conversation": d.id,
		"exchange":     exchange,
		"stage":        int(res.Stage),
		"mode":         res.Mode,
		"called":       res.Called,
		"suppressed":   res.Suppressed,
		"escalated":    res.Escalated,
	})
	return res
}

// direct calls triggered workers sequentially in priority order, skipping
// suppressed ones and stopping at the call budget.
func (d *Director) direct(ctx context.Context, userText string, exchange int, res *TurnResult) {
	lower := strings.ToLower(userText)
	var candidates []string
	seen := make(map[string]bool)
	for _, t := range d.triggers {
		if seen[t.Worker] || !d.registry.Has(t.Worker) || !t.Matches(lower) {
			continue
		}
		seen[t.Worker] = true
		candidates = append(candidates, t.Worker)
	}

	var selected []string
	d.mu.Lock()
	for _, name := range candidates {
		if d.suppressedLocked(name, exchange) {
			res.Suppressed = append(res.Suppressed, name)
			continue
		}
		selected = append(selected, name)
	}
	d.mu.Unlock()

	if len(selected) > d.cfg.MaxCallsPerTurn {
		res.OverBudget = selected[d.cfg.MaxCallsPerTurn:]
		selected = selected[:d.cfg.MaxCallsPerTurn]
	}

	for _, name := range selected {
		w := d.registry.Get(name)
		req := worker.NewRequest(requester, name, userText, d.requestContext(exchange))
		resp := d.engine.CallWithTimeout(ctx, w, req, d.cfg.CallTimeout)
		d.recordCall(name, exchange)
		res.Called = append(res.Called, name)
		res.Responses[name] = resp
	}
}

// coordinate runs a planned fan-out, then synthesis when a synthesis worker is
// registered. It returns false when no worker of the fan-out succeeded.
func (d *Director) coordinate(ctx context.Context, userText string, exchange int, res *TurnResult) bool {
	strategy := d.planner.Plan(ctx, userText, d.recentTranscript())
	strategy.Context = d.requestContext(exchange)
	if strategy.Query == "" {
		strategy.Query = userText
	}

	result := d.engine.Coordinate(ctx, strategy, d.cfg.CoordinationTimeout)
	res.Coordination = &result
	if !result.OK() {
		d.logger.Warn("coordination failed, falling back to direct calls", map[string]interface{}{
			"conversation": d.id,
			"error":        result.Error,
			"fallback":     result.Fallback,
		})
		return false
	}

	res.Mode = ModeCoordinated
	for _, name := range strategy.Workers() {
		resp, ok := result.Responses[name]
		if !ok {
			continue
		}
		d.recordCall(name, exchange)
		res.Called = append(res.Called, name)
		res.Responses[name] = resp
	}

	synth := d.synthesisWorker()
	if synth == "" {
		return true
	}
	partials := make(map[string]interface{}, len(result.Succeeded))
	for _, name := range result.Succeeded {
		partials[name] = result.Responses[name].Content
	}
	reqCtx := d.requestContext(exchange)
	reqCtx["partials"] = partials
	req := worker.NewRequest(requester, synth, userText, reqCtx)
	resp := d.engine.CallWithTimeout(ctx, d.registry.Get(synth), req, d.cfg.CallTimeout)
	d.recordCall(synth, exchange)
	res.Called = append(res.Called, synth)
	res.Responses[synth] = resp
	if resp.OK() {
		res.Synthesized = true
		d.mu.Lock()
		d.raiseStageLocked(StageSynthesized)
		d.mu.Unlock()
	}
	return true
}

// maybeEscalate asks the stage decider when the escalation predicate holds.
func (d *Director) maybeEscalate(ctx context.Context, userText string, res *TurnResult) {
	d.mu.Lock()
	messages := len(d.transcript) + 1
	d.mu.Unlock()

	problem := d.tracker.State().Artifacts.Problem != ""
	keywords := keywordsIn(strings.ToLower(userText), d.cfg.ComplexityKeywords)
	if messages < d.cfg.EscalationMinMessages || (len(keywords) == 0 && !problem) {
		return
	}

	window := append(d.recentTranscript(), generate.Message{Role: generate.RoleUser, Content: userText})
	v := d.decider.Decide(ctx, window, problem)
	res.Verdict = &v

	d.mu.Lock()
	defer d.mu.Unlock()
	d.verdicts = append(d.verdicts, v)
	if v.Transition && d.stage < StageCoordinated {
		d.raiseStageLocked(StageCoordinated)
		res.Escalated = true
	}
}

// Respond runs a turn, generates the reply and completes the exchange.
// A generation failure yields the configured fallback reply.
func (d *Director) Respond(ctx context.Context, userText string) (string, TurnResult) {
	res := d.Turn(ctx, userText)
	system := buildSystemPrompt(d.cfg.SystemPrompt, res.Context, d.tracker.State(), res.Nudge)

	d.mu.Lock()
	msgs := append([]generate.Message(nil), d.transcript...)
	d.mu.Unlock()
	msgs = append(generate.Last(msgs, d.cfg.TranscriptWindow*2), generate.Message{Role: generate.RoleUser, Content: userText})

	reply := d.cfg.FallbackReply
	if d.gen == nil {
		res.GenerationError = "no generator configured"
	} else if out, err := d.gen.Generate(ctx, msgs, system, d.cfg.MaxTokens, d.cfg.Temperature); err != nil {
		res.GenerationError = err.Error()
		d.logger.Error("reply generation failed", map[string]interface{}{
			"conversation": d.id,
			"error":        err.Error(),
			"kind":         string(worker.ClassifyService(err)),
		})
	} else {
		reply = out
	}

	obs := d.CompleteExchange(ctx, userText, reply)
	res.Observation = &obs
	return reply, res
}

// CompleteExchange records a finished exchange, feeds the protocol tracker and
// notifies workers that observe exchanges.
func (d *Director) CompleteExchange(ctx context.Context, user, assistant string) protocol.Observation {
	d.mu.Lock()
	d.transcript = append(d.transcript,
		generate.Message{Role: generate.RoleUser, Content: user},
		generate.Message{Role: generate.RoleAssistant, Content: assistant},
	)
	d.exchange++
	d.mu.Unlock()

	obs := d.tracker.Observe(user, assistant)
	ctx = worker.WithConversation(ctx, d.id)
	for _, name := range d.registry.List() {
		if o, ok := d.registry.Get(name).(worker.ExchangeObserver); ok {
			d.notify(ctx, name, o, user, assistant)
		}
	}
	return obs
}

func (d *Director) notify(ctx context.Context, name string, o worker.ExchangeObserver, user, assistant string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("exchange observer panicked", map[string]interface{}{
				"worker": name,
				"panic":  fmt.Sprint(r),
			})
		}
	}()
	o.ObserveExchange(ctx, user, assistant)
}

// Stage returns the current stage.
func (d *Director) Stage() Stage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stage
}

// Protocol returns the protocol tracker state.
func (d *Director) Protocol() protocol.State {
	return d.tracker.State()
}

// Transcript returns a copy of the conversation so far.
func (d *Director) Transcript() []generate.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]generate.Message(nil), d.transcript...)
}

// CallCounts returns how many times each worker was called.
func (d *Director) CallCounts() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.callCounts))
	for k, v := range d.callCounts {
		out[k] = v
	}
	return out
}

// Snapshot returns the full read-only routing state.
func (d *Director) Snapshot() Snapshot {
	d.mu.Lock()
	s := Snapshot{
		ID:         d.id,
		Stage:      d.stage,
		Exchange:   d.exchange,
		Messages:   len(d.transcript),
		CallCounts: make(map[string]int, len(d.callCounts)),
		LastCalled: make(map[string]int, len(d.lastCalled)),
		Verdicts:   append([]StageVerdict(nil), d.verdicts...),
	}
	for k, v := range d.callCounts {
		s.CallCounts[k] = v
	}
	for k, v := range d.lastCalled {
		s.LastCalled[k] = v
		if d.suppressedLocked(k, d.exchange) {
			s.Suppressed = append(s.Suppressed, k)
		}
	}
	d.mu.Unlock()

	sort.Strings(s.Suppressed)
	s.Protocol = d.tracker.State()
	return s
}

// suppressedLocked reports whether name was called within the suppression
// window before exchange.
func (d *Director) suppressedLocked(name string, exchange int) bool {
	last, ok := d.lastCalled[name]
	return ok && exchange-last < d.cfg.SuppressionWindow
}

func (d *Director) recordCall(name string, exchange int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastCalled[name] = exchange
	d.callCounts[name]++
}

// raiseStageLocked moves the stage up; it never lowers it.
func (d *Director) raiseStageLocked(to Stage) {
	if to > d.stage {
		d.logger.Info("stage raised", map[string]interface{}{
			"conversation": d.id,
			"from":         int(d.stage),
			"to":           int(to),
		})
		d.stage = to
	}
}

func (d *Director) recentTranscript() []generate.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]generate.Message(nil), generate.Last(d.transcript, d.cfg.TranscriptWindow)...)
}

func (d *Director) requestContext(exchange int) map[string]interface{} {
	return map[string]interface{}{
		"conversation_id": d.id,
		"exchange":        exchange,
		"stage":           int(d.Stage()),
		"phase":           string(d.tracker.State().Phase),
	}
}

// synthesisWorker returns the first registered worker with the synthesis capability.
func (d *Director) synthesisWorker() string {
	for _, desc := range d.registry.Descriptors() {
		if desc.Has(worker.CapSynthesis) {
			return desc.Name
		}
	}
	return ""
}
