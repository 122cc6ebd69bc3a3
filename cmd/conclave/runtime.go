// Package main provides runtime assembly for conversations and worker serving.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/vinayprograms/agentkit/credentials"
	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/telemetry"

	"github.com/vinayprograms/conclave/internal/config"
	"github.com/vinayprograms/conclave/internal/director"
	"github.com/vinayprograms/conclave/internal/dispatch"
	"github.com/vinayprograms/conclave/internal/generate"
	"github.com/vinayprograms/conclave/internal/memory"
	"github.com/vinayprograms/conclave/internal/protocol"
	"github.com/vinayprograms/conclave/internal/session"
	"github.com/vinayprograms/conclave/internal/transport"
	"github.com/vinayprograms/conclave/internal/worker"
	"github.com/vinayprograms/conclave/internal/workers"
)

// runtimeOptions select which parts of the runtime a command needs.
type runtimeOptions struct {
	requireLLM bool // fail when no model is configured
	remote     bool // register remote workers from [remote]
}

// runtime owns the components shared by one process.
type runtime struct {
	cfg    *config.Config
	creds  *credentials.Credentials
	opts   runtimeOptions
	logger *logging.Logger

	// Components
	provider llm.Provider
	smallLLM llm.Provider
	gen      generate.Generator
	decision generate.Generator
	telem    telemetry.Exporter
	registry *worker.Registry
	engine   *dispatch.Engine
	store    *session.FileStore
	index    *memory.Index
	tasks    *workers.TaskStore
	conn     *nats.Conn

	// failed holds workers removed because they did not initialize.
	failed map[string]error

	// Cleanup
	closers []func()
}

// newRuntime creates a runtime over cfg.
func newRuntime(cfg *config.Config, creds *credentials.Credentials, opts runtimeOptions) *runtime {
	return &runtime{
		cfg:    cfg,
		creds:  creds,
		opts:   opts,
		logger: logging.New().WithComponent("runtime"),
		failed: make(map[string]error),
	}
}

// setup initializes all runtime components. Returns error on failure.
func (rt *runtime) setup(ctx context.Context) error {
	if err := os.MkdirAll(rt.cfg.StorageDir(), 0755); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}
	if err := rt.createProvider(); err != nil {
		if rt.opts.requireLLM {
			return err
		}
		rt.logger.Warn("LLM unavailable, synthesis disabled", map[string]interface{}{"error": err.Error()})
	}
	rt.createSmallLLM()
	if err := rt.setupTelemetry(); err != nil {
		return err
	}
	if err := rt.setupStorage(); err != nil {
		return err
	}
	rt.registry = worker.NewRegistry()
	rt.engine = dispatch.New(rt.registry, dispatch.WithConcurrency(rt.cfg.Director.Concurrency))
	rt.setupWorkers(ctx)
	if rt.opts.remote {
		if err := rt.setupRemote(); err != nil {
			return err
		}
	}
	rt.initializeWorkers(ctx)
	return nil
}

// createProvider creates the main LLM provider and the generator over it.
func (rt *runtime) createProvider() error {
	llmCfg := rt.cfg.LLM
	if llmCfg.Provider == "" {
		llmCfg.Provider = llm.InferProviderFromModel(llmCfg.Model)
	}
	if llmCfg.Model == "" {
		return fmt.Errorf("LLM model not configured (set [llm] model in conclave.toml)")
	}

	provider, err := rt.newProvider(llmCfg, llmCfg.MaxTokens)
	if err != nil {
		return fmt.Errorf("creating LLM provider: %w", err)
	}
	rt.provider = provider
	rt.gen = generate.NewProviderGenerator(provider, llmCfg.Provider)
	rt.decision = rt.gen
	return nil
}

// createSmallLLM creates the provider for stage decisions and strategy
// planning. Without [small_llm] the main provider serves both.
func (rt *runtime) createSmallLLM() {
	if rt.cfg.SmallLLM.Model == "" || rt.provider == nil {
		return
	}
	small := rt.cfg.DecisionLLM()
	if small.Provider == "" {
		small.Provider = llm.InferProviderFromModel(small.Model)
	}
	provider, err := rt.newProvider(small, small.MaxTokens)
	if err != nil {
		rt.logger.Warn("small LLM unavailable, using main model for decisions", map[string]interface{}{"error": err.Error()})
		return
	}
	rt.smallLLM = provider
	rt.decision = generate.NewProviderGenerator(provider, small.Provider)
}

func (rt *runtime) newProvider(c config.LLMConfig, maxTokens int) (llm.Provider, error) {
	return llm.NewProvider(llm.ProviderConfig{
		Provider:    c.Provider,
		Model:       c.Model,
		APIKey:      rt.apiKey(c),
		MaxTokens:   maxTokens,
		BaseURL:     c.BaseURL,
		Thinking:    llm.ThinkingConfig{Level: llm.ThinkingLevel(c.Thinking)},
		RetryConfig: retryConfig(c),
	})
}

// apiKey prefers the credentials file, then the configured environment variable.
func (rt *runtime) apiKey(c config.LLMConfig) string {
	if rt.creds != nil {
		if key := rt.creds.GetAPIKey(c.Provider); key != "" {
			return key
		}
	}
	return c.GetAPIKey()
}

// setupTelemetry creates the telemetry exporter.
func (rt *runtime) setupTelemetry() error {
	if rt.cfg.Telemetry.Enabled {
		var err error
		rt.telem, err = telemetry.NewExporter(rt.cfg.Telemetry.Protocol, rt.cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("creating telemetry exporter: %w", err)
		}
	} else {
		rt.telem = telemetry.NewNoopExporter()
	}
	rt.addCloser(func() { rt.telem.Close() })
	return nil
}

// setupStorage opens the conversation store, the history index and the task
// database.
func (rt *runtime) setupStorage() error {
	store, err := session.NewFileStore(rt.cfg.SessionsDir())
	if err != nil {
		return fmt.Errorf("opening conversation store: %w", err)
	}
	rt.store = store

	if rt.cfg.Workers.History.Enabled {
		rt.index, err = memory.Open(rt.cfg.HistoryIndexDir())
		if err != nil {
			return fmt.Errorf("opening history index: %w", err)
		}
		rt.addCloser(func() { rt.index.Close() })
	}

	if rt.cfg.Workers.Tasks.Enabled {
		rt.tasks, err = workers.OpenTaskStore(rt.cfg.TasksDatabase())
		if err != nil {
			return fmt.Errorf("opening task database: %w", err)
		}
		rt.addCloser(func() { rt.tasks.Close() })
	}
	return nil
}

// setupWorkers registers the enabled built-in workers.
func (rt *runtime) setupWorkers(ctx context.Context) {
	wc := rt.cfg.Workers
	if wc.History.Enabled {
		rt.registry.Register(workers.HistoryName, workers.NewHistory(rt.index, wc.History.Limit))
	}
	if wc.Personal.Enabled {
		personal := workers.NewPersonal(rt.cfg.ProfilePath())
		if wc.Personal.Watch {
			if err := personal.Watch(ctx); err != nil {
				rt.logger.Warn("profile watch disabled", map[string]interface{}{"error": err.Error()})
			}
		}
		rt.registry.Register(workers.PersonalName, personal)
	}
	if wc.Tasks.Enabled {
		rt.registry.Register(workers.TasksName, workers.NewTasks(rt.tasks, wc.Tasks.Limit))
	}
	if wc.Search.Enabled {
		searchCfg := workers.SearchConfig{
			Endpoint:   wc.Search.Endpoint,
			APIKey:     rt.cfg.SearchAPIKey(),
			Count:      wc.Search.Count,
			MaxRetries: wc.Search.MaxRetries,
		}
		if wc.Search.Timeout.Duration > 0 {
			searchCfg.Client = &http.Client{Timeout: wc.Search.Timeout.Duration}
		}
		rt.registry.Register(workers.SearchName, workers.NewSearch(searchCfg, rt.engine))
	}
	if wc.Synthesis.Enabled {
		rt.registry.Register(workers.SynthesisName, workers.NewSynthesis(rt.gen, wc.Synthesis.MaxTokens))
	}
}

// setupRemote connects to NATS and registers a proxy for each remote worker.
func (rt *runtime) setupRemote() error {
	rc := rt.cfg.Remote
	if len(rc.Workers) == 0 {
		return nil
	}
	conn, err := rt.connect(rc.URL)
	if err != nil {
		return err
	}
	for _, w := range rc.Workers {
		if rt.registry.Has(w.Name) {
			rt.logger.Warn("remote worker shadows a local worker", map[string]interface{}{"worker": w.Name})
		}
		caps := make([]worker.Capability, len(w.Capabilities))
		for i, c := range w.Capabilities {
			caps[i] = worker.Capability(c)
		}
		rt.registry.Register(w.Name, transport.NewRemoteWorker(conn, rc.Prefix, w.Name, caps...))
	}
	return nil
}

// connect opens the NATS connection once per runtime.
func (rt *runtime) connect(url string) (*nats.Conn, error) {
	if rt.conn != nil {
		return rt.conn, nil
	}
	conn, err := transport.Connect(url, "conclave")
	if err != nil {
		return nil, err
	}
	rt.conn = conn
	rt.addCloser(func() { conn.Close() })
	return conn, nil
}

// initializeWorkers initializes the registry and removes workers that fail,
// so the director never plans around them.
func (rt *runtime) initializeWorkers(ctx context.Context) {
	err := rt.registry.InitializeAll(ctx)
	if err == nil {
		return
	}
	for _, e := range flatten(err) {
		var we *worker.WorkerError
		if errors.As(e, &we) {
			rt.registry.Unregister(we.Worker)
			rt.failed[we.Worker] = we.Err
		}
	}
}

// flatten expands errors joined with errors.Join.
func flatten(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

// newDirector creates a director for a new or resumed conversation.
func (rt *runtime) newDirector(resumed *session.Conversation) *director.Director {
	policy := rt.cfg.DirectorPolicy()
	opts := []director.Option{
		director.WithTracker(protocol.New(rt.cfg.TrackerConfig())),
		director.WithDecider(director.NewStageDecider(rt.decision, policy.ComplexityKeywords, policy.DecisionMaxTokens)),
		director.WithPlanner(director.NewStrategyPlanner(rt.decision, rt.registry, policy.DecisionMaxTokens, policy.GenericPrompt)),
	}
	if resumed != nil {
		opts = append(opts, director.WithID(resumed.ID), director.WithHistory(resumed.Messages))
	}
	return director.New(policy, rt.registry, rt.engine, rt.gen, opts...)
}

// logTurn records a finished turn with the telemetry exporter.
func (rt *runtime) logTurn(res director.TurnResult) {
	rt.telem.LogEvent("turn_complete", map[string]interface{}{
		"exchange": res.Exchange,
		"stage":    int(res.Stage),
		"mode":     res.Mode,
		"called":   res.Called,
	})
	if res.Escalated {
		rt.telem.LogEvent("stage_escalated", map[string]interface{}{"exchange": res.Exchange})
	}
	for name, resp := range res.Responses {
		if resp.Error != "" {
			rt.telem.LogEvent("worker_error", map[string]interface{}{"worker": name, "error": resp.Error})
		}
	}
	if res.GenerationError != "" {
		rt.telem.LogEvent("llm_error", map[string]interface{}{"error": res.GenerationError})
	}
}

// addCloser registers a cleanup function.
func (rt *runtime) addCloser(fn func()) {
	rt.closers = append(rt.closers, fn)
}

// cleanup runs all registered closers in reverse order.
func (rt *runtime) cleanup() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}
