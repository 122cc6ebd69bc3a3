// Package dispatch runs timeout-bounded, possibly parallel calls to workers and
// aggregates their outcomes without letting one failure sink the batch.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/conclave/internal/worker"
)

// concurrencyLimit returns the default maximum number of concurrent worker calls.
// Worker calls are I/O-bound, so CPUs are oversubscribed.
var concurrencyLimit = func() int {
	limit := runtime.NumCPU() * 4
	if limit < 4 {
		limit = 4
	}
	if limit > 32 {
		limit = 32
	}
	return limit
}()

// Engine executes worker calls. It holds no per-conversation state.
type Engine struct {
	registry    *worker.Registry
	logger      *logging.Logger
	from        string
	concurrency int
	maxBackoff  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithConcurrency bounds the number of in-flight calls of one fan-out.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithSleep replaces the backoff sleep (tests use it to avoid real waits).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// WithMaxBackoff caps the exponential backoff delay.
func WithMaxBackoff(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.maxBackoff = d
		}
	}
}

// WithRequester sets the FromWorker name stamped on requests the engine builds.
func WithRequester(name string) Option {
	return func(e *Engine) {
		if name != "" {
			e.from = name
		}
	}
}

// New creates an engine bound to a registry.
func New(registry *worker.Registry, opts ...Option) *Engine {
	if registry == nil {
		registry = worker.Default()
	}
	e := &Engine{
		registry:    registry,
		logger:      logging.New().WithComponent("dispatch"),
		from:        "director",
		concurrency: concurrencyLimit,
		maxBackoff:  60 * time.Second,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the registry the engine resolves names against.
func (e *Engine) Registry() *worker.Registry {
	return e.registry
}

// CallWithTimeout calls w under a deadline. It never panics: deadline expiry
// yields a Response with Error "timeout", and any other failure (panic, parent
// cancellation) yields a Response carrying the failure message.
func (e *Engine) CallWithTimeout(ctx context.Context, w worker.Worker, req worker.Request, timeout time.Duration) worker.Response {
	req = req.EnsureID()
	if w == nil {
		return worker.Failed(req.ToWorker, req.RequestID, "unknown worker")
	}
	name := req.ToWorker
	if name == "" {
		name = w.Name()
		req.ToWorker = name
	}
	if req.FromWorker == "" {
		req.FromWorker = e.from
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return e.call(ctx, name, w, req)
}

// call runs one worker call under ctx's deadline. The worker goroutine is
// abandoned on expiry; its late result lands in a buffered channel.
func (e *Engine) call(ctx context.Context, name string, w worker.Worker, req worker.Request) worker.Response {
	ctx, span := startCallSpan(ctx, name)
	start := time.Now()

	done := make(chan worker.Response, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- worker.Failed(name, req.RequestID, fmt.Sprintf("panic: %v", r))
			}
		}()
		done <- w.HandleRequest(ctx, req)
	}()

	var resp worker.Response
	select {
	case resp = <-done:
		resp = worker.Normalize(resp, name, req)
	case <-ctx.Done():
		resp = worker.Failed(name, req.RequestID, contextFailure(ctx))
	}
	resp.WorkerName = name

	fields := map[string]interface{}{
		"worker":      name,
		"request_id":  req.RequestID,
		"status":      string(resp.Status()),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if resp.Error != "" {
		fields["error"] = resp.Error
		e.logger.Warn("worker call failed", fields)
	} else {
		e.logger.Debug("worker call complete", fields)
	}
	endCallSpan(span, resp)
	return resp
}

// DispatchParallel calls every worker of the strategy concurrently under one
// batch deadline and waits for all outcomes. Results are keyed by worker name;
// unknown names produce failed responses without a call.
func (e *Engine) DispatchParallel(ctx context.Context, strategy Strategy, timeout time.Duration) map[string]worker.Response {
	names := strategy.Workers()
	results := make(map[string]worker.Response, len(names))
	if len(names) == 0 {
		return results
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx, span := startBatchSpan(ctx, names)

	type outcome struct {
		name string
		resp worker.Response
	}
	out := make(chan outcome, len(names))
	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup

	for _, name := range names {
		req := worker.Request{
			FromWorker: e.from,
			ToWorker:   name,
			Query:      strategy.QueryFor(name),
			Context:    copyContext(strategy.Context),
			RequestID:  uuid.New().String(),
		}
		w := e.registry.Get(name)
		if w == nil {
			out <- outcome{name, worker.Failed(name, req.RequestID, "unknown worker")}
			continue
		}

		wg.Add(1)
		go func(name string, w worker.Worker, req worker.Request) {
			defer wg.Done()

			// Acquire semaphore, giving up when the batch deadline passes first
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				out <- outcome{name, worker.Failed(name, req.RequestID, contextFailure(ctx))}
				return
			}
			out <- outcome{name, e.call(ctx, name, w, req)}
		}(name, w, req)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	for o := range out {
		results[o.name] = o.resp
	}

	endBatchSpan(span, results)
	return results
}

// Coordinate runs a fan-out and summarizes it. A plan with no workers, or one
// where every worker failed, yields status "error" with direct calls
// recommended as the fallback.
func (e *Engine) Coordinate(ctx context.Context, strategy Strategy, timeout time.Duration) CoordinationResult {
	start := time.Now()
	result := CoordinationResult{Source: strategy.Source}

	if len(strategy.Workers()) == 0 {
		result.Status = CoordinationError
		result.Error = "coordination plan has no workers"
		result.Fallback = FallbackDirect
		return result
	}

	result.Responses = e.DispatchParallel(ctx, strategy, timeout)
	result.Duration = time.Since(start)

	for name, resp := range result.Responses {
		if resp.OK() {
			result.Succeeded = append(result.Succeeded, name)
		} else {
			result.Failed = append(result.Failed, name)
		}
	}
	sort.Strings(result.Succeeded)
	sort.Strings(result.Failed)

	switch {
	case len(result.Failed) == 0:
		result.Status = CoordinationSuccess
	case len(result.Succeeded) > 0:
		result.Status = CoordinationPartial
	default:
		result.Status = CoordinationError
		result.Error = fmt.Sprintf("all %d workers failed", len(result.Failed))
		result.Fallback = FallbackDirect
	}

	e.logger.Info("coordination complete", map[string]interface{}{
		"status":      result.Status,
		"succeeded":   result.Succeeded,
		"failed":      result.Failed,
		"source":      result.Source,
		"duration_ms": result.Duration.Milliseconds(),
	})
	return result
}

// contextFailure maps a finished context to a Response error string.
func contextFailure(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return worker.ErrTimeoutText
	}
	if err := ctx.Err(); err != nil {
		return err.Error()
	}
	return "canceled"
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
