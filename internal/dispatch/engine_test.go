package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/vinayprograms/conclave/internal/worker"
)

// fakeWorker answers after delay, or panics when panicMsg is set.
type fakeWorker struct {
	name     string
	delay    time.Duration
	content  string
	errText  string
	panicMsg string
	calls    int32
	lastReq  atomic.Value
}

func (f *fakeWorker) Name() string                       { return f.name }
func (f *fakeWorker) Initialize(ctx context.Context) error { return nil }
func (f *fakeWorker) Capabilities() []worker.Capability {
	return []worker.Capability{worker.CapHistory}
}

func (f *fakeWorker) HandleRequest(ctx context.Context, req worker.Request) worker.Response {
	atomic.AddInt32(&f.calls, 1)
	f.lastReq.Store(req)
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return worker.Failed(f.name, req.RequestID, "late")
		}
	}
	if f.errText != "" {
		return worker.Response{Error: f.errText}
	}
	return worker.Succeeded(f.name, req, f.content, nil)
}

func newTestEngine(workers ...worker.Worker) *Engine {
	reg := worker.NewRegistry()
	for _, w := range workers {
		reg.Register(w.Name(), w)
	}
	return New(reg, WithSleep(func(ctx context.Context, d time.Duration) error { return nil }))
}

func TestCallWithTimeout_Success(t *testing.T) {
	w := &fakeWorker{name: "history", content: "past talk"}
	e := newTestEngine(w)

	resp := e.CallWithTimeout(context.Background(), w, worker.Request{Query: "hi"}, time.Second)
	if !resp.OK() {
		t.Fatalf("expected success, got %q", resp.Error)
	}
	if resp.Content != "past talk" || resp.WorkerName != "history" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.RequestID == "" {
		t.Error("expected generated request id")
	}
	req := w.lastReq.Load().(worker.Request)
	if req.FromWorker != "director" {
		t.Errorf("expected requester stamped, got %q", req.FromWorker)
	}
}

func TestCallWithTimeout_Timeout(t *testing.T) {
	w := &fakeWorker{name: "slow", delay: 2 * time.Second, content: "never"}
	e := newTestEngine(w)

	start := time.Now()
	resp := e.CallWithTimeout(context.Background(), w, worker.Request{Query: "q"}, 50*time.Millisecond)
	elapsed := time.Since(start)

	if resp.Error != worker.ErrTimeoutText {
		t.Fatalf("expected timeout, got %q", resp.Error)
	}
	if resp.Status() != worker.StatusTimeout {
		t.Errorf("expected timeout status, got %s", resp.Status())
	}
	if resp.Content == "" {
		t.Error("failed response must carry fallback content")
	}
	if elapsed > time.Second {
		t.Errorf("call returned after %s, expected near the deadline", elapsed)
	}
}

func TestCallWithTimeout_Panic(t *testing.T) {
	w := &fakeWorker{name: "broken", panicMsg: "boom"}
	e := newTestEngine(w)

	resp := e.CallWithTimeout(context.Background(), w, worker.Request{Query: "q"}, time.Second)
	if !strings.Contains(resp.Error, "boom") {
		t.Fatalf("expected panic message in error, got %q", resp.Error)
	}
	if resp.Content != worker.FallbackContent("broken") {
		t.Errorf("unexpected fallback content: %q", resp.Content)
	}
}

func TestCallWithTimeout_WorkerErrorGetsFallback(t *testing.T) {
	w := &fakeWorker{name: "tasks", errText: "db locked"}
	e := newTestEngine(w)

	resp := e.CallWithTimeout(context.Background(), w, worker.Request{}, time.Second)
	if resp.Error != "db locked" || resp.Content == "" || resp.WorkerName != "tasks" {
		t.Errorf("expected normalized failure, got %+v", resp)
	}
}

func TestCallWithTimeout_ParentCanceled(t *testing.T) {
	w := &fakeWorker{name: "slow", delay: time.Second}
	e := newTestEngine(w)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := e.CallWithTimeout(ctx, w, worker.Request{}, time.Second)
	if resp.OK() {
		t.Fatal("expected failure on canceled context")
	}
	if resp.Error == worker.ErrTimeoutText {
		t.Error("cancellation should not be reported as timeout")
	}
}

func TestDispatchParallel_OneTimesOutOthersSucceed(t *testing.T) {
	fast1 := &fakeWorker{name: "history", content: "h"}
	fast2 := &fakeWorker{name: "tasks", content: "t"}
	slow := &fakeWorker{name: "search", delay: 2 * time.Second, content: "s"}
	e := newTestEngine(fast1, fast2, slow)

	start := time.Now()
	got := e.DispatchParallel(context.Background(), Strategy{
		AgentsToQuery: []string{"history", "tasks", "search"},
		Query:         "what next",
	}, 100*time.Millisecond)
	elapsed := time.Since(start)

	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got))
	}
	if !got["history"].OK() || !got["tasks"].OK() {
		t.Errorf("fast workers should succeed: %+v", got)
	}
	if got["search"].Error != worker.ErrTimeoutText {
		t.Errorf("slow worker should time out, got %q", got["search"].Error)
	}
	if elapsed > time.Second {
		t.Errorf("fan-out took %s, expected bounded by batch timeout", elapsed)
	}
}

func TestDispatchParallel_WallTimeIsMaxNotSum(t *testing.T) {
	var ws []worker.Worker
	var names []string
	for _, n := range []string{"a", "b", "c", "d"} {
		ws = append(ws, &fakeWorker{name: n, delay: 100 * time.Millisecond, content: n})
		names = append(names, n)
	}
	e := newTestEngine(ws...)

	start := time.Now()
	got := e.DispatchParallel(context.Background(), Strategy{AgentsToQuery: names}, time.Second)
	elapsed := time.Since(start)

	for _, n := range names {
		if !got[n].OK() {
			t.Errorf("%s failed: %s", n, got[n].Error)
		}
	}
	if elapsed >= 350*time.Millisecond {
		t.Errorf("calls appear sequential: %s", elapsed)
	}
}

func TestDispatchParallel_UnknownWorkerAndPrompts(t *testing.T) {
	w := &fakeWorker{name: "history", content: "h"}
	e := newTestEngine(w)

	got := e.DispatchParallel(context.Background(), Strategy{
		AgentsToQuery:   []string{"history", "ghost", "history"},
		PerWorkerPrompt: map[string]string{"history": "summarize last week"},
		Query:           "default",
		Context:         map[string]interface{}{"stage": 2},
	}, time.Second)

	if len(got) != 2 {
		t.Fatalf("expected duplicates collapsed, got %d results", len(got))
	}
	if got["ghost"].Error != "unknown worker" {
		t.Errorf("expected unknown worker failure, got %+v", got["ghost"])
	}
	req := w.lastReq.Load().(worker.Request)
	if req.Query != "summarize last week" {
		t.Errorf("expected per-worker prompt, got %q", req.Query)
	}
	if req.Context["stage"] != 2 {
		t.Errorf("expected shared context, got %v", req.Context)
	}
	if atomic.LoadInt32(&w.calls) != 1 {
		t.Errorf("expected one call, got %d", w.calls)
	}
}

func TestDispatchParallel_Empty(t *testing.T) {
	e := newTestEngine()
	if got := e.DispatchParallel(context.Background(), Strategy{}, time.Second); len(got) != 0 {
		t.Errorf("expected empty map, got %v", got)
	}
}

func TestCoordinate_Statuses(t *testing.T) {
	ok := &fakeWorker{name: "history", content: "h"}
	bad := &fakeWorker{name: "tasks", errText: "boom"}
	worse := &fakeWorker{name: "search", panicMsg: "nope"}
	e := newTestEngine(ok, bad, worse)
	ctx := context.Background()

	tests := []struct {
		name         string
		agents       []string
		wantStatus   string
		wantFallback string
	}{
		{"all succeed", []string{"history"}, CoordinationSuccess, ""},
		{"some fail", []string{"history", "tasks"}, CoordinationPartial, ""},
		{"all fail", []string{"tasks", "search"}, CoordinationError, FallbackDirect},
		{"empty plan", nil, CoordinationError, FallbackDirect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Coordinate(ctx, Strategy{AgentsToQuery: tt.agents, Source: SourceAssisted}, time.Second)
			if res.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", res.Status, tt.wantStatus)
			}
			if res.Fallback != tt.wantFallback {
				t.Errorf("fallback = %q, want %q", res.Fallback, tt.wantFallback)
			}
			if len(res.Succeeded)+len(res.Failed) != len(res.Responses) {
				t.Errorf("summary does not cover responses: %+v", res)
			}
		})
	}
}

func TestRetryWithBackoff_NoResultsThenSuccess(t *testing.T) {
	e := newTestEngine()
	var queries []string
	task := func(ctx context.Context, q string) (string, error) {
		queries = append(queries, q)
		if len(queries) == 1 {
			return "", worker.ErrNoResults
		}
		return "found it", nil
	}

	res := e.RetryWithBackoff(context.Background(), "golang channels", task, 3)
	if !res.Success || res.Content != "found it" {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", res.RetryCount)
	}
	if queries[1] == queries[0] || !strings.HasPrefix(queries[1], queries[0]) {
		t.Errorf("expected broadened query, got %q -> %q", queries[0], queries[1])
	}
}

func TestRetryWithBackoff_RateLimitKeepsQueryAndBacksOff(t *testing.T) {
	var delays []time.Duration
	reg := worker.NewRegistry()
	e := New(reg,
		WithMaxBackoff(3*time.Second),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}),
	)

	var queries []string
	task := func(ctx context.Context, q string) (string, error) {
		queries = append(queries, q)
		return "", errors.New("429 too many requests")
	}

	res := e.RetryWithBackoff(context.Background(), "weather today", task, 3)
	if res.Success {
		t.Fatal("expected failure")
	}
	if len(queries) != 4 {
		t.Fatalf("expected maxRetries+1 attempts, got %d", len(queries))
	}
	for _, q := range queries {
		if q != "weather today" {
			t.Errorf("rate limit should keep the query, got %q", q)
		}
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %s, want %s", i, delays[i], want[i])
		}
	}
	if res.RetryCount != 3 || res.Err == nil {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestBackoffDelay_LargeAttemptsClamp(t *testing.T) {
	e := New(worker.NewRegistry(), WithMaxBackoff(45*time.Second))
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{5, 32 * time.Second},
		{6, 45 * time.Second},
		{29, 45 * time.Second},
		{30, 45 * time.Second},
		{34, 45 * time.Second},
		{63, 45 * time.Second},
		{1000, 45 * time.Second},
	}
	for _, tt := range tests {
		if got := e.backoffDelay(tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestTruncateForLog_KeepsRunes(t *testing.T) {
	s := strings.Repeat("日本", 10) // three bytes per rune
	for n := 1; n < len(s); n++ {
		got := truncateForLog(s, n)
		if !utf8.ValidString(got) {
			t.Fatalf("truncateForLog(%d) split a rune: %q", n, got)
		}
		if len(got) > n+len("...") {
			t.Errorf("truncateForLog(%d) too long: %d bytes", n, len(got))
		}
	}
	if got := truncateForLog("abc", 10); got != "abc" {
		t.Errorf("short input changed: %q", got)
	}
}

func TestRetryWithBackoff_OtherSimplifies(t *testing.T) {
	e := newTestEngine()
	var queries []string
	task := func(ctx context.Context, q string) (string, error) {
		queries = append(queries, q)
		if len(queries) < 2 {
			return "", errors.New("bad query syntax")
		}
		return "ok", nil
	}

	res := e.RetryWithBackoff(context.Background(), "one two three four five six seven", task, 2)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Query != "one two three four five" {
		t.Errorf("expected simplified query, got %q", res.Query)
	}
}

func TestRetryWithBackoff_PanicIsFailure(t *testing.T) {
	e := newTestEngine()
	task := func(ctx context.Context, q string) (string, error) {
		panic("exploded")
	}
	res := e.RetryWithBackoff(context.Background(), "q", task, 1)
	if res.Success || res.Err == nil || !strings.Contains(res.Err.Error(), "exploded") {
		t.Errorf("expected panic captured as error, got %+v", res)
	}
	if res.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", res.RetryCount)
	}
}

func TestRetryWithBackoff_ZeroRetries(t *testing.T) {
	e := newTestEngine()
	calls := 0
	task := func(ctx context.Context, q string) (string, error) {
		calls++
		return "", worker.ErrNoResults
	}
	res := e.RetryWithBackoff(context.Background(), "q", task, 0)
	if calls != 1 || res.Success || res.RetryCount != 0 {
		t.Errorf("expected single attempt, got calls=%d res=%+v", calls, res)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want FailureClass
	}{
		{errors.New("rate limit exceeded"), FailureRateLimit},
		{worker.NewServiceError("search", worker.ServiceRateLimit, errors.New("slow down")), FailureRateLimit},
		{worker.ErrNoResults, FailureNoResults},
		{errors.New("search returned no results"), FailureNoResults},
		{errors.New("invalid token"), FailureOther},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestQueryRewrites(t *testing.T) {
	if got := broadenQuery("rust overview", 0); got != "rust overview guide" {
		t.Errorf("broadenQuery skipped present term incorrectly: %q", got)
	}
	if got := simplifyQuery("  a  b ", 5); got != "a b" {
		t.Errorf("simplifyQuery = %q", got)
	}
}
