package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/agentkit/telemetry"

	"github.com/vinayprograms/conclave/internal/config"
	"github.com/vinayprograms/conclave/internal/director"
	"github.com/vinayprograms/conclave/internal/generate"
	"github.com/vinayprograms/conclave/internal/session"
	"github.com/vinayprograms/conclave/internal/worker"
	"github.com/vinayprograms/conclave/internal/workers"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.New()
	cfg.Storage.Path = t.TempDir()
	cfg.Workers.Personal.Watch = false
	return cfg
}

func TestRuntime_SetupWithoutLLM(t *testing.T) {
	t.Setenv("BRAVE_API_KEY", "")
	cfg := testConfig(t)

	rt := newRuntime(cfg, nil, runtimeOptions{})
	defer rt.cleanup()
	if err := rt.setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}

	for _, name := range []string{workers.HistoryName, workers.PersonalName, workers.TasksName} {
		if !rt.registry.Has(name) {
			t.Errorf("%s should be registered", name)
		}
	}
	for _, name := range []string{workers.SearchName, workers.SynthesisName} {
		if rt.registry.Has(name) {
			t.Errorf("%s should be removed after failing to initialize", name)
		}
		if rt.failed[name] == nil {
			t.Errorf("%s failure not recorded", name)
		}
	}
	if _, err := os.Stat(cfg.TasksDatabase()); err != nil {
		t.Errorf("task database not created: %v", err)
	}
}

func TestRuntime_RequireLLM(t *testing.T) {
	rt := newRuntime(testConfig(t), nil, runtimeOptions{requireLLM: true})
	defer rt.cleanup()
	err := rt.setup(context.Background())
	if err == nil || !strings.Contains(err.Error(), "model not configured") {
		t.Errorf("expected missing model error, got %v", err)
	}
}

func TestRuntime_DisabledWorkers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers.History.Enabled = false
	cfg.Workers.Tasks.Enabled = false
	cfg.Workers.Search.Enabled = false
	cfg.Workers.Synthesis.Enabled = false

	rt := newRuntime(cfg, nil, runtimeOptions{})
	defer rt.cleanup()
	if err := rt.setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := rt.registry.List(); len(got) != 1 || got[0] != workers.PersonalName {
		t.Errorf("registry = %v", got)
	}
	if rt.index != nil || rt.tasks != nil {
		t.Error("disabled workers should not open storage")
	}
}

func TestRuntime_NewDirectorResumes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers.Search.Enabled = false
	rt := newRuntime(cfg, nil, runtimeOptions{})
	defer rt.cleanup()
	if err := rt.setup(context.Background()); err != nil {
		t.Fatal(err)
	}

	fresh := rt.newDirector(nil)
	if fresh.ID() == "" || fresh.Snapshot().Exchange != 0 {
		t.Errorf("fresh director = %+v", fresh.Snapshot())
	}

	resumed := rt.newDirector(&session.Conversation{
		ID: "conv-9",
		Messages: []generate.Message{
			{Role: generate.RoleUser, Content: "hi"},
			{Role: generate.RoleAssistant, Content: "hello"},
		},
	})
	snap := resumed.Snapshot()
	if snap.ID != "conv-9" || snap.Exchange != 1 || snap.Messages != 2 {
		t.Errorf("resumed snapshot = %+v", snap)
	}
}

func TestRuntime_LogTurn(t *testing.T) {
	rt := newRuntime(testConfig(t), nil, runtimeOptions{})
	rt.telem = telemetry.NewNoopExporter()
	defer rt.telem.Close()
	rt.logTurn(director.TurnResult{
		Exchange:        2,
		Stage:           director.StageCoordinated,
		Mode:            director.ModeCoordinated,
		Escalated:       true,
		Called:          []string{"search"},
		Responses:       map[string]worker.Response{"search": worker.Failed("search", "r1", "timeout")},
		GenerationError: "rate limited",
	})
}

func TestFlatten(t *testing.T) {
	a := &worker.WorkerError{Worker: "a", Err: errors.New("x")}
	b := &worker.WorkerError{Worker: "b", Err: errors.New("y")}
	if got := flatten(errors.Join(a, b)); len(got) != 2 {
		t.Errorf("joined: %d errors", len(got))
	}
	if got := flatten(a); len(got) != 1 {
		t.Errorf("single: %d errors", len(got))
	}
}

func TestGreetingFor(t *testing.T) {
	if got := greetingFor(nil, nil); got != "What's on your mind?" {
		t.Errorf("greeting = %q", got)
	}
	conv := &session.Conversation{ID: "c1", Messages: make([]generate.Message, 4)}
	got := greetingFor(conv, map[string]error{"search": errors.New("no key"), "synthesis": errors.New("no llm")})
	if !strings.Contains(got, "c1") || !strings.Contains(got, "4 messages") {
		t.Errorf("greeting = %q", got)
	}
	if !strings.Contains(got, "unavailable: search, synthesis") {
		t.Errorf("greeting should list unavailable workers: %q", got)
	}
}

func TestPrintWorkers(t *testing.T) {
	var buf bytes.Buffer
	printWorkers(&buf, []worker.Descriptor{
		{Name: "tasks", Capabilities: []worker.Capability{worker.CapTasks}},
	}, map[string]error{"search": errors.New("no search API key")})
	out := buf.String()
	if !strings.Contains(out, "tasks") || !strings.Contains(out, "[tasks]") {
		t.Errorf("missing ready worker:\n%s", out)
	}
	if !strings.Contains(out, "unavailable") || !strings.Contains(out, "no search API key") {
		t.Errorf("missing failed worker:\n%s", out)
	}

	buf.Reset()
	printWorkers(&buf, nil, nil)
	if !strings.Contains(buf.String(), "No workers") {
		t.Errorf("empty output = %q", buf.String())
	}
}

func TestPrintTasks(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	past := now.Add(-48 * time.Hour)
	var buf bytes.Buffer
	printTasks(&buf, []workers.Task{
		{ID: 1, Title: "file taxes", Due: &past},
		{ID: 2, Title: "water plants", Done: true},
	}, now)
	out := buf.String()
	if !strings.Contains(out, "file taxes") || !strings.Contains(out, "overdue") {
		t.Errorf("output:\n%s", out)
	}
	if !strings.Contains(out, "[x]    2") {
		t.Errorf("done task not marked:\n%s", out)
	}
}

func TestListConversations(t *testing.T) {
	store, err := session.NewFileStore(filepath.Join(t.TempDir(), "sessions"))
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := listConversations(&buf, store); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No saved conversations") {
		t.Errorf("empty list = %q", buf.String())
	}

	if _, err := store.Save("conv-1", []generate.Message{{Role: generate.RoleUser, Content: "hi"}}, nil); err != nil {
		t.Fatal(err)
	}
	buf.Reset()
	if err := listConversations(&buf, store); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "conv-1") {
		t.Errorf("list = %q", buf.String())
	}
}

func TestParseDue(t *testing.T) {
	tests := []struct {
		in      string
		wantNil bool
		wantErr bool
	}{
		{"", true, false},
		{"2026-11-02", false, false},
		{"2026-11-02T09:00:00Z", false, false},
		{"next tuesday", true, true},
	}
	for _, tt := range tests {
		got, err := parseDue(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseDue(%q) error = %v", tt.in, err)
			continue
		}
		if (got == nil) != tt.wantNil {
			t.Errorf("parseDue(%q) = %v", tt.in, got)
		}
	}

	// Includes days on which common zones change clocks.
	for _, day := range []string{"2026-11-02", "2026-03-08", "2026-03-29", "2026-10-25", "2026-11-01"} {
		end, err := parseDue(day)
		if err != nil {
			t.Fatal(err)
		}
		if end.Format("2006-01-02") != day || end.Hour() != 23 || end.Minute() != 59 || end.Second() != 59 {
			t.Errorf("%s should be due at 23:59:59 local, got %v", day, end)
		}
	}
}

func TestParseDue_DaylightSavingDay(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tz database unavailable")
	}
	orig := time.Local
	time.Local = loc
	defer func() { time.Local = orig }()

	for _, day := range []string{"2026-03-08", "2026-11-01"} {
		end, err := parseDue(day)
		if err != nil {
			t.Fatal(err)
		}
		if end.Format("2006-01-02 15:04:05") != day+" 23:59:59" {
			t.Errorf("%s: due = %v", day, end)
		}
	}
}

func TestRetryConfig(t *testing.T) {
	rc := retryConfig(config.LLMConfig{MaxRetries: 3, RetryBackoff: config.Duration{Duration: 30 * time.Second}})
	if rc.MaxRetries != 3 || rc.MaxBackoff != 30*time.Second {
		t.Errorf("retry config = %+v", rc)
	}
}
