package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/conclave/internal/protocol"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conclave.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNew_Defaults(t *testing.T) {
	cfg := New()
	if cfg.Director.MaxCallsPerTurn != 2 {
		t.Errorf("max calls = %d", cfg.Director.MaxCallsPerTurn)
	}
	if cfg.Director.SuppressionWindow != 3 {
		t.Errorf("suppression window = %d", cfg.Director.SuppressionWindow)
	}
	if cfg.Director.CallTimeout.Duration != 5*time.Second {
		t.Errorf("call timeout = %v", cfg.Director.CallTimeout)
	}
	if cfg.Protocol.StallThreshold != 2 {
		t.Errorf("stall threshold = %d", cfg.Protocol.StallThreshold)
	}
	if !cfg.Workers.History.Enabled || !cfg.Storage.PersistHistory {
		t.Error("history should be enabled and persisted by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}

	policy := cfg.DirectorPolicy()
	if len(policy.Triggers) != 0 {
		t.Error("empty trigger table leaves the director's built-ins in place")
	}
}

func TestLoadFile_Overrides(t *testing.T) {
	path := writeConfig(t, `
[director]
max_calls_per_turn = 1
call_timeout = "750ms"

[[director.triggers]]
worker = "tasks"
phrases = ["chores"]
priority = 9

[protocol]
stall_threshold = 4
fast_forward = ["jump"]

[protocol.markers]
crux = ["the thing is"]

[workers.search]
enabled = false

[[remote.workers]]
name = "calendar"
capabilities = ["tasks"]

[llm]
model = "claude-sonnet-4-5"
retry_backoff = "30s"

[storage]
path = "/var/lib/conclave"
persist_history = false
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}

	if cfg.Director.MaxCallsPerTurn != 1 || cfg.Director.CallTimeout.Duration != 750*time.Millisecond {
		t.Errorf("director = %+v", cfg.Director)
	}
	if cfg.Director.SuppressionWindow != 3 {
		t.Error("unset keys keep their defaults")
	}
	if len(cfg.Director.Triggers) != 1 || cfg.Director.Triggers[0].Priority != 9 {
		t.Errorf("triggers = %+v", cfg.Director.Triggers)
	}
	if cfg.Workers.Search.Enabled || !cfg.Workers.Tasks.Enabled {
		t.Errorf("workers = %+v", cfg.Workers)
	}
	if len(cfg.Remote.Workers) != 1 || cfg.Remote.Workers[0].Name != "calendar" {
		t.Errorf("remote = %+v", cfg.Remote)
	}
	if cfg.LLM.RetryBackoff.Duration != 30*time.Second {
		t.Errorf("retry backoff = %v", cfg.LLM.RetryBackoff)
	}
	if cfg.HistoryIndexDir() != "" {
		t.Error("history index should be in-memory")
	}
	if got := cfg.TasksDatabase(); got != "/var/lib/conclave/tasks.db" {
		t.Errorf("tasks db = %s", got)
	}

	tc := cfg.TrackerConfig()
	if tc.StallThreshold != 4 || tc.FastForward[0] != "jump" {
		t.Errorf("tracker = %+v", tc)
	}
	if tc.Markers[protocol.PhaseCrux][0] != "the thing is" {
		t.Errorf("crux markers = %v", tc.Markers[protocol.PhaseCrux])
	}
	if len(tc.Markers[protocol.PhaseProblem]) == 0 {
		t.Error("unnamed phases keep built-in markers")
	}
}

func TestLoadFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"syntax", "[director\n", "failed to parse"},
		{"bad duration", "[director]\ncall_timeout = \"soon\"\n", "invalid duration"},
		{"unknown key", "[director]\nmax_calls = 3\n", "unknown config keys"},
		{"negative budget", "[director]\nmax_calls_per_turn = -1\n", "max_calls_per_turn"},
		{"trigger without worker", "[[director.triggers]]\nphrases = [\"x\"]\n", "has no worker"},
		{"unknown phase", "[protocol.nudges]\nreflection = \"x\"\n", "unknown phase"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestDecisionLLM(t *testing.T) {
	cfg := New()
	cfg.LLM = LLMConfig{Provider: "anthropic", Model: "big", MaxRetries: 3}
	if got := cfg.DecisionLLM(); got.Model != "big" {
		t.Errorf("unset small_llm should fall back to llm, got %+v", got)
	}

	cfg.SmallLLM = LLMConfig{Model: "small"}
	got := cfg.DecisionLLM()
	if got.Model != "small" || got.Provider != "anthropic" || got.MaxRetries != 3 {
		t.Errorf("small llm = %+v", got)
	}
	if got.MaxTokens != cfg.Director.DecisionMaxTokens {
		t.Errorf("max tokens = %d", got.MaxTokens)
	}
}

func TestLLMConfig_GetAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "from-default")
	t.Setenv("CUSTOM_KEY", "from-custom")

	tests := []struct {
		cfg  LLMConfig
		want string
	}{
		{LLMConfig{Provider: "anthropic"}, "from-default"},
		{LLMConfig{Provider: "anthropic", APIKeyEnv: "CUSTOM_KEY"}, "from-custom"},
		{LLMConfig{Provider: "unknown"}, ""},
	}
	for _, tt := range tests {
		if got := tt.cfg.GetAPIKey(); got != tt.want {
			t.Errorf("GetAPIKey(%+v) = %q, want %q", tt.cfg, got, tt.want)
		}
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandPath("~/x"); got != filepath.Join(home, "x") {
		t.Errorf("ExpandPath(~/x) = %s", got)
	}
	if got := ExpandPath("/abs"); got != "/abs" {
		t.Errorf("ExpandPath(/abs) = %s", got)
	}
}
