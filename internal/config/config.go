// Package config provides configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/conclave/internal/director"
	"github.com/vinayprograms/conclave/internal/protocol"
)

// Config represents the conclave configuration.
type Config struct {
	Director  DirectorConfig  `toml:"director"`
	Protocol  ProtocolConfig  `toml:"protocol"`
	Workers   WorkersConfig   `toml:"workers"`
	Remote    RemoteConfig    `toml:"remote"`
	LLM       LLMConfig       `toml:"llm"`       // Conversation model
	SmallLLM  LLMConfig       `toml:"small_llm"` // Stage and planning decisions; falls back to [llm]
	Storage   StorageConfig   `toml:"storage"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText renders the duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DirectorConfig contains the per-turn routing policy.
type DirectorConfig struct {
	Triggers              []director.Trigger `toml:"triggers"` // empty = built-in table
	MaxCallsPerTurn       int                `toml:"max_calls_per_turn"`
	SuppressionWindow     int                `toml:"suppression_window"` // exchanges
	CallTimeout           Duration           `toml:"call_timeout"`
	CoordinationTimeout   Duration           `toml:"coordination_timeout"`
	EscalationMinMessages int                `toml:"escalation_min_messages"`
	ComplexityKeywords    []string           `toml:"complexity_keywords"`
	SystemPrompt          string             `toml:"system_prompt"`
	Temperature           float64            `toml:"temperature"`
	DecisionMaxTokens     int                `toml:"decision_max_tokens"`
	TranscriptWindow      int                `toml:"transcript_window"`
	FallbackReply         string             `toml:"fallback_reply"`
	Concurrency           int                `toml:"concurrency"` // fan-out limit, 0 = derived from CPU count
}

// ProtocolConfig contains phase tracker settings. Marker lists replace the
// built-in ones for the phases they name.
type ProtocolConfig struct {
	StallThreshold int                 `toml:"stall_threshold"`
	Markers        map[string][]string `toml:"markers"`
	FastForward    []string            `toml:"fast_forward"`
	Nudges         map[string]string   `toml:"nudges"`
}

// WorkersConfig contains built-in worker settings.
type WorkersConfig struct {
	History   HistoryWorkerConfig   `toml:"history"`
	Personal  PersonalWorkerConfig  `toml:"personal"`
	Tasks     TasksWorkerConfig     `toml:"tasks"`
	Search    SearchWorkerConfig    `toml:"search"`
	Synthesis SynthesisWorkerConfig `toml:"synthesis"`
}

// HistoryWorkerConfig configures past-conversation recall.
type HistoryWorkerConfig struct {
	Enabled bool `toml:"enabled"`
	Limit   int  `toml:"limit"`
}

// PersonalWorkerConfig configures the personal profile worker.
type PersonalWorkerConfig struct {
	Enabled bool   `toml:"enabled"`
	Profile string `toml:"profile"` // YAML profile, default <storage>/profile.yaml
	Watch   bool   `toml:"watch"`
}

// TasksWorkerConfig configures the task list worker.
type TasksWorkerConfig struct {
	Enabled  bool   `toml:"enabled"`
	Database string `toml:"database"` // default <storage>/tasks.db
	Limit    int    `toml:"limit"`
}

// SearchWorkerConfig configures web search.
type SearchWorkerConfig struct {
	Enabled    bool     `toml:"enabled"`
	Endpoint   string   `toml:"endpoint"`
	APIKeyEnv  string   `toml:"api_key_env"`
	Count      int      `toml:"count"`
	MaxRetries int      `toml:"max_retries"`
	Timeout    Duration `toml:"timeout"`
}

// SynthesisWorkerConfig configures fan-out synthesis.
type SynthesisWorkerConfig struct {
	Enabled   bool `toml:"enabled"`
	MaxTokens int  `toml:"max_tokens"`
}

// RemoteConfig contains NATS settings for out-of-process workers.
type RemoteConfig struct {
	URL     string               `toml:"url"`
	Prefix  string               `toml:"prefix"`
	Queue   string               `toml:"queue"`
	Workers []RemoteWorkerConfig `toml:"workers"`
}

// RemoteWorkerConfig names a worker served over NATS.
type RemoteWorkerConfig struct {
	Name         string   `toml:"name"`
	Capabilities []string `toml:"capabilities"`
}

// LLMConfig contains LLM provider settings.
type LLMConfig struct {
	Provider     string   `toml:"provider"`
	Model        string   `toml:"model"`
	APIKeyEnv    string   `toml:"api_key_env"`
	MaxTokens    int      `toml:"max_tokens"`
	BaseURL      string   `toml:"base_url"`    // Custom API endpoint (OpenRouter, LiteLLM, Ollama, LMStudio)
	Thinking     string   `toml:"thinking"`    // Thinking level: auto|off|low|medium|high
	MaxRetries   int      `toml:"max_retries"` // Max retry attempts (default 5)
	RetryBackoff Duration `toml:"retry_backoff"`
}

// StorageConfig contains persistent storage settings.
type StorageConfig struct {
	Path           string `toml:"path"`            // Base directory for all persistent data
	PersistHistory bool   `toml:"persist_history"` // false = history index is in-memory only
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"` // OTLP endpoint (e.g., localhost:4317)
	Protocol string `toml:"protocol"` // grpc, http or noop
}

// New creates a new config with defaults.
func New() *Config {
	d := director.DefaultConfig()
	return &Config{
		Director: DirectorConfig{
			MaxCallsPerTurn:       d.MaxCallsPerTurn,
			SuppressionWindow:     d.SuppressionWindow,
			CallTimeout:           Duration{d.CallTimeout},
			CoordinationTimeout:   Duration{d.CoordinationTimeout},
			EscalationMinMessages: d.EscalationMinMessages,
			ComplexityKeywords:    d.ComplexityKeywords,
			Temperature:           d.Temperature,
			DecisionMaxTokens:     d.DecisionMaxTokens,
			TranscriptWindow:      d.TranscriptWindow,
		},
		Protocol: ProtocolConfig{
			StallThreshold: protocol.DefaultConfig().StallThreshold,
		},
		Workers: WorkersConfig{
			History:   HistoryWorkerConfig{Enabled: true, Limit: 3},
			Personal:  PersonalWorkerConfig{Enabled: true, Watch: true},
			Tasks:     TasksWorkerConfig{Enabled: true, Limit: 10},
			Search:    SearchWorkerConfig{Enabled: true, APIKeyEnv: "BRAVE_API_KEY", Count: 5, MaxRetries: 2, Timeout: Duration{10 * time.Second}},
			Synthesis: SynthesisWorkerConfig{Enabled: true, MaxTokens: 512},
		},
		Remote: RemoteConfig{
			Prefix: "conclave.worker",
			Queue:  "conclave",
		},
		LLM: LLMConfig{
			MaxTokens:    d.MaxTokens,
			MaxRetries:   5,
			RetryBackoff: Duration{60 * time.Second},
		},
		Storage: StorageConfig{
			Path:           "~/.local/conclave",
			PersistHistory: true,
		},
		Telemetry: TelemetryConfig{
			Protocol: "noop",
		},
	}
}

// Default returns a default configuration.
func Default() *Config {
	return New()
}

// LoadFile loads configuration from a TOML file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads conclave.toml from the current directory, or returns the
// defaults when there is none.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	path := filepath.Join(cwd, "conclave.toml")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return New(), nil
	}
	return LoadFile(path)
}

// Validate rejects settings the director cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Director.MaxCallsPerTurn < 0 {
		problems = append(problems, "director.max_calls_per_turn must be >= 0")
	}
	if c.Director.SuppressionWindow < 0 {
		problems = append(problems, "director.suppression_window must be >= 0")
	}
	if c.Director.CallTimeout.Duration < 0 || c.Director.CoordinationTimeout.Duration < 0 {
		problems = append(problems, "director timeouts must be >= 0")
	}
	for i, t := range c.Director.Triggers {
		if t.Worker == "" {
			problems = append(problems, fmt.Sprintf("director.triggers[%d] has no worker", i))
		}
	}
	if c.Protocol.StallThreshold < 0 {
		problems = append(problems, "protocol.stall_threshold must be >= 0")
	}
	for name := range c.Protocol.Markers {
		if !knownPhase(name) {
			problems = append(problems, fmt.Sprintf("protocol.markers: unknown phase %q", name))
		}
	}
	for name := range c.Protocol.Nudges {
		if !knownPhase(name) {
			problems = append(problems, fmt.Sprintf("protocol.nudges: unknown phase %q", name))
		}
	}
	for i, w := range c.Remote.Workers {
		if w.Name == "" {
			problems = append(problems, fmt.Sprintf("remote.workers[%d] has no name", i))
		}
	}
	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

func knownPhase(name string) bool {
	switch protocol.Phase(name) {
	case protocol.PhaseProblem, protocol.PhaseCrux, protocol.PhaseAction:
		return true
	}
	return false
}

// DirectorPolicy converts the [director] section into a director.Config.
// Zero values fall back to the director's own defaults.
func (c *Config) DirectorPolicy() director.Config {
	d := c.Director
	return director.Config{
		Triggers:              d.Triggers,
		MaxCallsPerTurn:       d.MaxCallsPerTurn,
		SuppressionWindow:     d.SuppressionWindow,
		CallTimeout:           d.CallTimeout.Duration,
		CoordinationTimeout:   d.CoordinationTimeout.Duration,
		EscalationMinMessages: d.EscalationMinMessages,
		ComplexityKeywords:    d.ComplexityKeywords,
		SystemPrompt:          d.SystemPrompt,
		MaxTokens:             c.LLM.MaxTokens,
		Temperature:           d.Temperature,
		DecisionMaxTokens:     d.DecisionMaxTokens,
		TranscriptWindow:      d.TranscriptWindow,
		FallbackReply:         d.FallbackReply,
	}
}

// TrackerConfig converts the [protocol] section, layered over the built-in
// markers and nudges.
func (c *Config) TrackerConfig() protocol.Config {
	pc := protocol.DefaultConfig()
	if c.Protocol.StallThreshold > 0 {
		pc.StallThreshold = c.Protocol.StallThreshold
	}
	for name, markers := range c.Protocol.Markers {
		pc.Markers[protocol.Phase(name)] = markers
	}
	if len(c.Protocol.FastForward) > 0 {
		pc.FastForward = c.Protocol.FastForward
	}
	for name, nudge := range c.Protocol.Nudges {
		pc.Nudges[protocol.Phase(name)] = nudge
	}
	return pc
}

// StorageDir returns the storage path with ~ expanded.
func (c *Config) StorageDir() string {
	return ExpandPath(c.Storage.Path)
}

// SessionsDir is where finished conversations are written.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.StorageDir(), "sessions")
}

// HistoryIndexDir is the bleve index directory, or "" for an in-memory index.
func (c *Config) HistoryIndexDir() string {
	if !c.Storage.PersistHistory {
		return ""
	}
	return filepath.Join(c.StorageDir(), "history")
}

// ProfilePath returns the personal profile path.
func (c *Config) ProfilePath() string {
	if c.Workers.Personal.Profile != "" {
		return ExpandPath(c.Workers.Personal.Profile)
	}
	return filepath.Join(c.StorageDir(), "profile.yaml")
}

// TasksDatabase returns the task database path.
func (c *Config) TasksDatabase() string {
	if c.Workers.Tasks.Database != "" {
		return ExpandPath(c.Workers.Tasks.Database)
	}
	return filepath.Join(c.StorageDir(), "tasks.db")
}

// DecisionLLM returns [small_llm] with unset fields filled from [llm].
func (c *Config) DecisionLLM() LLMConfig {
	s := c.SmallLLM
	if s.Model == "" {
		return c.LLM
	}
	if s.Provider == "" {
		s.Provider = c.LLM.Provider
	}
	if s.APIKeyEnv == "" {
		s.APIKeyEnv = c.LLM.APIKeyEnv
	}
	if s.MaxTokens == 0 {
		s.MaxTokens = c.Director.DecisionMaxTokens
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = c.LLM.MaxRetries
	}
	if s.RetryBackoff.Duration == 0 {
		s.RetryBackoff = c.LLM.RetryBackoff
	}
	return s
}

// GetAPIKey returns the API key from the configured environment variable.
// If api_key_env is not set, uses the default env var for the provider.
func (l LLMConfig) GetAPIKey() string {
	envVar := l.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(l.Provider)
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// SearchAPIKey returns the search API key from its environment variable.
func (c *Config) SearchAPIKey() string {
	if c.Workers.Search.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Workers.Search.APIKeyEnv)
}

// DefaultAPIKeyEnv returns the default environment variable name for a provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	default:
		return ""
	}
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
