package dispatch

import (
	"strings"
	"time"

	"github.com/vinayprograms/conclave/internal/worker"
)

// Strategy sources.
const (
	SourceAssisted = "assisted"
	SourceFallback = "fallback"
)

// FallbackDirect is the advice attached to a fully failed coordination.
const FallbackDirect = "direct calls recommended"

// Coordination statuses.
const (
	CoordinationSuccess = "success"
	CoordinationPartial = "partial"
	CoordinationError   = "error"
)

// Strategy is the plan for one coordinated turn: which workers to query and
// with which prompt.
type Strategy struct {
	AgentsToQuery   []string          `json:"agents_to_query"`
	PerWorkerPrompt map[string]string `json:"prompts,omitempty"`

	// Query is used for workers without a dedicated prompt.
	Query   string                 `json:"-"`
	Context map[string]interface{} `json:"-"`
	Source  string                 `json:"-"`
}

// Workers returns the distinct, non-empty worker names in plan order.
func (s Strategy) Workers() []string {
	seen := make(map[string]bool, len(s.AgentsToQuery))
	var names []string
	for _, n := range s.AgentsToQuery {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		names = append(names, n)
	}
	return names
}

// QueryFor returns the prompt for a worker, falling back to the default query.
func (s Strategy) QueryFor(name string) string {
	if p, ok := s.PerWorkerPrompt[name]; ok && strings.TrimSpace(p) != "" {
		return p
	}
	return s.Query
}

// CoordinationResult summarizes a coordinated fan-out.
type CoordinationResult struct {
	Status    string                     `json:"status"`
	Responses map[string]worker.Response `json:"responses,omitempty"`
	Succeeded []string                   `json:"succeeded,omitempty"`
	Failed    []string                   `json:"failed,omitempty"`
	Error     string                     `json:"error,omitempty"`
	Fallback  string                     `json:"fallback,omitempty"`
	Source    string                     `json:"source,omitempty"`
	Duration  time.Duration              `json:"duration"`
}

// OK reports whether at least one worker contributed.
func (c CoordinationResult) OK() bool {
	return c.Status == CoordinationSuccess || c.Status == CoordinationPartial
}

func copyContext(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
