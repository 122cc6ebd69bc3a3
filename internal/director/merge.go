package director

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vinayprograms/conclave/internal/protocol"
	"github.com/vinayprograms/conclave/internal/worker"
)

// MergeContext renders successful, non-empty responses as one context block.
// Names in order come first, in that order; any others follow by name.
func MergeContext(responses map[string]worker.Response, order []string) string {
	seen := make(map[string]bool, len(responses))
	var names []string
	for _, n := range order {
		if _, ok := responses[n]; ok && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	var rest []string
	for n := range responses {
		if !seen[n] {
			rest = append(rest, n)
		}
	}
	sort.Strings(rest)
	names = append(names, rest...)

	var sb strings.Builder
	for _, n := range names {
		resp := responses[n]
		content := strings.TrimSpace(resp.Content)
		if !resp.OK() || content == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(fmt.Sprintf("[%s]\n%s", n, content))
	}
	return sb.String()
}

// buildSystemPrompt appends merged context, protocol focus and a pending nudge
// to the base prompt.
func buildSystemPrompt(base, merged string, state protocol.State, nudge string) string {
	var sb strings.Builder
	sb.WriteString(base)

	if merged != "" {
		sb.WriteString("\n\nAdditional context:\n")
		sb.WriteString(merged)
	}

	if state.Phase != "" && state.Phase != protocol.PhaseDone {
		sb.WriteString(fmt.Sprintf("\n\nConversation focus: %s.", state.Phase))
		if state.Artifacts.Problem != "" {
			sb.WriteString(fmt.Sprintf("\nProblem so far: %s", state.Artifacts.Problem))
		}
		if state.Artifacts.Crux != "" {
			sb.WriteString(fmt.Sprintf("\nCrux so far: %s", state.Artifacts.Crux))
		}
	}

	if nudge != "" {
		sb.WriteString("\n\nFor this reply: ")
		sb.WriteString(nudge)
	}
	return sb.String()
}
