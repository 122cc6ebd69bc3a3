// Package workers provides the built-in context workers.
package workers

import (
	"context"
	"fmt"
	"strings"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/conclave/internal/memory"
	"github.com/vinayprograms/conclave/internal/worker"
)

// HistoryName is the registry name of the history worker.
const HistoryName = "history"

// History recalls related exchanges from earlier conversations and indexes
// every completed exchange of the current one.
type History struct {
	index  *memory.Index
	limit  int
	logger *logging.Logger
}

// NewHistory creates a history worker over index.
func NewHistory(index *memory.Index, limit int) *History {
	if limit <= 0 {
		limit = 3
	}
	return &History{
		index:  index,
		limit:  limit,
		logger: logging.New().WithComponent("worker.history"),
	}
}

func (h *History) Name() string { return HistoryName }

func (h *History) Capabilities() []worker.Capability {
	return []worker.Capability{worker.CapHistory}
}

// Initialize verifies the index is usable.
func (h *History) Initialize(ctx context.Context) error {
	if h.index == nil {
		return fmt.Errorf("history index not configured")
	}
	n, err := h.index.Count()
	if err != nil {
		return fmt.Errorf("history index unreadable: %w", err)
	}
	h.logger.Debug("history index ready", map[string]interface{}{"exchanges": n})
	return nil
}

// HandleRequest searches past conversations, skipping the requesting one.
func (h *History) HandleRequest(ctx context.Context, req worker.Request) worker.Response {
	if h.index == nil {
		return worker.Failed(HistoryName, req.RequestID, "history index not configured")
	}
	current := worker.ContextString(req.Context, "conversation_id")
	hits, err := h.index.Search(ctx, req.Query, h.limit, current)
	if err != nil {
		return worker.Failed(HistoryName, req.RequestID, err.Error())
	}
	if len(hits) == 0 {
		return worker.Succeeded(HistoryName, req, "No related past conversations.", map[string]interface{}{"hits": 0})
	}

	var sb strings.Builder
	sb.WriteString("Related moments from past conversations:\n")
	for _, hit := range hits {
		date := ""
		if !hit.CreatedAt.IsZero() {
			date = hit.CreatedAt.Format("2006-01-02") + " "
		}
		sb.WriteString(fmt.Sprintf("- %suser: %s\n  reply: %s\n", date, clip(hit.User, 200), clip(hit.Assistant, 200)))
	}
	return worker.Succeeded(HistoryName, req, strings.TrimSpace(sb.String()), map[string]interface{}{
		"hits":      len(hits),
		"top_score": hits[0].Score,
	})
}

// ObserveExchange indexes a completed exchange under the conversation carried by ctx.
func (h *History) ObserveExchange(ctx context.Context, user, assistant string) {
	if h.index == nil {
		return
	}
	if _, err := h.index.Add(ctx, worker.ConversationFrom(ctx), user, assistant); err != nil {
		h.logger.Warn("failed to index exchange", map[string]interface{}{"error": err.Error()})
	}
}

// clip shortens s to n bytes on a word boundary.
func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	if i := strings.LastIndex(cut, " "); i > n/2 {
		cut = cut[:i]
	}
	return cut + "..."
}
