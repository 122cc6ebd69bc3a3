package workers

import (
	"context"
	"strings"
	"testing"

	"github.com/vinayprograms/conclave/internal/memory"
	"github.com/vinayprograms/conclave/internal/worker"
)

func newHistory(t *testing.T) (*History, *memory.Index) {
	t.Helper()
	idx, err := memory.Open("")
	if err != nil {
		t.Fatalf("failed to open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return NewHistory(idx, 3), idx
}

func TestHistory_RecallsPastConversations(t *testing.T) {
	h, idx := newHistory(t)
	ctx := context.Background()
	if err := h.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	idx.Add(ctx, "last-week", "I keep putting off the garden project", "What is blocking it?")

	req := worker.NewRequest("director", HistoryName, "the garden project again", map[string]interface{}{
		"conversation_id": "today",
	})
	resp := h.HandleRequest(ctx, req)
	if !resp.OK() {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	if !strings.Contains(resp.Content, "garden project") {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Metadata["hits"] != 1 {
		t.Errorf("hits = %v", resp.Metadata["hits"])
	}
}

func TestHistory_ObserveExchangeSkipsCurrentConversation(t *testing.T) {
	h, _ := newHistory(t)
	ctx := worker.WithConversation(context.Background(), "today")

	h.ObserveExchange(ctx, "thinking about the garden", "tell me more")

	req := worker.NewRequest("director", HistoryName, "garden", map[string]interface{}{
		"conversation_id": "today",
	})
	resp := h.HandleRequest(ctx, req)
	if resp.Content != "No related past conversations." {
		t.Errorf("current conversation leaked: %q", resp.Content)
	}

	req.Context["conversation_id"] = "tomorrow"
	resp = h.HandleRequest(ctx, req)
	if !strings.Contains(resp.Content, "thinking about the garden") {
		t.Errorf("observed exchange not recalled: %q", resp.Content)
	}
}

func TestHistory_NoIndex(t *testing.T) {
	h := NewHistory(nil, 0)
	if err := h.Initialize(context.Background()); err == nil {
		t.Error("expected initialize error")
	}
	resp := h.HandleRequest(context.Background(), worker.NewRequest("d", HistoryName, "q", nil))
	if resp.OK() || resp.Content == "" {
		t.Errorf("expected failed response with fallback content, got %+v", resp)
	}
}

func TestClip(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"  spaced   out  ", 20, "spaced out"},
		{"one two three four five", 12, "one two..."},
	}
	for _, tt := range tests {
		if got := clip(tt.in, tt.n); got != tt.want {
			t.Errorf("clip(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
