package workers

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/conclave/internal/worker"
)

func newTaskStore(t *testing.T) *TaskStore {
	t.Helper()
	store, err := OpenTaskStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTaskStore_AddListComplete(t *testing.T) {
	store := newTaskStore(t)
	ctx := context.Background()

	later := time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC)
	sooner := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	a, err := store.Add(ctx, "undated chore", nil)
	if err != nil {
		t.Fatal(err)
	}
	store.Add(ctx, "second", &later)
	store.Add(ctx, "first", &sooner)

	tasks, err := store.List(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	var titles []string
	for _, task := range tasks {
		titles = append(titles, task.Title)
	}
	if got := strings.Join(titles, ","); got != "first,second,undated chore" {
		t.Errorf("order = %s", got)
	}

	if err := store.Complete(ctx, a); err != nil {
		t.Fatal(err)
	}
	open, _ := store.List(ctx, false)
	all, _ := store.List(ctx, true)
	if len(open) != 2 || len(all) != 3 {
		t.Errorf("open=%d all=%d", len(open), len(all))
	}

	if err := store.Complete(ctx, 999); err == nil {
		t.Error("expected error for unknown task")
	}
	if _, err := store.Add(ctx, "   ", nil); err == nil {
		t.Error("expected error for empty title")
	}
}

func TestTasks_HandleRequest(t *testing.T) {
	store := newTaskStore(t)
	now := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	past := now.Add(-48 * time.Hour)
	future := now.Add(48 * time.Hour)
	store.Add(ctx, "file taxes", &past)
	store.Add(ctx, "book dentist", &future)

	w := NewTasks(store, 0)
	if err := w.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		query   string
		want    []string
		notWant []string
	}{
		{"all open", "what's on my plate", []string{"file taxes", "[overdue]", "book dentist"}, nil},
		{"overdue only", "anything overdue?", []string{"file taxes"}, []string{"book dentist"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := w.HandleRequest(ctx, worker.NewRequest("director", TasksName, tt.query, nil))
			if !resp.OK() {
				t.Fatalf("unexpected error: %s", resp.Error)
			}
			for _, s := range tt.want {
				if !strings.Contains(resp.Content, s) {
					t.Errorf("missing %q in %q", s, resp.Content)
				}
			}
			for _, s := range tt.notWant {
				if strings.Contains(resp.Content, s) {
					t.Errorf("unexpected %q in %q", s, resp.Content)
				}
			}
			if resp.Metadata["overdue"] != 1 {
				t.Errorf("overdue = %v", resp.Metadata["overdue"])
			}
		})
	}
}

func TestTasks_Empty(t *testing.T) {
	w := NewTasks(newTaskStore(t), 5)
	resp := w.HandleRequest(context.Background(), worker.NewRequest("d", TasksName, "tasks", nil))
	if resp.Content != "No open tasks." {
		t.Errorf("content = %q", resp.Content)
	}
}
