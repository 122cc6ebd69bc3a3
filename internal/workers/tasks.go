package workers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/vinayprograms/agentkit/logging"
	_ "modernc.org/sqlite"

	"github.com/vinayprograms/conclave/internal/worker"
)

// TasksName is the registry name of the tasks worker.
const TasksName = "tasks"

const tasksSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	title      TEXT NOT NULL,
	due        TEXT,
	done       INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
)`

// Task is one entry of the user's task list.
type Task struct {
	ID        int64
	Title     string
	Due       *time.Time
	Done      bool
	CreatedAt time.Time
}

// Overdue reports whether an open task is past its due date.
func (t Task) Overdue(now time.Time) bool {
	return !t.Done && t.Due != nil && t.Due.Before(now)
}

// TaskStore is a SQLite-backed task list.
type TaskStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenTaskStore opens the task database at path with WAL mode and a busy timeout.
func OpenTaskStore(path string) (*TaskStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, tasksSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tasks schema: %w", err)
	}
	return &TaskStore{db: db, now: time.Now}, nil
}

// Add inserts a task and returns its ID.
func (s *TaskStore) Add(ctx context.Context, title string, due *time.Time) (int64, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return 0, errors.New("task title is empty")
	}
	var dueVal interface{}
	if due != nil {
		dueVal = due.UTC().Format(time.RFC3339)
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO tasks (title, due, created_at) VALUES (?, ?, ?)",
		title, dueVal, s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	return res.LastInsertId()
}

// Complete marks a task done.
func (s *TaskStore) Complete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "UPDATE tasks SET done = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("complete task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d not found", id)
	}
	return nil
}

// List returns tasks ordered by due date (undated last), then by ID.
func (s *TaskStore) List(ctx context.Context, includeDone bool) ([]Task, error) {
	q := "SELECT id, title, due, done, created_at FROM tasks"
	if !includeDone {
		q += " WHERE done = 0"
	}
	q += " ORDER BY due IS NULL, due, id"

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var (
			t       Task
			due     sql.NullString
			done    int
			created string
		)
		if err := rows.Scan(&t.ID, &t.Title, &due, &done, &created); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Done = done != 0
		if due.Valid {
			if d, err := time.Parse(time.RFC3339, due.String); err == nil {
				t.Due = &d
			}
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339, created)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Close closes the database.
func (s *TaskStore) Close() error {
	return s.db.Close()
}

// Tasks answers with the user's open tasks.
type Tasks struct {
	store  *TaskStore
	limit  int
	logger *logging.Logger
}

// NewTasks creates a tasks worker over store.
func NewTasks(store *TaskStore, limit int) *Tasks {
	if limit <= 0 {
		limit = 10
	}
	return &Tasks{
		store:  store,
		limit:  limit,
		logger: logging.New().WithComponent("worker.tasks"),
	}
}

func (t *Tasks) Name() string { return TasksName }

func (t *Tasks) Capabilities() []worker.Capability {
	return []worker.Capability{worker.CapTasks}
}

// Initialize checks the store is reachable.
func (t *Tasks) Initialize(ctx context.Context) error {
	if t.store == nil {
		return errors.New("task store not configured")
	}
	return t.store.db.PingContext(ctx)
}

// HandleRequest lists open tasks. Queries mentioning overdue or late tasks
// only list those.
func (t *Tasks) HandleRequest(ctx context.Context, req worker.Request) worker.Response {
	if t.store == nil {
		return worker.Failed(TasksName, req.RequestID, "task store not configured")
	}
	tasks, err := t.store.List(ctx, false)
	if err != nil {
		return worker.Failed(TasksName, req.RequestID, err.Error())
	}

	now := t.store.now()
	onlyOverdue := false
	for _, w := range strings.FieldsFunc(strings.ToLower(req.Query), func(r rune) bool {
		return !unicode.IsLetter(r)
	}) {
		if w == "overdue" || w == "late" {
			onlyOverdue = true
		}
	}

	var lines []string
	overdue := 0
	for _, task := range tasks {
		if task.Overdue(now) {
			overdue++
		} else if onlyOverdue {
			continue
		}
		if len(lines) >= t.limit {
			continue
		}
		line := "- " + task.Title
		if task.Due != nil {
			line += " (due " + task.Due.Format("2006-01-02") + ")"
		}
		if task.Overdue(now) {
			line += " [overdue]"
		}
		lines = append(lines, line)
	}

	meta := map[string]interface{}{"open": len(tasks), "overdue": overdue}
	if len(lines) == 0 {
		return worker.Succeeded(TasksName, req, "No open tasks.", meta)
	}
	content := fmt.Sprintf("Open tasks (%d, %d overdue):\n%s", len(tasks), overdue, strings.Join(lines, "\n"))
	return worker.Succeeded(TasksName, req, content, meta)
}
