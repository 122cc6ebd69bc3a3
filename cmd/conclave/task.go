package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/vinayprograms/conclave/internal/workers"
)

// openTasks opens the configured task database.
func openTasks(g *Globals) (*workers.TaskStore, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StorageDir(), 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return workers.OpenTaskStore(cfg.TasksDatabase())
}

// Run adds a task.
func (c *TaskAddCmd) Run(g *Globals) error {
	due, err := parseDue(c.Due)
	if err != nil {
		return err
	}
	store, err := openTasks(g)
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := store.Add(context.Background(), strings.Join(c.Title, " "), due)
	if err != nil {
		return err
	}
	fmt.Printf("Added task %d\n", id)
	return nil
}

// Run lists tasks.
func (c *TaskListCmd) Run(g *Globals) error {
	store, err := openTasks(g)
	if err != nil {
		return err
	}
	defer store.Close()

	tasks, err := store.List(context.Background(), c.All)
	if err != nil {
		return err
	}
	printTasks(os.Stdout, tasks, time.Now())
	return nil
}

// Run marks a task done.
func (c *TaskDoneCmd) Run(g *Globals) error {
	store, err := openTasks(g)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Complete(context.Background(), c.ID); err != nil {
		return err
	}
	fmt.Printf("Completed task %d\n", c.ID)
	return nil
}

func printTasks(w io.Writer, tasks []workers.Task, now time.Time) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks.")
		return
	}
	for _, t := range tasks {
		mark := " "
		if t.Done {
			mark = "x"
		}
		line := fmt.Sprintf("[%s] %4d  %s", mark, t.ID, t.Title)
		if t.Due != nil {
			line += "  (due " + t.Due.Local().Format("2006-01-02") + ")"
		}
		if t.Overdue(now) {
			line += "  overdue"
		}
		fmt.Fprintln(w, line)
	}
}
