// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// Globals are flags shared by every command.
type Globals struct {
	Config string `short:"c" help:"Config file path (default ./conclave.toml)" type:"path"`
}

// CLI defines the command-line interface.
type CLI struct {
	Globals `embed:""`

	Chat    ChatCmd    `cmd:"" default:"withargs" help:"Start a conversation"`
	Workers WorkersCmd `cmd:"" help:"List configured workers and their status"`
	Replay  ReplayCmd  `cmd:"" help:"Show a saved conversation, or list them"`
	Task    TaskCmd    `cmd:"" help:"Manage the task list"`
	Serve   ServeCmd   `cmd:"" help:"Serve local workers over NATS"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// ChatCmd runs an interactive conversation.
type ChatCmd struct {
	Resume   string `short:"r" help:"Resume a saved conversation (ID or path)"`
	Plain    bool   `help:"Use line-oriented I/O instead of the full-screen UI"`
	NoRemote bool   `help:"Do not connect to remote workers"`
}

// WorkersCmd lists the worker registry.
type WorkersCmd struct {
	NoRemote bool `help:"Do not connect to remote workers"`
}

// ReplayCmd renders a saved conversation.
type ReplayCmd struct {
	Conversation string `arg:"" optional:"" help:"Conversation ID or file; lists saved conversations when omitted"`
	NoPager      bool   `help:"Disable pager for output"`
	Width        int    `default:"100" help:"Wrap width for non-paged output"`
}

// TaskCmd groups the task list subcommands.
type TaskCmd struct {
	Add  TaskAddCmd  `cmd:"" help:"Add a task"`
	List TaskListCmd `cmd:"" help:"List tasks"`
	Done TaskDoneCmd `cmd:"" help:"Mark a task done"`
}

// TaskAddCmd adds a task.
type TaskAddCmd struct {
	Title []string `arg:"" help:"Task title"`
	Due   string   `help:"Due date (YYYY-MM-DD or RFC 3339)"`
}

// TaskListCmd lists tasks.
type TaskListCmd struct {
	All bool `short:"a" help:"Include completed tasks"`
}

// TaskDoneCmd completes a task.
type TaskDoneCmd struct {
	ID int64 `arg:"" help:"Task ID"`
}

// ServeCmd exposes local workers to other processes over NATS.
type ServeCmd struct {
	URL     string   `help:"NATS server URL (overrides [remote] url)"`
	Workers []string `short:"w" help:"Workers to serve (default all local workers)"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
