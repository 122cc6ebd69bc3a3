package main

import (
	"fmt"
	"io"
	"os"

	"github.com/vinayprograms/conclave/internal/config"
	"github.com/vinayprograms/conclave/internal/report"
	"github.com/vinayprograms/conclave/internal/session"
)

// Run lists saved conversations, or renders one.
func (c *ReplayCmd) Run(g *Globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	store, err := session.NewFileStore(cfg.SessionsDir())
	if err != nil {
		return err
	}

	if c.Conversation == "" {
		return listConversations(os.Stdout, store)
	}

	conv, err := store.LoadConversation(store.Resolve(c.Conversation))
	if err != nil {
		return err
	}
	if c.NoPager || !isTerminal(os.Stdout) {
		fmt.Println(report.Conversation(conv, c.Width))
		return nil
	}
	return report.Page("conversation "+conv.ID, report.Conversation(conv, 0))
}

func listConversations(w io.Writer, store *session.FileStore) error {
	list, err := store.List()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintf(w, "No saved conversations in %s\n", config.ExpandPath(store.Dir()))
		return nil
	}
	for _, s := range list {
		fmt.Fprintf(w, "%-36s  %s  %6d bytes\n", s.ID, s.UpdatedAt.Local().Format("2006-01-02 15:04"), s.Size)
	}
	return nil
}
