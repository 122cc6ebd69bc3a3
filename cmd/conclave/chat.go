package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/vinayprograms/conclave/internal/chatui"
	"github.com/vinayprograms/conclave/internal/session"
)

// Run starts a conversation, in the full-screen UI when stdin and stdout are
// terminals.
func (c *ChatCmd) Run(g *Globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	rt := newRuntime(cfg, globalCreds, runtimeOptions{requireLLM: true, remote: !c.NoRemote})
	defer rt.cleanup()
	if err := rt.setup(ctx); err != nil {
		return err
	}

	var resumed *session.Conversation
	if c.Resume != "" {
		resumed, err = rt.store.LoadConversation(rt.store.Resolve(c.Resume))
		if err != nil {
			return fmt.Errorf("resuming conversation: %w", err)
		}
	}

	d := rt.newDirector(resumed)
	chat := chatui.NewChat(d, rt.registry, rt.store)
	chat.OnTurn(rt.logTurn)
	greeting := greetingFor(resumed, rt.failed)

	if c.Plain || !isTerminal(os.Stdin) || !isTerminal(os.Stdout) {
		return chatui.RunLines(ctx, chat, os.Stdin, os.Stdout, greeting)
	}
	return chatui.Run(ctx, chat, greeting)
}

// greetingFor opens the transcript, mentioning a resumed conversation and
// workers that could not start.
func greetingFor(resumed *session.Conversation, failed map[string]error) string {
	var sb strings.Builder
	if resumed != nil {
		fmt.Fprintf(&sb, "Resuming conversation %s (%d messages).", resumed.ID, len(resumed.Messages))
	} else {
		sb.WriteString("What's on your mind?")
	}
	if len(failed) > 0 {
		names := make([]string, 0, len(failed))
		for name := range failed {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(&sb, "\n(unavailable: %s)", strings.Join(names, ", "))
	}
	return sb.String()
}
