package chatui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// RunLines runs the conversation over plain line-oriented I/O, for pipes and
// terminals without full-screen support.
func RunLines(ctx context.Context, chat *Chat, in io.Reader, out io.Writer, greeting string) error {
	if greeting != "" {
		fmt.Fprintln(out, greeting)
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		switch ParseCommand(text) {
		case CommandExit:
			return closeChat(chat, out)
		case CommandStop:
			path, err := chat.Stop()
			fmt.Fprintln(out, chat.Status())
			reportSaved(out, path, err)
			fmt.Fprintln(out, "Conversation stopped. Type 'deep report' for details or 'exit' to leave.")
			continue
		case CommandDeepReport:
			fmt.Fprintln(out, chat.DeepReport(0))
			continue
		}
		if chat.Stopped() {
			fmt.Fprintln(out, "This conversation is stopped. Type 'exit' to leave.")
			continue
		}
		reply, _ := chat.Send(ctx, text)
		fmt.Fprintln(out, reply)
		if ctx.Err() != nil {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return closeChat(chat, out)
}

func closeChat(chat *Chat, out io.Writer) error {
	path, err := chat.Close()
	reportSaved(out, path, err)
	return err
}

func reportSaved(out io.Writer, path string, err error) {
	if err != nil {
		fmt.Fprintf(out, "Could not save conversation: %v\n", err)
		return
	}
	if path != "" {
		fmt.Fprintf(out, "Saved to %s\n", path)
	}
}
