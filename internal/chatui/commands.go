// Package chatui is the interactive chat front end: command parsing, the
// conversation controller and the terminal UI.
package chatui

import "strings"

// Command is a control command typed in place of a message.
type Command int

const (
	CommandNone Command = iota
	CommandStop
	CommandDeepReport
	CommandExit
)

func (c Command) String() string {
	switch c {
	case CommandStop:
		return "stop"
	case CommandDeepReport:
		return "deep report"
	case CommandExit:
		return "exit"
	default:
		return "none"
	}
}

var commandWords = map[string]Command{
	"stop":        CommandStop,
	"pause":       CommandStop,
	"end session": CommandStop,
	"deep report": CommandDeepReport,
	"deep-report": CommandDeepReport,
	"report":      CommandDeepReport,
	"full report": CommandDeepReport,
	"exit":        CommandExit,
	"quit":        CommandExit,
	"bye":         CommandExit,
}

// ParseCommand recognizes a command when it is the whole input, ignoring
// case, surrounding space, a leading slash and trailing punctuation.
func ParseCommand(input string) Command {
	s := strings.ToLower(strings.TrimSpace(input))
	s = strings.TrimPrefix(s, "/")
	s = strings.TrimRight(s, ".!?")
	s = strings.Join(strings.Fields(s), " ")
	return commandWords[s]
}
