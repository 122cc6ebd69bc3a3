package chatui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vinayprograms/conclave/internal/generate"
	"github.com/vinayprograms/conclave/internal/report"
)

const roleNotice = "notice"

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))
)

// replyMsg carries a finished turn back to the UI goroutine.
type replyMsg struct {
	reply   string
	summary report.TurnSummary
}

// savedMsg reports the outcome of saving on stop or exit.
type savedMsg struct {
	path string
	err  error
	quit bool
}

// Model is the full-screen chat UI.
type Model struct {
	ctx   context.Context
	chat  *Chat
	title string

	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model
	ready    bool
	width    int

	entries []generate.Message
	waiting bool
	last    report.TurnSummary
}

// NewModel creates the chat UI for chat. greeting, if set, opens the transcript.
func NewModel(ctx context.Context, chat *Chat, greeting string) *Model {
	in := textinput.New()
	in.Placeholder = "Say something, or: stop, deep report, exit"
	in.CharLimit = 4000
	in.Prompt = "> "
	in.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := &Model{
		ctx:     ctx,
		chat:    chat,
		title:   "conclave " + chat.Director().ID(),
		input:   in,
		spinner: sp,
	}
	if greeting != "" {
		m.entries = append(m.entries, generate.Message{Role: generate.RoleAssistant, Content: greeting})
	}
	return m
}

// Run starts the full-screen UI and blocks until the user exits.
func Run(ctx context.Context, chat *Chat, greeting string) error {
	prog := tea.NewProgram(NewModel(ctx, chat, greeting), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := prog.Run()
	return err
}

func (m *Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		height := msg.Height - 3 // header, input, footer
		if !m.ready {
			m.viewport = viewport.New(msg.Width, height)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = height
		}
		m.input.Width = msg.Width - 4
		m.refresh()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, m.saveCmd(true)
		case "enter":
			if cmd := m.submit(); cmd != nil {
				return m, cmd
			}
			return m, nil
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case replyMsg:
		m.waiting = false
		m.last = msg.summary
		m.entries = append(m.entries, generate.Message{Role: generate.RoleAssistant, Content: msg.reply})
		m.refresh()
		return m, nil

	case savedMsg:
		switch {
		case msg.err != nil:
			m.notice(fmt.Sprintf("Could not save conversation: %v", msg.err))
		case msg.path != "":
			m.notice("Saved to " + msg.path)
		}
		if msg.quit {
			return m, tea.Quit
		}
		return m, nil

	case spinner.TickMsg:
		if m.waiting {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// submit handles the current input line.
func (m *Model) submit() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" || m.waiting {
		return nil
	}
	m.input.SetValue("")

	switch ParseCommand(text) {
	case CommandExit:
		return m.saveCmd(true)
	case CommandStop:
		m.notice(m.chat.Status())
		m.notice("Conversation stopped. Type 'deep report' for details or 'exit' to leave.")
		return m.stopCmd()
	case CommandDeepReport:
		m.notice(m.chat.DeepReport(m.width))
		return nil
	}
	if m.chat.Stopped() {
		m.notice("This conversation is stopped. Type 'exit' to leave.")
		return nil
	}

	m.entries = append(m.entries, generate.Message{Role: generate.RoleUser, Content: text})
	m.waiting = true
	m.refresh()

	ctx, chat := m.ctx, m.chat
	return tea.Batch(m.spinner.Tick, func() tea.Msg {
		reply, summary := chat.Send(ctx, text)
		return replyMsg{reply: reply, summary: summary}
	})
}

func (m *Model) stopCmd() tea.Cmd {
	chat := m.chat
	return func() tea.Msg {
		path, err := chat.Stop()
		return savedMsg{path: path, err: err}
	}
}

func (m *Model) saveCmd(quit bool) tea.Cmd {
	chat := m.chat
	return func() tea.Msg {
		path, err := chat.Close()
		return savedMsg{path: path, err: err, quit: quit}
	}
}

func (m *Model) notice(text string) {
	m.entries = append(m.entries, generate.Message{Role: roleNotice, Content: text})
	m.refresh()
}

// refresh re-renders the transcript and scrolls to the end.
func (m *Model) refresh() {
	if !m.ready {
		return
	}
	var sb strings.Builder
	var pending []generate.Message
	flush := func() {
		if len(pending) > 0 {
			sb.WriteString(report.Transcript(pending, m.width))
			pending = nil
		}
	}
	for _, e := range m.entries {
		if e.Role == roleNotice {
			flush()
			sb.WriteString(e.Content + "\n\n")
			continue
		}
		pending = append(pending, e)
	}
	flush()
	m.viewport.SetContent(report.Wrap(sb.String(), m.width))
	m.viewport.GotoBottom()
}

func (m *Model) View() string {
	if !m.ready {
		return "\n  Loading..."
	}
	header := headerStyle.Render(m.title)

	var status string
	switch {
	case m.waiting:
		status = m.spinner.View() + " gathering context..."
	case m.chat.Stopped():
		status = "stopped │ deep report │ exit"
	default:
		snap := m.chat.Director().Snapshot()
		status = fmt.Sprintf("stage %d │ phase %s │ exchange %d", int(snap.Stage), snap.Protocol.Phase, snap.Exchange)
		if m.last.Mode != "" {
			status += " │ last turn " + m.last.Mode
		}
	}
	return header + "\n" + m.viewport.View() + "\n" + m.input.View() + "\n" + footerStyle.Render(status)
}
