package report

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"
)

var (
	pagerTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	pagerInfoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))
)

// Page shows content in a full-screen pager with search.
func Page(title, content string) error {
	prog := tea.NewProgram(
		NewPagerModel(title, content),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	_, err := prog.Run()
	return err
}

// PagerModel is the Bubble Tea model behind Page.
type PagerModel struct {
	viewport viewport.Model
	title    string
	content  string
	wrapped  string
	ready    bool

	searching   bool
	searchInput textinput.Model
	searchQuery string
	matches     []int // line numbers in wrapped content
	matchIndex  int
	notFound    bool
}

// NewPagerModel creates a pager model for content.
func NewPagerModel(title, content string) *PagerModel {
	return &PagerModel{title: title, content: content}
}

func (m *PagerModel) Init() tea.Cmd { return nil }

func (m *PagerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	if m.searching {
		if key, ok := msg.(tea.KeyMsg); ok {
			switch key.String() {
			case "enter":
				m.searchQuery = m.searchInput.Value()
				m.searching = false
				m.search()
				m.jump(0)
				return m, nil
			case "esc", "ctrl+c":
				m.searching = false
				m.clearSearch()
				return m, nil
			}
		}
		m.searchInput, cmd = m.searchInput.Update(msg)
		return m, cmd
	}

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "esc":
			if m.searchQuery == "" {
				return m, tea.Quit
			}
			m.clearSearch()
		case "g":
			m.viewport.GotoTop()
		case "G":
			m.viewport.GotoBottom()
		case "/":
			m.searching = true
			m.searchInput = textinput.New()
			m.searchInput.Placeholder = "Search..."
			m.searchInput.CharLimit = 100
			m.searchInput.Width = 40
			m.searchInput.SetValue(m.searchQuery)
			m.searchInput.Focus()
			return m, textinput.Blink
		case "n":
			if len(m.matches) > 0 {
				m.jump((m.matchIndex + 1) % len(m.matches))
			}
		case "N":
			if len(m.matches) > 0 {
				m.jump((m.matchIndex - 1 + len(m.matches)) % len(m.matches))
			}
		}

	case tea.WindowSizeMsg:
		height := msg.Height - 2 // header + footer
		if !m.ready {
			m.viewport = viewport.New(msg.Width, height)
			m.viewport.YPosition = 1
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = height
		}
		m.wrapped = Wrap(m.content, msg.Width)
		m.viewport.SetContent(m.wrapped)
		if m.searchQuery != "" {
			m.search()
		}
	}

	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *PagerModel) clearSearch() {
	m.searchQuery = ""
	m.matches = nil
	m.notFound = false
}

// search finds lines of the wrapped content containing the query.
func (m *PagerModel) search() {
	m.matches = nil
	m.matchIndex = 0
	m.notFound = false
	if m.searchQuery == "" {
		return
	}
	q := strings.ToLower(m.searchQuery)
	for i, line := range strings.Split(m.wrapped, "\n") {
		if strings.Contains(strings.ToLower(line), q) {
			m.matches = append(m.matches, i)
		}
	}
	m.notFound = len(m.matches) == 0
}

// jump centers the given match on screen.
func (m *PagerModel) jump(i int) {
	if i < 0 || i >= len(m.matches) {
		return
	}
	m.matchIndex = i
	offset := m.matches[i] - m.viewport.Height/2
	maxOffset := m.viewport.TotalLineCount() - m.viewport.Height
	if offset > maxOffset {
		offset = maxOffset
	}
	if offset < 0 {
		offset = 0
	}
	m.viewport.SetYOffset(offset)
}

func (m *PagerModel) View() string {
	if !m.ready {
		return "\n  Loading..."
	}

	title := pagerTitleStyle.Render(m.title)
	rule := strings.Repeat("─", max(0, m.viewport.Width-lipgloss.Width(title)))
	header := lipgloss.JoinHorizontal(lipgloss.Center, title, pagerInfoStyle.Render(rule))

	var footer string
	switch {
	case m.searching:
		footer = warnStyle.Render("/") + m.searchInput.View()
	case m.notFound:
		footer = errorStyle.Render(" Pattern not found") + pagerInfoStyle.Render(" │ /: search ")
	case len(m.matches) > 0:
		footer = warnStyle.Render(fmt.Sprintf(" [%d/%d]", m.matchIndex+1, len(m.matches))) +
			pagerInfoStyle.Render(" │ n/N: next/prev │ esc: clear ")
	default:
		footer = pagerInfoStyle.Render(fmt.Sprintf(" q: quit │ /: search │ g/G: top/bottom │ %3.f%% ", m.viewport.ScrollPercent()*100))
	}
	return header + "\n" + m.viewport.View() + "\n" + footer
}

// Wrap wraps each line to width, keeping ANSI styling intact.
func Wrap(content string, width int) string {
	if width <= 0 {
		return content
	}
	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if lipgloss.Width(line) <= width {
			out = append(out, line)
			continue
		}
		out = append(out, strings.Split(wordwrap.String(line, width), "\n")...)
	}
	return strings.Join(out, "\n")
}
