package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"

	"github.com/vinayprograms/conclave/internal/director"
	"github.com/vinayprograms/conclave/internal/generate"
	"github.com/vinayprograms/conclave/internal/protocol"
	"github.com/vinayprograms/conclave/internal/session"
	"github.com/vinayprograms/conclave/internal/worker"
)

// DefaultWidth is used when the terminal width is unknown.
const DefaultWidth = 80

// TurnSummary is the part of a turn result kept for reports.
type TurnSummary struct {
	Exchange     int
	Stage        director.Stage
	Mode         string
	Called       []string
	Failed       []string
	Suppressed   []string
	OverBudget   []string
	Nudged       bool
	Escalated    bool
	Synthesized  bool
	Coordination string
	Advanced     string // "problem → crux" when the phase moved
	GenError     bool
}

// SummarizeTurn condenses a turn result.
func SummarizeTurn(res director.TurnResult) TurnSummary {
	s := TurnSummary{
		Exchange:    res.Exchange,
		Stage:       res.Stage,
		Mode:        res.Mode,
		Called:      res.Called,
		Suppressed:  res.Suppressed,
		OverBudget:  res.OverBudget,
		Nudged:      res.Nudge != "",
		Escalated:   res.Escalated,
		Synthesized: res.Synthesized,
		GenError:    res.GenerationError != "",
	}
	for _, name := range res.Called {
		if r, ok := res.Responses[name]; ok && !r.OK() {
			s.Failed = append(s.Failed, name)
		}
	}
	if res.Coordination != nil {
		s.Coordination = res.Coordination.Status
	}
	if res.Observation != nil && res.Observation.Advanced() {
		s.Advanced = fmt.Sprintf("%s → %s", res.Observation.From, res.Observation.To)
	}
	return s
}

// Report is everything the deep report shows.
type Report struct {
	Snapshot   director.Snapshot
	Workers    []worker.Descriptor
	Turns      []TurnSummary
	Transcript []generate.Message
	Generated  time.Time
}

// Status renders the one-screen summary shown when a conversation stops.
func Status(snap director.Snapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", titleStyle.Render("CONVERSATION"), valueStyle.Render(snap.ID))
	sb.WriteString(divider + "\n")
	field(&sb, "Exchanges", fmt.Sprintf("%d", snap.Exchange))
	field(&sb, "Stage", stageLabel(snap.Stage))
	field(&sb, "Phase", phaseLabel(snap.Protocol))
	if calls := callSummary(snap.CallCounts); calls != "" {
		field(&sb, "Workers", calls)
	}
	return sb.String()
}

// Deep renders the full report: routing state, protocol artifacts, worker
// usage, stage decisions, per-turn routing and the transcript.
func Deep(r Report, width int) string {
	if width <= 0 {
		width = DefaultWidth
	}
	snap := r.Snapshot
	var sb strings.Builder

	sb.WriteString(Status(snap))
	if !r.Generated.IsZero() {
		field(&sb, "Generated", dimStyle.Render(r.Generated.Format(time.RFC3339)))
	}

	section(&sb, "PROTOCOL")
	field(&sb, "Phase", phaseLabel(snap.Protocol))
	field(&sb, "Stalls", fmt.Sprintf("%d", snap.Protocol.Stalls))
	for _, a := range []struct{ name, text string }{
		{"Problem", snap.Protocol.Artifacts.Problem},
		{"Crux", snap.Protocol.Artifacts.Crux},
		{"Action", snap.Protocol.Artifacts.Action},
	} {
		if a.text == "" {
			field(&sb, a.name, dimStyle.Render("not yet captured"))
			continue
		}
		field(&sb, a.name, wrapValue(a.text, width))
	}

	section(&sb, "WORKERS")
	if len(r.Workers) == 0 {
		sb.WriteString(dimStyle.Render("  no workers registered") + "\n")
	}
	for _, d := range r.Workers {
		caps := make([]string, len(d.Capabilities))
		for i, c := range d.Capabilities {
			caps[i] = string(c)
		}
		line := fmt.Sprintf("%-12s calls %-3d", d.Name, snap.CallCounts[d.Name])
		if last, ok := snap.LastCalled[d.Name]; ok {
			line += fmt.Sprintf(" last exchange %d", last)
		}
		sb.WriteString("  " + valueStyle.Render(line) + " " + dimStyle.Render("["+strings.Join(caps, ", ")+"]") + "\n")
	}
	if len(snap.Suppressed) > 0 {
		field(&sb, "Suppressed", warnStyle.Render(strings.Join(snap.Suppressed, ", ")))
	}

	if len(snap.Verdicts) > 0 {
		section(&sb, "STAGE DECISIONS")
		for i, v := range snap.Verdicts {
			outcome := dimStyle.Render("stay")
			if v.Transition {
				outcome = successStyle.Render("escalate")
			}
			line := fmt.Sprintf("%d. %s via %s", i+1, outcome, v.Source)
			if v.Reason != "" {
				line += ": " + v.Reason
			}
			sb.WriteString(indent.String(wordwrap.String(line, width-4), 2) + "\n")
			if v.Err != "" {
				sb.WriteString("     " + errorStyle.Render(v.Err) + "\n")
			}
		}
	}

	if len(r.Turns) > 0 {
		section(&sb, "TURNS")
		for _, t := range r.Turns {
			sb.WriteString(turnLine(t) + "\n")
		}
	}

	if len(r.Transcript) > 0 {
		section(&sb, "TRANSCRIPT")
		sb.WriteString(Transcript(r.Transcript, width))
	}
	return sb.String()
}

// Transcript renders messages with speaker labels, wrapped to width.
func Transcript(msgs []generate.Message, width int) string {
	if width <= 0 {
		width = DefaultWidth
	}
	var sb strings.Builder
	for _, m := range msgs {
		var label string
		switch m.Role {
		case generate.RoleUser:
			label = userStyle.Render("you")
		case generate.RoleAssistant:
			label = assistantStyle.Render("conclave")
		default:
			label = dimStyle.Render(m.Role)
		}
		sb.WriteString(label + "\n")
		sb.WriteString(indent.String(wordwrap.String(strings.TrimSpace(m.Content), width-2), 2) + "\n\n")
	}
	return sb.String()
}

// Conversation renders a stored conversation for replay.
func Conversation(conv *session.Conversation, width int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", titleStyle.Render("CONVERSATION"), valueStyle.Render(conv.ID))
	sb.WriteString(divider + "\n")
	if !conv.CreatedAt.IsZero() {
		field(&sb, "Started", conv.CreatedAt.Format("2006-01-02 15:04"))
	}
	if !conv.UpdatedAt.IsZero() {
		field(&sb, "Saved", conv.UpdatedAt.Format("2006-01-02 15:04"))
	}
	field(&sb, "Messages", fmt.Sprintf("%d", len(conv.Messages)))
	keys := make([]string, 0, len(conv.Metadata))
	for k := range conv.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		field(&sb, k, fmt.Sprint(conv.Metadata[k]))
	}
	sb.WriteString("\n")
	sb.WriteString(Transcript(conv.Messages, width))
	return sb.String()
}

func turnLine(t TurnSummary) string {
	var parts []string
	mode := t.Mode
	switch t.Mode {
	case director.ModeFallback:
		mode = warnStyle.Render(mode)
	case director.ModeCoordinated:
		mode = successStyle.Render(mode)
	}
	parts = append(parts, fmt.Sprintf("#%-3d %s", t.Exchange, mode))
	if t.Coordination != "" {
		parts = append(parts, "coordination "+t.Coordination)
	}
	if len(t.Called) > 0 {
		parts = append(parts, "called "+strings.Join(t.Called, ","))
	}
	if len(t.Failed) > 0 {
		parts = append(parts, errorStyle.Render("failed "+strings.Join(t.Failed, ",")))
	}
	if len(t.Suppressed) > 0 {
		parts = append(parts, dimStyle.Render("suppressed "+strings.Join(t.Suppressed, ",")))
	}
	if len(t.OverBudget) > 0 {
		parts = append(parts, dimStyle.Render("over budget "+strings.Join(t.OverBudget, ",")))
	}
	if t.Escalated {
		parts = append(parts, successStyle.Render("escalated"))
	}
	if t.Synthesized {
		parts = append(parts, "synthesized")
	}
	if t.Nudged {
		parts = append(parts, warnStyle.Render("nudged"))
	}
	if t.Advanced != "" {
		parts = append(parts, t.Advanced)
	}
	if t.GenError {
		parts = append(parts, errorStyle.Render("reply fallback"))
	}
	return "  " + strings.Join(parts, dimStyle.Render(" │ "))
}

func section(sb *strings.Builder, title string) {
	sb.WriteString("\n" + sectionStyle.Render(title) + "\n")
}

func field(sb *strings.Builder, label, value string) {
	sb.WriteString("  " + labelStyle.Render(label) + value + "\n")
}

// wrapValue wraps text to fit beside a field label.
func wrapValue(text string, width int) string {
	w := width - 16
	if w < 20 {
		w = 20
	}
	lines := strings.Split(wordwrap.String(text, w), "\n")
	return strings.Join(lines, "\n"+strings.Repeat(" ", 16))
}

func stageLabel(s director.Stage) string {
	label := fmt.Sprintf("%d (%s)", int(s), s)
	if s >= director.StageCoordinated {
		return successStyle.Render(label)
	}
	return label
}

func phaseLabel(st protocol.State) string {
	if st.Phase == protocol.PhaseDone {
		return successStyle.Render(string(st.Phase))
	}
	label := string(st.Phase)
	if st.NudgePending {
		label += " " + warnStyle.Render("(nudge pending)")
	}
	return label
}

func callSummary(counts map[string]int) string {
	names := make([]string, 0, len(counts))
	for n := range counts {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = fmt.Sprintf("%s×%d", n, counts[n])
	}
	return strings.Join(parts, " ")
}
