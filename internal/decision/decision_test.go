package decision

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/vinayprograms/conclave/internal/worker"
)

type stageDecision struct {
	Transition bool   `json:"transition"`
	Reason     string `json:"reason"`
}

func TestDecode_Fixtures(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantWinner string
		wantErr    bool
		wantReason string
	}{
		{
			name:       "pure json",
			input:      `{"transition": true, "reason": "multiple goals"}`,
			wantWinner: "direct",
			wantReason: "multiple goals",
		},
		{
			name: "fenced block",
			input: "Here is my decision:\n```json\n" +
				`{"transition": true, "reason": "needs research"}` +
				"\n```\nLet me know.",
			wantWinner: "fenced",
			wantReason: "needs research",
		},
		{
			name:       "prose wrapped",
			input:      `I think we should escalate. {"transition": false, "reason": "simple {question}"} That's all.`,
			wantWinner: "balanced",
			wantReason: "simple {question}",
		},
		{
			name:       "unrelated object first",
			input:      `Sure. {"note": "x"} and then {"transition": true, "reason": "two goals"}`,
			wantWinner: "balanced",
			wantReason: "two goals",
		},
		{
			name:    "wrong shape",
			input:   `{"escalate": true}`,
			wantErr: true,
		},
		{
			name:    "null",
			input:   "null",
			wantErr: true,
		},
		{
			name:    "empty object",
			input:   "{}",
			wantErr: true,
		},
		{
			name:    "transition not boolean",
			input:   `{"transition": "yes", "reason": "string flag"}`,
			wantErr: true,
		},
		{
			name:    "pure garbage",
			input:   "I cannot decide right now, sorry!",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got stageDecision
			trace, err := Decode(tt.input, "stage_transition", BoolField("transition"), &got)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				var pe *worker.ParseError
				if !errors.As(err, &pe) {
					t.Fatalf("expected ParseError, got %T", err)
				}
				if len(pe.Attempts) != len(DefaultChain) {
					t.Errorf("expected every strategy attempted, got %v", pe.Attempts)
				}
				if trace.Winner != "" {
					t.Errorf("expected no winner, got %s", trace.Winner)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if trace.Winner != tt.wantWinner {
				t.Errorf("winner = %s, want %s", trace.Winner, tt.wantWinner)
			}
			if got.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", got.Reason, tt.wantReason)
			}
		})
	}
}

func TestStrategies_Individually(t *testing.T) {
	fenced := "```\n{\"a\": 1}\n```"
	if _, err := (Direct{}).Extract(fenced); err == nil {
		t.Error("direct should reject fenced text")
	}
	if doc, err := (Fenced{}).Extract(fenced); err != nil || doc != `{"a": 1}` {
		t.Errorf("fenced: doc=%q err=%v", doc, err)
	}
	if _, err := (Fenced{}).Extract("no fences here"); err == nil {
		t.Error("fenced should fail without fences")
	}
	if doc, err := (Balanced{}).Extract(`x {bad} y {"ok": "}"} z`); err != nil || doc != `{"ok": "}"}` {
		t.Errorf("balanced: doc=%q err=%v", doc, err)
	}
	if _, err := (Balanced{}).Extract("{unterminated"); err == nil {
		t.Error("balanced should fail on unterminated object")
	}
}

func TestExtract_TraceRecordsOrder(t *testing.T) {
	_, trace := Extract("prefix {\"k\": \"v\"} suffix")
	names := trace.Names()
	if len(names) != 3 || names[0] != "direct" || names[1] != "fenced" || names[2] != "balanced" {
		t.Errorf("unexpected attempt order: %v", names)
	}
	if trace.Attempts[0].Err == nil || trace.Attempts[2].Err != nil {
		t.Errorf("unexpected attempt errors: %+v", trace.Attempts)
	}
}

func TestDecode_ValidJSONWrongShape(t *testing.T) {
	var got stageDecision
	_, err := Decode(`["not", "an", "object"]`, "stage_transition", nil, &got)
	if err == nil {
		t.Fatal("expected error for array input")
	}
}

func TestDecode_PlanShape(t *testing.T) {
	type plan struct {
		AgentsToQuery []string `json:"agents_to_query"`
	}
	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{`{"agents_to_query": ["history", "tasks"]}`, 2, false},
		{`{"agents_to_query": []}`, 0, false},
		{`{"agents_to_query": "history"}`, 0, true},
		{`{"agents": ["history"]}`, 0, true},
		{`Considering {"history": 1} I pick {"agents_to_query": ["tasks"]}`, 1, false},
	}
	for _, tt := range tests {
		var got plan
		_, err := Decode(tt.input, "coordination_strategy", ArrayField("agents_to_query"), &got)
		if (err != nil) != tt.wantErr {
			t.Errorf("Decode(%q) error = %v", tt.input, err)
			continue
		}
		if err == nil && len(got.AgentsToQuery) != tt.want {
			t.Errorf("Decode(%q) = %v", tt.input, got.AgentsToQuery)
		}
	}
}

func TestDecode_ShapeFailureRecordedInTrace(t *testing.T) {
	var got stageDecision
	trace, err := Decode(`{"escalate": true}`, "stage_transition", BoolField("transition"), &got)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(trace.Attempts) != 3 {
		t.Fatalf("attempts = %v", trace.Names())
	}
	if a := trace.Attempts[0]; a.Strategy != "direct" || a.Err == nil || !strings.Contains(a.Err.Error(), "transition") {
		t.Errorf("direct attempt = %+v", a)
	}
	if a := trace.Attempts[2]; a.Err == nil || !strings.Contains(a.Err.Error(), "shape") {
		t.Errorf("balanced attempt = %+v", a)
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	s := strings.Repeat("é", 150) // two bytes each
	got := truncate(s, 201)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate split a rune: %q", got)
	}
	if !strings.HasSuffix(got, "...") || len(got) != 200+len("...") {
		t.Errorf("len = %d", len(got))
	}
	if truncate("short", 200) != "short" {
		t.Error("short input should be unchanged")
	}

	var d stageDecision
	_, err := Decode(s, "stage_transition", BoolField("transition"), &d)
	var pe *worker.ParseError
	if !errors.As(err, &pe) || !utf8.ValidString(pe.Input) {
		t.Errorf("parse error input not valid UTF-8: %v", err)
	}
}
