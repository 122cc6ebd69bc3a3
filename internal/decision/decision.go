// Package decision extracts structured decisions from free-form model output.
//
// Extraction is an ordered chain of strategies. Each strategy either yields a
// JSON candidate or an error, and every attempt is recorded in a Trace so the
// fallback path can be audited and tested per strategy.
package decision

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/vinayprograms/conclave/internal/worker"
)

var (
	errEmpty      = errors.New("empty input")
	errNoFence    = errors.New("no fenced block")
	errNoObject   = errors.New("no balanced object")
	errInvalidDoc = errors.New("not valid JSON")
)

// Shape checks that a JSON candidate carries the fields a decision needs.
// A nil Shape accepts any document.
type Shape func(doc string) error

// BoolField requires path to hold a JSON boolean.
func BoolField(path string) Shape {
	return func(doc string) error {
		if !gjson.Get(doc, path).IsBool() {
			return fmt.Errorf("%s: want boolean", path)
		}
		return nil
	}
}

// ArrayField requires path to hold a JSON array.
func ArrayField(path string) Shape {
	return func(doc string) error {
		if !gjson.Get(doc, path).IsArray() {
			return fmt.Errorf("%s: want array", path)
		}
		return nil
	}
}

// filtering is implemented by strategies that can skip candidates the
// caller rejects and keep scanning.
type filtering interface {
	ExtractWhere(text string, accept func(doc string) bool) (string, error)
}

// Strategy turns raw text into a JSON document candidate.
type Strategy interface {
	Name() string
	Extract(text string) (string, error)
}

// Attempt records the outcome of one strategy.
type Attempt struct {
	Strategy string
	Err      error
}

// Trace is the audit trail of one extraction.
type Trace struct {
	Attempts []Attempt
	Winner   string // strategy that produced the value; empty if none did
}

// Names returns the strategy names that were tried.
func (t Trace) Names() []string {
	names := make([]string, len(t.Attempts))
	for i, a := range t.Attempts {
		names[i] = a.Strategy
	}
	return names
}

// DefaultChain is direct parse, then fenced block, then balanced-delimiter scan.
var DefaultChain = []Strategy{Direct{}, Fenced{}, Balanced{}}

// Direct accepts the whole input when it is already valid JSON.
type Direct struct{}

func (Direct) Name() string { return "direct" }

func (Direct) Extract(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errEmpty
	}
	if !gjson.Valid(text) {
		return "", errInvalidDoc
	}
	return text, nil
}

// Fenced extracts the first ``` fenced block (optionally tagged json).
type Fenced struct{}

func (Fenced) Name() string { return "fenced" }

func (Fenced) Extract(text string) (string, error) {
	start := strings.Index(text, "```")
	if start == -1 {
		return "", errNoFence
	}
	body := text[start+3:]
	// Drop the info string (e.g. "json") up to the first newline.
	if nl := strings.Index(body, "\n"); nl != -1 {
		info := strings.TrimSpace(body[:nl])
		if info == "" || !strings.ContainsAny(info, "{[") {
			body = body[nl+1:]
		}
	}
	end := strings.Index(body, "```")
	if end == -1 {
		return "", errNoFence
	}
	candidate := strings.TrimSpace(body[:end])
	if !gjson.Valid(candidate) {
		return "", errInvalidDoc
	}
	return candidate, nil
}

// Balanced scans free text for the first balanced {...} object that is valid
// JSON. Braces inside string literals are ignored.
type Balanced struct{}

func (Balanced) Name() string { return "balanced" }

func (b Balanced) Extract(text string) (string, error) {
	return b.ExtractWhere(text, nil)
}

// ExtractWhere returns the first valid object accept allows; a nil accept
// allows any.
func (Balanced) ExtractWhere(text string, accept func(doc string) bool) (string, error) {
	for offset := 0; offset < len(text); {
		start := strings.IndexByte(text[offset:], '{')
		if start == -1 {
			break
		}
		start += offset
		if end := matchBrace(text, start); end != -1 {
			candidate := text[start : end+1]
			if gjson.Valid(candidate) && (accept == nil || accept(candidate)) {
				return candidate, nil
			}
		}
		offset = start + 1
	}
	return "", errNoObject
}

// matchBrace returns the index of the brace closing the one at start, or -1.
func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// Extract runs the chain until a strategy yields a JSON document.
// It returns the document and its trace; the document is empty if all failed.
func Extract(text string, chain ...Strategy) (string, Trace) {
	if len(chain) == 0 {
		chain = DefaultChain
	}
	var trace Trace
	for _, s := range chain {
		doc, err := s.Extract(text)
		trace.Attempts = append(trace.Attempts, Attempt{Strategy: s.Name(), Err: err})
		if err == nil {
			trace.Winner = s.Name()
			return doc, trace
		}
	}
	return "", trace
}

// Decode extracts a JSON document from text and unmarshals it into v.
// target names the decision for error reporting. A candidate that fails shape
// counts as a failed attempt, and scanning strategies move on to the next
// candidate. When no strategy yields a document that decodes into v, a
// *worker.ParseError is returned.
func Decode(text, target string, shape Shape, v interface{}, chain ...Strategy) (Trace, error) {
	if len(chain) == 0 {
		chain = DefaultChain
	}
	var trace Trace
	for _, s := range chain {
		doc, err := extractShaped(s, text, shape)
		if err == nil {
			if uerr := json.Unmarshal([]byte(doc), v); uerr != nil {
				err = fmt.Errorf("decode: %w", uerr)
			}
		}
		trace.Attempts = append(trace.Attempts, Attempt{Strategy: s.Name(), Err: err})
		if err == nil {
			trace.Winner = s.Name()
			return trace, nil
		}
	}
	return trace, &worker.ParseError{
		Target:   target,
		Attempts: trace.Names(),
		Input:    truncate(text, 200),
	}
}

func extractShaped(s Strategy, text string, shape Shape) (string, error) {
	if shape == nil {
		return s.Extract(text)
	}
	if f, ok := s.(filtering); ok {
		var last error
		doc, err := f.ExtractWhere(text, func(doc string) bool {
			last = shape(doc)
			return last == nil
		})
		if err != nil && last != nil {
			return "", fmt.Errorf("shape: %w", last)
		}
		return doc, err
	}
	doc, err := s.Extract(text)
	if err != nil {
		return "", err
	}
	if err := shape(doc); err != nil {
		return "", fmt.Errorf("shape: %w", err)
	}
	return doc, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
