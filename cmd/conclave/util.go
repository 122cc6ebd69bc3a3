package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/vinayprograms/agentkit/llm"

	"github.com/vinayprograms/conclave/internal/config"
)

// isTerminal checks if the given file is a terminal.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// retryConfig converts config values to RetryConfig.
func retryConfig(c config.LLMConfig) llm.RetryConfig {
	return llm.RetryConfig{
		MaxRetries: c.MaxRetries,
		MaxBackoff: c.RetryBackoff.Duration,
	}
}

// parseDue accepts a calendar date or an RFC 3339 timestamp. A bare date is
// due at the end of that day in local time.
func parseDue(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	d, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return nil, fmt.Errorf("invalid due date %q (use YYYY-MM-DD or RFC 3339)", s)
	}
	end := time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, time.Local)
	return &end, nil
}
