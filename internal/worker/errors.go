package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoResults is returned by search-like tasks that completed but found nothing.
var ErrNoResults = errors.New("no results")

// TimeoutError reports a worker that exceeded its deadline.
type TimeoutError struct {
	Worker string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("worker %s timed out after %s", e.Worker, e.After)
}

// WorkerError reports an explicit failure raised or returned by a worker.
type WorkerError struct {
	Worker string
	Err    error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %s: %v", e.Worker, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// ParseError reports that a structured decision could not be extracted from
// assisted output.
type ParseError struct {
	Target   string   // what was being parsed, e.g. "stage_transition"
	Attempts []string // strategy names that were tried
	Input    string   // truncated input
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("could not parse %s (tried %s)", e.Target, strings.Join(e.Attempts, ", "))
}

// ServiceKind subdivides external service failures.
type ServiceKind string

const (
	ServiceRateLimit ServiceKind = "rate_limit"
	ServiceTimeout   ServiceKind = "timeout"
	ServiceTransient ServiceKind = "transient"
	ServicePermanent ServiceKind = "permanent"
)

// ServiceError reports a failure of an external text-generation or search service.
type ServiceError struct {
	Service    string
	Kind       ServiceKind
	StatusCode int
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s error (status %d): %v", e.Service, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s error: %v", e.Service, e.Kind, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// NewServiceError wraps err as a ServiceError, classifying it when kind is empty.
func NewServiceError(service string, kind ServiceKind, err error) *ServiceError {
	if kind == "" {
		kind = ClassifyService(err)
	}
	return &ServiceError{Service: service, Kind: kind, Err: err}
}

// ClassifyService decides the service kind of an arbitrary error.
func ClassifyService(err error) ServiceKind {
	if err == nil {
		return ""
	}
	var se *ServiceError
	if errors.As(err, &se) && se.Kind != "" {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ServiceTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"), strings.Contains(msg, "429"):
		return ServiceRateLimit
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline exceeded"):
		return ServiceTimeout
	case strings.Contains(msg, "unavailable"), strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "connection reset"), strings.Contains(msg, "status 5"):
		return ServiceTransient
	default:
		return ServicePermanent
	}
}

// IsRateLimit reports whether err is a rate-limit service failure.
func IsRateLimit(err error) bool {
	return ClassifyService(err) == ServiceRateLimit
}

// IsNoResults reports whether err means a search found nothing.
func IsNoResults(err error) bool {
	if errors.Is(err, ErrNoResults) {
		return true
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "no results")
}
