// Package worker defines the contract every context worker implements and the
// registry that binds worker names to instances.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Capability is a tag describing what kind of context a worker contributes.
type Capability string

const (
	CapHistory   Capability = "history"
	CapPersonal  Capability = "personal"
	CapTasks     Capability = "tasks"
	CapSearch    Capability = "search"
	CapSynthesis Capability = "synthesis"
	CapRemote    Capability = "remote"
)

// Status is the outcome class of a Response.
type Status string

const (
	StatusSuccess Status = "success"
	StatusTimeout Status = "timeout"
	StatusFailed  Status = "failed"
)

// ErrTimeoutText is the Error value of a Response synthesized on deadline expiry.
const ErrTimeoutText = "timeout"

// Worker is the contract every context worker implements.
// HandleRequest must not panic; all failure paths return a Response with Error set.
type Worker interface {
	Name() string
	Initialize(ctx context.Context) error
	Capabilities() []Capability
	HandleRequest(ctx context.Context, req Request) Response
}

// ExchangeObserver is implemented by workers that learn from completed exchanges.
type ExchangeObserver interface {
	ObserveExchange(ctx context.Context, user, assistant string)
}

// Descriptor describes a registered worker.
type Descriptor struct {
	Name         string       `json:"name"`
	Capabilities []Capability `json:"capabilities"`
}

// Has reports whether the descriptor carries the capability tag.
func (d Descriptor) Has(tag Capability) bool {
	for _, c := range d.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Request is the wire-level message sent to a worker.
type Request struct {
	FromWorker string                 `json:"fromWorker"`
	ToWorker   string                 `json:"toWorker"`
	Query      string                 `json:"query"`
	Context    map[string]interface{} `json:"context,omitempty"`
	RequestID  string                 `json:"requestId"`
}

// NewRequest builds a request with a generated request ID.
func NewRequest(from, to, query string, ctx map[string]interface{}) Request {
	return Request{
		FromWorker: from,
		ToWorker:   to,
		Query:      query,
		Context:    ctx,
		RequestID:  uuid.New().String(),
	}
}

// EnsureID fills RequestID when the caller left it empty.
func (r Request) EnsureID() Request {
	if r.RequestID == "" {
		r.RequestID = uuid.New().String()
	}
	return r
}

// Response is the wire-level reply from a worker.
// Error != "" implies Content holds a non-empty fallback string.
type Response struct {
	WorkerName string                 `json:"workerName"`
	Content    string                 `json:"content"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	RequestID  string                 `json:"requestId"`
	Timestamp  time.Time              `json:"timestamp"`
	Error      string                 `json:"error,omitempty"`
}

// Status classifies the response.
func (r Response) Status() Status {
	switch {
	case r.Error == "":
		return StatusSuccess
	case r.Error == ErrTimeoutText:
		return StatusTimeout
	default:
		return StatusFailed
	}
}

// OK reports whether the worker answered successfully.
func (r Response) OK() bool {
	return r.Error == ""
}

// FallbackContent is the safe content carried by failed responses.
func FallbackContent(workerName string) string {
	if workerName == "" {
		workerName = "worker"
	}
	return fmt.Sprintf("No context available from %s.", workerName)
}

// Succeeded builds a successful response for req.
func Succeeded(workerName string, req Request, content string, meta map[string]interface{}) Response {
	return Response{
		WorkerName: workerName,
		Content:    content,
		Metadata:   meta,
		RequestID:  req.RequestID,
		Timestamp:  time.Now(),
	}
}

// Failed builds a failed response carrying fallback content.
func Failed(workerName, requestID, errText string) Response {
	if errText == "" {
		errText = "unknown error"
	}
	return Response{
		WorkerName: workerName,
		Content:    FallbackContent(workerName),
		RequestID:  requestID,
		Timestamp:  time.Now(),
		Error:      errText,
	}
}

// Normalize repairs a response returned by a worker so that it carries the
// worker name, request ID and timestamp. Failed responses get fallback content.
func Normalize(resp Response, workerName string, req Request) Response {
	if resp.WorkerName == "" {
		resp.WorkerName = workerName
	}
	if resp.RequestID == "" {
		resp.RequestID = req.RequestID
	}
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now()
	}
	if resp.Error != "" && resp.Content == "" {
		resp.Content = FallbackContent(resp.WorkerName)
	}
	return resp
}
