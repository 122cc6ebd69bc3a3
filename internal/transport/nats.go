// Package transport exposes workers over NATS request/reply so a director can
// call workers running in other processes.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/conclave/internal/worker"
)

// DefaultPrefix is the subject prefix for worker requests.
const DefaultPrefix = "conclave.worker"

// RequestSubject is the subject a worker's requests are published on.
func RequestSubject(prefix, name string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + "." + name
}

// DescribeSubject is the subject a worker answers descriptor queries on.
func DescribeSubject(prefix, name string) string {
	return RequestSubject(prefix, name) + ".describe"
}

// Requester is the slice of *nats.Conn a RemoteWorker needs.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// EncodeRequest marshals a request in the worker wire format.
func EncodeRequest(req worker.Request) ([]byte, error) {
	return json.Marshal(req)
}

// DecodeRequest unmarshals a request in the worker wire format.
func DecodeRequest(data []byte) (worker.Request, error) {
	var req worker.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("decoding request: %w", err)
	}
	return req, nil
}

// EncodeResponse marshals a response in the worker wire format.
func EncodeResponse(resp worker.Response) ([]byte, error) {
	return json.Marshal(resp)
}

// DecodeResponse unmarshals a response in the worker wire format.
func DecodeResponse(data []byte) (worker.Response, error) {
	var resp worker.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return resp, fmt.Errorf("decoding response: %w", err)
	}
	return resp, nil
}

// RemoteWorker is a local stand-in for a worker served over NATS.
type RemoteWorker struct {
	name   string
	prefix string
	conn   Requester
	caps   []worker.Capability
	logger *logging.Logger
}

// NewRemoteWorker creates a proxy for the named remote worker. caps are used
// until Initialize fetches the remote descriptor.
func NewRemoteWorker(conn Requester, prefix, name string, caps ...worker.Capability) *RemoteWorker {
	return &RemoteWorker{
		name:   name,
		prefix: prefix,
		conn:   conn,
		caps:   caps,
		logger: logging.New().WithComponent("transport.remote"),
	}
}

func (r *RemoteWorker) Name() string { return r.name }

// Capabilities returns the remote capabilities tagged with CapRemote.
func (r *RemoteWorker) Capabilities() []worker.Capability {
	out := append([]worker.Capability(nil), r.caps...)
	for _, c := range out {
		if c == worker.CapRemote {
			return out
		}
	}
	return append(out, worker.CapRemote)
}

// Initialize asks the remote side for its descriptor. A missing responder is
// an error so misconfigured workers surface at startup.
func (r *RemoteWorker) Initialize(ctx context.Context) error {
	msg, err := r.conn.RequestWithContext(ctx, DescribeSubject(r.prefix, r.name), nil)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("remote worker %s: no responders", r.name)
		}
		return fmt.Errorf("remote worker %s: %w", r.name, err)
	}
	var d worker.Descriptor
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		return fmt.Errorf("remote worker %s: decoding descriptor: %w", r.name, err)
	}
	if len(d.Capabilities) > 0 {
		r.caps = d.Capabilities
	}
	r.logger.Debug("remote worker ready", map[string]interface{}{
		"worker":       r.name,
		"capabilities": len(r.caps),
	})
	return nil
}

// HandleRequest forwards req and decodes the reply. Transport failures become
// failed responses; ctx expiry is reported as a timeout.
func (r *RemoteWorker) HandleRequest(ctx context.Context, req worker.Request) worker.Response {
	data, err := EncodeRequest(req)
	if err != nil {
		return worker.Failed(r.name, req.RequestID, err.Error())
	}
	msg, err := r.conn.RequestWithContext(ctx, RequestSubject(r.prefix, r.name), data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return worker.Failed(r.name, req.RequestID, worker.ErrTimeoutText)
		}
		return worker.Failed(r.name, req.RequestID, fmt.Sprintf("nats request: %v", err))
	}
	resp, err := DecodeResponse(msg.Data)
	if err != nil {
		return worker.Failed(r.name, req.RequestID, err.Error())
	}
	return worker.Normalize(resp, r.name, req)
}

// Server serves registered workers over NATS.
type Server struct {
	conn     *nats.Conn
	prefix   string
	queue    string
	registry *worker.Registry
	subs     []*nats.Subscription
	logger   *logging.Logger
}

// NewServer creates a server for the workers in registry. Workers are
// subscribed in queue group queue so several processes can share load.
func NewServer(conn *nats.Conn, registry *worker.Registry, prefix, queue string) *Server {
	if queue == "" {
		queue = "conclave"
	}
	return &Server{
		conn:     conn,
		prefix:   prefix,
		queue:    queue,
		registry: registry,
		logger:   logging.New().WithComponent("transport.server"),
	}
}

// Serve subscribes every registered worker, or only the named ones.
func (s *Server) Serve(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		names = s.registry.List()
	}
	for _, name := range names {
		w := s.registry.Get(name)
		if w == nil {
			return fmt.Errorf("worker %s not registered", name)
		}
		sub, err := s.conn.QueueSubscribe(RequestSubject(s.prefix, name), s.queue, func(m *nats.Msg) {
			s.respond(m, Handle(ctx, w, m.Data))
		})
		if err != nil {
			return fmt.Errorf("subscribing %s: %w", name, err)
		}
		s.subs = append(s.subs, sub)

		desc, _ := s.registry.Descriptor(name)
		sub, err = s.conn.QueueSubscribe(DescribeSubject(s.prefix, name), s.queue, func(m *nats.Msg) {
			data, _ := json.Marshal(desc)
			s.respond(m, data)
		})
		if err != nil {
			return fmt.Errorf("subscribing %s descriptor: %w", name, err)
		}
		s.subs = append(s.subs, sub)
		s.logger.Info("serving worker", map[string]interface{}{
			"worker":  name,
			"subject": RequestSubject(s.prefix, name),
		})
	}
	return nil
}

func (s *Server) respond(m *nats.Msg, data []byte) {
	if err := m.Respond(data); err != nil {
		s.logger.Warn("failed to respond", map[string]interface{}{
			"subject": m.Subject,
			"error":   err.Error(),
		})
	}
}

// Close unsubscribes all workers.
func (s *Server) Close() error {
	var errs []string
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	s.subs = nil
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Handle decodes a wire request, runs it against w with panic recovery and
// encodes the reply. It never returns an undecodable payload.
func Handle(ctx context.Context, w worker.Worker, data []byte) []byte {
	req, err := DecodeRequest(data)
	if err != nil {
		out, _ := EncodeResponse(worker.Failed(w.Name(), "", err.Error()))
		return out
	}
	req = req.EnsureID()

	resp := func() (resp worker.Response) {
		defer func() {
			if r := recover(); r != nil {
				resp = worker.Failed(w.Name(), req.RequestID, fmt.Sprintf("panic: %v", r))
			}
		}()
		return w.HandleRequest(ctx, req)
	}()

	out, err := EncodeResponse(worker.Normalize(resp, w.Name(), req))
	if err != nil {
		out, _ = EncodeResponse(worker.Failed(w.Name(), req.RequestID, err.Error()))
	}
	return out
}

// Connect dials NATS with the client name used by conclave processes.
func Connect(url, clientName string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, nats.Name(clientName))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return nc, nil
}
