// Package connector keeps the single controlling peer session and implements
// the correlation-id RPC protocol on top of it. Sessions arrive over a direct
// WebSocket or a WebRTC data channel; both look the same from here.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/apperrors"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/observability"
)

// DefaultQueryTimeout bounds every outbound query.
const DefaultQueryTimeout = 10 * time.Second

// Kind identifies a transport.
type Kind string

const (
	KindDirect      Kind = "direct"
	KindPeerChannel Kind = "peer-channel"
)

// Transport is one open connection to the peer.
type Transport interface {
	Kind() Kind
	Send(data []byte) error
	IsOpen() bool
	Close() error
}

// State is the connector's view of the controlling peer.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Dispatcher receives inbound messages that are not RPC responses.
type Dispatcher interface {
	Dispatch(s *Session, msg Message)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(s *Session, msg Message)

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(s *Session, msg Message) { f(s, msg) }

// Session is one attached peer connection. A superseded session can still
// receive replies to requests it sent; it no longer gets broadcasts.
type Session struct {
	id        string
	transport Transport
	attached  time.Time
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Kind returns the transport kind.
func (s *Session) Kind() Kind { return s.transport.Kind() }

func (s *Session) send(data []byte) error {
	if !s.transport.IsOpen() {
		return apperrors.ConnectionClosed("session.send")
	}
	return s.transport.Send(data)
}

type result struct {
	data json.RawMessage
	err  error
}

type pendingRequest struct {
	method string
	done   chan result
}

// Connector owns the active session and the pending request table.
type Connector struct {
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics

	mu         sync.Mutex
	state      State
	active     *Session
	nextID     uint64
	pending    map[uint64]*pendingRequest
	dispatcher Dispatcher
}

// Option configures a Connector.
type Option func(*Connector)

// WithQueryTimeout overrides DefaultQueryTimeout.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *Connector) { c.timeout = d }
}

// WithMetrics records RPC and session metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Connector) { c.metrics = m }
}

// New creates a disconnected Connector.
func New(opts ...Option) *Connector {
	c := &Connector{
		timeout: DefaultQueryTimeout,
		logger:  slog.With("component", "connector"),
		state:   StateDisconnected,
		pending: make(map[uint64]*pendingRequest),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetDispatcher installs the handler for unsolicited inbound messages.
func (c *Connector) SetDispatcher(d Dispatcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatcher = d
}

// State returns the current connection state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether an open session is attached.
func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.active != nil && c.active.transport.IsOpen()
}

// ActiveKind returns the transport kind of the active session, or "".
func (c *Connector) ActiveKind() Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ""
	}
	return c.active.Kind()
}

// BeginConnecting marks signaling in progress. It has no effect while a
// session is connected.
func (c *Connector) BeginConnecting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		c.state = StateConnecting
	}
}

// AbortConnecting returns to disconnected if signaling failed before a
// session attached.
func (c *Connector) AbortConnecting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnecting {
		c.state = StateDisconnected
	}
}

// Attach makes t the active session. Any previous session is superseded and
// its pending requests fail with ConnectionClosed.
func (c *Connector) Attach(t Transport) *Session {
	s := &Session{id: uuid.NewString(), transport: t, attached: time.Now()}

	c.mu.Lock()
	prev := c.active
	c.active = s
	c.state = StateConnected
	orphaned := c.takePendingLocked()
	c.mu.Unlock()

	rejectAll(orphaned, "connector.attach")
	if prev != nil {
		c.logger.Info("Session superseded", "previous", prev.id, "previousKind", prev.Kind(), "session", s.id, "kind", s.Kind())
	} else {
		c.logger.Info("Session attached", "session", s.id, "kind", s.Kind())
	}
	if c.metrics != nil {
		c.metrics.RecordSessionAttached(context.Background(), string(s.Kind()))
	}
	return s
}

// Detach drops s. Detaching a superseded session changes nothing.
func (c *Connector) Detach(s *Session) {
	c.mu.Lock()
	if c.active != s {
		c.mu.Unlock()
		return
	}
	c.active = nil
	c.state = StateDisconnected
	orphaned := c.takePendingLocked()
	c.mu.Unlock()

	rejectAll(orphaned, "connector.detach")
	c.logger.Info("Session detached", "session", s.id, "kind", s.Kind(), "rejected", len(orphaned))
}

func (c *Connector) takePendingLocked() map[uint64]*pendingRequest {
	if len(c.pending) == 0 {
		return nil
	}
	taken := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	return taken
}

func rejectAll(pending map[uint64]*pendingRequest, op string) {
	for _, p := range pending {
		p.done <- result{err: apperrors.ConnectionClosed(op)}
	}
}

// Pending returns the number of outstanding queries.
func (c *Connector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Query sends an rpc-query to the active session and waits for the matching
// rpc-response. Without a session it fails at once with NotConnected.
func (c *Connector) Query(ctx context.Context, method string, data any) (json.RawMessage, error) {
	start := time.Now()
	res, err := c.query(ctx, method, data)
	if c.metrics != nil {
		c.metrics.RecordRPCQuery(ctx, method, outcome(err), time.Since(start).Seconds())
	}
	return res, err
}

func (c *Connector) query(ctx context.Context, method string, data any) (json.RawMessage, error) {
	c.mu.Lock()
	s := c.active
	if s == nil || !s.transport.IsOpen() {
		c.mu.Unlock()
		return nil, apperrors.NotConnected("rpc." + method)
	}
	c.nextID++
	id := c.nextID
	p := &pendingRequest{method: method, done: make(chan result, 1)}
	c.pending[id] = p
	c.mu.Unlock()

	frame, err := json.Marshal(struct {
		Type string   `json:"type"`
		ID   uint64   `json:"id"`
		Data rpcQuery `json:"data"`
	}{TypeRPCQuery, id, rpcQuery{Method: method, Data: data}})
	if err != nil {
		c.take(id)
		return nil, fmt.Errorf("marshal rpc-query: %w", err)
	}
	if err := s.send(frame); err != nil {
		c.take(id)
		return nil, fmt.Errorf("rpc.%s: send: %w", method, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case r := <-p.done:
		return r.data, r.err
	case <-timer.C:
		if c.take(id) {
			return nil, apperrors.Timeout("rpc."+method, c.timeout)
		}
	case <-ctx.Done():
		if c.take(id) {
			return nil, ctx.Err()
		}
	}
	// Resolved concurrently with the timeout; the result is already queued.
	r := <-p.done
	return r.data, r.err
}

// take removes a pending entry. Only the caller that removes it may resolve it.
func (c *Connector) take(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// Deliver routes one inbound frame from s.
func (c *Connector) Deliver(s *Session, frame []byte) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		c.logger.Warn("Dropping malformed frame", "session", s.id, "error", err)
		return
	}
	msg.Raw = frame

	if msg.Type == TypeRPCResponse {
		c.resolve(msg)
		return
	}

	c.mu.Lock()
	d := c.dispatcher
	c.mu.Unlock()
	if d == nil {
		c.logger.Debug("No dispatcher, dropping message", "type", msg.Type)
		return
	}
	d.Dispatch(s, msg)
}

func (c *Connector) resolve(msg Message) {
	c.mu.Lock()
	p, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("Ignoring rpc-response with no pending request", "id", msg.ID)
		return
	}
	if msg.Error != "" {
		p.done <- result{err: apperrors.Upstream("rpc."+p.method, 0, msg.Error)}
		return
	}
	p.done <- result{data: msg.Data}
}

// Broadcast sends an unsolicited message to the active session.
func (c *Connector) Broadcast(msgType string, data any) error {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return apperrors.NotConnected("broadcast." + msgType)
	}

	frame, err := json.Marshal(struct {
		Type string `json:"type"`
		Data any    `json:"data,omitempty"`
	}{msgType, data})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}
	return s.send(frame)
}

// Reply answers a request on the session it came from, with the fields of
// result spread into the frame.
func (c *Connector) Reply(s *Session, msgType string, requestID json.RawMessage, result any) error {
	frame, err := spread(msgType, requestID, result)
	if err != nil {
		return err
	}
	return s.send(frame)
}

// Send writes a typed message with a data field to s.
func (c *Connector) Send(s *Session, msgType string, data any) error {
	frame, err := json.Marshal(struct {
		Type string `json:"type"`
		Data any    `json:"data,omitempty"`
	}{msgType, data})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}
	return s.send(frame)
}

// Close closes the active session's transport and detaches it.
func (c *Connector) Close() error {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	err := s.transport.Close()
	c.Detach(s)
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperrors.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, apperrors.ErrConnectionClosed):
		return "closed"
	case errors.Is(err, apperrors.ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}
