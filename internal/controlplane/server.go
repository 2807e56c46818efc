// Package controlplane serves the tool-host protocol: line-delimited JSON
// requests over TCP, each answered on the same connection in order.
package controlplane

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"
)

// Methods understood by the server.
const (
	MethodPing      = "ping"
	MethodListTools = "list_tools"
	MethodCallTool  = "call_tool"
)

// maxLineSize bounds one request line.
const maxLineSize = 1 << 20

// writeTimeout bounds writing one response.
const writeTimeout = 10 * time.Second

// Request is one line from the client.
type Request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers one Request. Exactly one of Result and Error is set.
type Response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ToolFunc runs a tool with its decoded-later arguments.
type ToolFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Tool is one callable operation.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
	Handler     ToolFunc       `json:"-"`
}

type callParams struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Server accepts control-plane connections.
type Server struct {
	tools   map[string]Tool
	logger  *slog.Logger
	timeout time.Duration

	active sync.WaitGroup
}

// NewServer creates a server with no tools.
func NewServer() *Server {
	return &Server{
		tools:   make(map[string]Tool),
		logger:  slog.With("component", "controlplane"),
		timeout: 2 * time.Minute,
	}
}

// Register adds a tool. It panics on duplicates.
func (s *Server) Register(t Tool) {
	if _, exists := s.tools[t.Name]; exists {
		panic(fmt.Sprintf("controlplane: duplicate tool %q", t.Name))
	}
	s.tools[t.Name] = t
}

// Tools lists registered tools sorted by name.
func (s *Server) Tools() []Tool {
	out := make([]Tool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then waits for
// open connections to finish their current request.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info("Control plane listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("Accept failed", "error", err)
			continue
		}

		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConn(ctx, conn)
		}()
	}

	s.active.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := s.logger.With("remote", conn.RemoteAddr().String())
	logger.Debug("Client connected")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp := s.Handle(connCtx, line)
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := enc.Encode(resp); err != nil {
			logger.Debug("Failed to write response", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil && connCtx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		logger.Warn("Connection read failed", "error", err)
	}
	logger.Debug("Client disconnected")
}

// Handle answers one request line.
func (s *Server) Handle(ctx context.Context, line []byte) Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Response{Error: "invalid request: " + err.Error()}
	}

	result, err := s.dispatch(ctx, req)
	if err != nil {
		s.logger.Debug("Request failed", "method", req.Method, "error", err)
		return Response{ID: req.ID, Error: err.Error()}
	}
	return Response{ID: req.ID, Result: result}
}

func (s *Server) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Method {
	case MethodPing:
		return map[string]any{"pong": true, "timestamp": time.Now().UnixMilli()}, nil
	case MethodListTools:
		return map[string]any{"tools": s.Tools()}, nil
	case MethodCallTool:
		var p callParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				return nil, fmt.Errorf("invalid params: %w", err)
			}
		}
		if p.Name == "" {
			return nil, errors.New("missing required field: name")
		}
		tool, ok := s.tools[p.Name]
		if !ok {
			return nil, fmt.Errorf("unknown tool %q", p.Name)
		}
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return tool.Handler(ctx, p.Args)
	case "":
		return nil, errors.New("missing required field: method")
	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
}
