// Package session implements the inbound half of the peer protocol: job
// requests, worker control and in-band WebRTC signaling arriving on the
// active connector session.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/apperrors"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/connector"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/job"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/provider"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/signaling"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/supervisor"
)

// Inbound message types.
const (
	TypeGenerateMap   = "generate-map-request"
	TypeCheckStatus   = "check-map-status-request"
	TypeCancelJob     = "cancel-map-job-request"
	TypeListJobs      = "list-map-jobs-request"
	TypeStartService  = "start-service"
	TypeStopService   = "stop-service"
	TypeServiceStatus = "check-status"
	TypeOffer         = "webrtc-offer"
	TypeCandidate     = "webrtc-ice-candidate"
	TypePing          = "ping"
)

// Outbound signaling types.
const (
	TypeAnswer = "webrtc-answer"
	TypePong   = "pong"
)

// ResponseType is the reply type for an inbound request type.
func ResponseType(msgType string) string {
	return msgType + "-response"
}

// Jobs is the job API the handler serves.
type Jobs interface {
	StartJob(ctx context.Context, req *job.Request) (*job.StartResponse, error)
	GetJob(id string) (*job.Job, error)
	CancelJob(ctx context.Context, id string) (*job.Job, error)
	ListJobs() *job.ListResponse
	StartWorker(ctx context.Context) (supervisor.Status, error)
	StopWorker(ctx context.Context) (supervisor.Status, error)
	WorkerStatus() (supervisor.Status, bool)
}

// Providers reports provider health.
type Providers interface {
	Statuses() []provider.Status
	ActiveName() string
}

// Signaling answers offers and accepts remote candidates.
type Signaling interface {
	HandleOffer(ctx context.Context, offer webrtc.SessionDescription, onCandidate signaling.CandidateFunc) (webrtc.SessionDescription, error)
	AddCandidate(candidate webrtc.ICECandidateInit) error
}

// Handler dispatches inbound messages. It implements connector.Dispatcher.
type Handler struct {
	connector *connector.Connector
	jobs      Jobs
	providers Providers
	signaling Signaling
	logger    *slog.Logger
	timeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a handler. providers and sig may be nil.
func New(c *connector.Connector, jobs Jobs, providers Providers, sig Signaling) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		connector: c,
		jobs:      jobs,
		providers: providers,
		signaling: sig,
		logger:    slog.With("component", "session"),
		timeout:   2 * time.Minute,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Dispatch handles one message. Signaling is answered inline so candidates
// stay ordered behind the answer; everything else runs on its own goroutine
// so a slow worker start never stalls the read loop.
func (h *Handler) Dispatch(s *connector.Session, msg connector.Message) {
	switch msg.Type {
	case TypeOffer:
		h.handleOffer(s, msg)
		return
	case TypeCandidate:
		h.handleCandidate(s, msg)
		return
	case TypePing:
		h.reply(s, msg, TypePong, map[string]any{"timestamp": time.Now().UnixMilli()})
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(h.ctx, h.timeout)
		defer cancel()
		h.handle(ctx, s, msg)
	}()
}

// Close cancels in-flight handlers and waits for them.
func (h *Handler) Close() {
	h.cancel()
	h.wg.Wait()
}

func (h *Handler) handle(ctx context.Context, s *connector.Session, msg connector.Message) {
	logger := h.logger.With("type", msg.Type, "session", s.ID())

	var (
		result any
		err    error
	)
	switch msg.Type {
	case TypeGenerateMap:
		result, err = h.generate(ctx, msg)
	case TypeCheckStatus:
		result, err = h.checkStatus(msg)
	case TypeCancelJob:
		result, err = h.cancelJob(ctx, msg)
	case TypeListJobs:
		result = listReply{Success: true, Jobs: h.jobs.ListJobs().Jobs}
	case TypeStartService:
		result, err = h.workerReply(h.jobs.StartWorker(ctx))
	case TypeStopService:
		result, err = h.workerReply(h.jobs.StopWorker(ctx))
	case TypeServiceStatus:
		result = h.serviceStatus()
	default:
		logger.Debug("Unhandled message type")
		if msg.HasRequestID() {
			h.reply(s, msg, ResponseType(msg.Type), failure(apperrors.Validation("type", "unknown message type "+msg.Type)))
		}
		return
	}

	if err != nil {
		logger.Warn("Request failed", "error", err)
		result = failure(err)
	}
	if msg.HasRequestID() {
		h.reply(s, msg, ResponseType(msg.Type), result)
	}
}

func (h *Handler) reply(s *connector.Session, msg connector.Message, replyType string, result any) {
	if err := h.connector.Reply(s, replyType, msg.RequestID, result); err != nil {
		h.logger.Debug("Reply not sent", "type", replyType, "session", s.ID(), "error", err)
	}
}

type errorReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func failure(err error) errorReply {
	return errorReply{Success: false, Error: err.Error()}
}

type startReply struct {
	Success bool `json:"success"`
	*job.StartResponse
}

type jobReply struct {
	Success bool `json:"success"`
	*job.Job
}

type listReply struct {
	Success bool       `json:"success"`
	Jobs    []*job.Job `json:"jobs"`
}

type workerReply struct {
	Success bool              `json:"success"`
	Worker  supervisor.Status `json:"worker"`
}

type statusReply struct {
	Success        bool               `json:"success"`
	Connected      bool               `json:"connected"`
	Transport      connector.Kind     `json:"transport,omitempty"`
	Worker         *supervisor.Status `json:"worker,omitempty"`
	ActiveProvider string             `json:"activeProvider,omitempty"`
	Providers      []provider.Status  `json:"providers,omitempty"`
}

type jobIDParams struct {
	JobID string `json:"jobId"`
}

func (h *Handler) generate(ctx context.Context, msg connector.Message) (any, error) {
	var req job.Request
	if err := msg.DecodeData(&req); err != nil {
		return nil, apperrors.Validation("data", "invalid generate request: "+err.Error())
	}
	resp, err := h.jobs.StartJob(ctx, &req)
	if err != nil {
		return nil, err
	}
	return startReply{Success: true, StartResponse: resp}, nil
}

func (h *Handler) checkStatus(msg connector.Message) (any, error) {
	id, err := decodeJobID(msg)
	if err != nil {
		return nil, err
	}
	j, err := h.jobs.GetJob(id)
	if err != nil {
		return nil, err
	}
	return jobReply{Success: true, Job: j}, nil
}

func (h *Handler) cancelJob(ctx context.Context, msg connector.Message) (any, error) {
	id, err := decodeJobID(msg)
	if err != nil {
		return nil, err
	}
	j, err := h.jobs.CancelJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return jobReply{Success: true, Job: j}, nil
}

func (h *Handler) workerReply(st supervisor.Status, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return workerReply{Success: true, Worker: st}, nil
}

func (h *Handler) serviceStatus() statusReply {
	r := statusReply{
		Success:   true,
		Connected: h.connector.IsConnected(),
		Transport: h.connector.ActiveKind(),
	}
	if st, ok := h.jobs.WorkerStatus(); ok {
		r.Worker = &st
	}
	if h.providers != nil {
		r.ActiveProvider = h.providers.ActiveName()
		r.Providers = h.providers.Statuses()
	}
	return r
}

func decodeJobID(msg connector.Message) (string, error) {
	var p jobIDParams
	if err := msg.DecodeData(&p); err != nil {
		return "", apperrors.Validation("jobId", "invalid request: "+err.Error())
	}
	if p.JobID == "" {
		return "", apperrors.Validation("jobId", "jobId is required")
	}
	return p.JobID, nil
}

type offerParams struct {
	Offer *webrtc.SessionDescription `json:"offer"`
	SDP   string                     `json:"sdp"`
}

type candidateParams struct {
	Candidate json.RawMessage `json:"candidate"`
}

func (h *Handler) handleOffer(s *connector.Session, msg connector.Message) {
	if h.signaling == nil {
		h.reply(s, msg, TypeAnswer, failure(apperrors.Validation("type", "WebRTC is not enabled")))
		return
	}

	var p offerParams
	if err := msg.DecodeData(&p); err != nil {
		h.reply(s, msg, TypeAnswer, failure(apperrors.Validation("offer", "invalid offer: "+err.Error())))
		return
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}
	if p.Offer != nil {
		offer = *p.Offer
	}

	onCandidate := func(c webrtc.ICECandidateInit) {
		if err := h.connector.Send(s, TypeCandidate, map[string]any{"candidate": c}); err != nil {
			h.logger.Debug("Candidate not sent", "session", s.ID(), "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(h.ctx, 10*time.Second)
	defer cancel()
	answer, err := h.signaling.HandleOffer(ctx, offer, onCandidate)
	if err != nil {
		h.logger.Warn("WebRTC offer rejected", "session", s.ID(), "error", err)
		h.reply(s, msg, TypeAnswer, failure(err))
		return
	}
	h.reply(s, msg, TypeAnswer, map[string]any{"success": true, "answer": answer})
}

func (h *Handler) handleCandidate(s *connector.Session, msg connector.Message) {
	if h.signaling == nil {
		return
	}

	var p candidateParams
	if err := msg.DecodeData(&p); err != nil {
		h.logger.Debug("Invalid ICE candidate message", "session", s.ID(), "error", err)
		return
	}
	var init webrtc.ICECandidateInit
	var err error
	switch {
	case len(p.Candidate) > 0 && p.Candidate[0] == '{':
		err = json.Unmarshal(p.Candidate, &init)
	case len(p.Candidate) > 0:
		err = json.Unmarshal(p.Candidate, &init.Candidate)
	}
	if err != nil || init.Candidate == "" {
		h.logger.Debug("Ignoring empty ICE candidate", "session", s.ID(), "error", err)
		return
	}
	if err := h.signaling.AddCandidate(init); err != nil {
		h.logger.Warn("ICE candidate rejected", "session", s.ID(), "error", err)
	}
}

var _ connector.Dispatcher = (*Handler)(nil)
