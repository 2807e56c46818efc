// Package api provides the HTTP surface of the map generation server: the
// peer WebSocket, out-of-band WebRTC signaling, a small job API and the
// stored artifacts.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/apperrors"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/health"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/job"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/provider"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/signaling"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/supervisor"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// JobService is the job API exposed over HTTP.
type JobService interface {
	StartJob(ctx context.Context, req *job.Request) (*job.StartResponse, error)
	GetJob(id string) (*job.Job, error)
	CancelJob(ctx context.Context, id string) (*job.Job, error)
	ListJobs() *job.ListResponse
	WorkerStatus() (supervisor.Status, bool)
}

// ProviderLister reports provider health.
type ProviderLister interface {
	Statuses() []provider.Status
	ActiveName() string
}

// OfferAnswerer answers WebRTC offers.
type OfferAnswerer interface {
	HandleOffer(ctx context.Context, offer webrtc.SessionDescription, onCandidate signaling.CandidateFunc) (webrtc.SessionDescription, error)
}

// SocketServer pumps an upgraded WebSocket until it closes.
type SocketServer interface {
	ServeWebSocket(ctx context.Context, conn *websocket.Conn)
}

// Handler contains the HTTP handlers.
type Handler struct {
	jobs      JobService
	providers ProviderLister
	signaling OfferAnswerer
	sockets   SocketServer
	health    *health.Checker
	upgrader  websocket.Upgrader
	baseCtx   context.Context
}

// NewHandler creates a new API handler. Any dependency may be nil; the
// routes that need it answer 503.
func NewHandler(cfg RouterConfig) *Handler {
	baseCtx := cfg.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Handler{
		jobs:      cfg.Jobs,
		providers: cfg.Providers,
		signaling: cfg.Signaling,
		sockets:   cfg.Sockets,
		health:    cfg.HealthChecker,
		baseCtx:   baseCtx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The game client is served from its own origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		h.writeError(w, http.StatusServiceUnavailable, "job service not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.jobs.StartJob(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		h.writeError(w, http.StatusServiceUnavailable, "job service not configured")
		return
	}
	h.writeJSON(w, http.StatusOK, h.jobs.ListJobs())
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		h.writeError(w, http.StatusServiceUnavailable, "job service not configured")
		return
	}
	j, err := h.jobs.GetJob(chi.URLParam(r, "jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// DeleteJob handles DELETE /v1/jobs/{jobId} by cancelling the job.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		h.writeError(w, http.StatusServiceUnavailable, "job service not configured")
		return
	}
	j, err := h.jobs.CancelJob(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

type providersResponse struct {
	Active    string            `json:"active,omitempty"`
	Providers []provider.Status `json:"providers"`
}

// ListProviders handles GET /v1/providers
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	if h.providers == nil {
		h.writeJSON(w, http.StatusOK, providersResponse{Providers: []provider.Status{}})
		return
	}
	h.writeJSON(w, http.StatusOK, providersResponse{
		Active:    h.providers.ActiveName(),
		Providers: h.providers.Statuses(),
	})
}

// WorkerStatus handles GET /v1/worker
func (h *Handler) WorkerStatus(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		h.writeError(w, http.StatusServiceUnavailable, "job service not configured")
		return
	}
	st, ok := h.jobs.WorkerStatus()
	if !ok {
		h.writeError(w, http.StatusNotFound, "no local worker configured")
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

type offerRequest struct {
	Offer *webrtc.SessionDescription `json:"offer"`
	Type  string                     `json:"type"`
	SDP   string                     `json:"sdp"`
}

type offerResponse struct {
	Answer *webrtc.SessionDescription `json:"answer,omitempty"`
	Error  string                     `json:"error,omitempty"`
}

// WebRTCOffer handles POST /webrtc-offer. Candidates cannot be trickled over
// a single request, so the answer carries what was gathered when it was made.
func (h *Handler) WebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if h.signaling == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, offerResponse{Error: "WebRTC is not enabled"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, offerResponse{Error: "Invalid request body: " + err.Error()})
		return
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: req.SDP}
	if req.Offer != nil {
		offer = *req.Offer
	}

	answer, err := h.signaling.HandleOffer(r.Context(), offer, nil)
	if err != nil {
		status := apperrors.HTTPStatus(err)
		slog.WarnContext(r.Context(), "WebRTC offer rejected", "status", status, "error", err)
		h.writeJSON(w, status, offerResponse{Error: err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, offerResponse{Answer: &answer})
}

// Socket handles GET /ws. The upgraded connection becomes the active peer
// session and outlives the request context.
func (h *Handler) Socket(w http.ResponseWriter, r *http.Request) {
	if h.sockets == nil {
		h.writeError(w, http.StatusServiceUnavailable, "peer sessions not configured")
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		slog.WarnContext(r.Context(), "WebSocket upgrade failed", "error", err)
		return
	}
	h.sockets.ServeWebSocket(h.baseCtx, conn)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 when no provider can take work.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError maps application errors to HTTP responses
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Request failed", "status", status, "error", err)
	} else {
		slog.WarnContext(r.Context(), "Request failed", "status", status, "error", err)
	}
	h.writeError(w, status, err.Error())
}
