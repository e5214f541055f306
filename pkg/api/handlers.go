package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/spinehq/spine/pkg/contracts"
)

// Ingestor is the business core the webhook handler delegates to.
type Ingestor interface {
	Ingest(ctx context.Context, rec contracts.WebhookRecord) (contracts.IngestOutcome, error)
}

// Server wires the webhook endpoint, health check and dashboard reads.
type Server struct {
	ingestor Ingestor
	reader   DashboardReader
	limiter  *GlobalRateLimiter
	logger   *slog.Logger
}

type ServerOption func(*Server)

// WithRateLimiter enables per-IP limiting on the webhook endpoint.
func WithRateLimiter(rl *GlobalRateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

func NewServer(ingestor Ingestor, reader DashboardReader, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		ingestor: ingestor,
		reader:   reader,
		logger:   logger.With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler assembles the route table with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	var webhook http.Handler = http.HandlerFunc(s.handleWebhook)
	if s.limiter != nil {
		webhook = s.limiter.Middleware(webhook)
	}
	mux.Handle("POST /webhook", webhook)
	// Non-POST hits on /webhook get a problem-detail 405 instead of the
	// mux's plain-text default.
	mux.HandleFunc("/webhook", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Allow", http.MethodPost)
		WriteMethodNotAllowed(w)
	})
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/events", s.handleRecentEvents)
	mux.HandleFunc("GET /api/audit", s.handleRecentAudit)
	mux.HandleFunc("GET /api/processing", s.handleRecentProcessing)

	return RequestID(Logging(s.logger)(mux))
}

type webhookResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	EventID string `json:"event_id"`
}

// handleWebhook decodes, validates and ingests one webhook. All three
// business outcomes return 200; the outcome travels in the body.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()

	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		WriteUnprocessable(w, r, "request body is not valid JSON: "+err.Error())
		return
	}

	occurredAt, err := validateWebhook(body)
	if err != nil {
		WriteUnprocessable(w, r, err.Error())
		return
	}

	payload, _ := body["payload"].(map[string]any)
	rec := contracts.WebhookRecord{
		EventID:    body["event_id"].(string),
		EventType:  body["event_type"].(string),
		OccurredAt: occurredAt,
		Payload:    payload,
	}

	outcome, err := s.ingestor.Ingest(r.Context(), rec)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	resp := webhookResponse{
		Status:  string(outcome),
		EventID: rec.EventID,
	}
	switch outcome {
	case contracts.OutcomeAccepted:
		resp.Message = "Event accepted for processing"
	case contracts.OutcomeDeduplicated:
		resp.Message = "Duplicate event ignored"
	case contracts.OutcomeConflict:
		resp.Message = "Event ID already exists with a different payload"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
