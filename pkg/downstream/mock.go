package downstream

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
)

// MockServer simulates an unreliable third-party API for local runs and
// tests. Failures are real HTTP 500 responses, so the deliverer's
// status-code check exercises the same path as production.
type MockServer struct {
	mu          sync.Mutex
	failureRate float64
	rng         *rand.Rand
	logger      *slog.Logger
}

func NewMockServer(failureRate float64, seed int64, logger *slog.Logger) *MockServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &MockServer{
		failureRate: failureRate,
		rng:         rand.New(rand.NewSource(seed)),
		logger:      logger.With("component", "mock-downstream"),
	}
}

// Handler returns the HTTP handler for the mock endpoint.
func (m *MockServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /third_party/mock", m.handleMock)
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"service": "mock-downstream", "status": "healthy"})
	})
	return mux
}

func (m *MockServer) handleMock(w http.ResponseWriter, r *http.Request) {
	var req deliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	m.mu.Lock()
	fail := m.rng.Float64() < m.failureRate
	m.mu.Unlock()

	if fail {
		m.logger.Warn("simulated failure", "event_id", req.EventID)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "simulated failure"})
		return
	}

	m.logger.Info("delivery accepted", "event_id", req.EventID)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "success",
		"event_id": req.EventID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
