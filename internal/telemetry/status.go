package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Snapshot is the status endpoint's view of the run. The training loop
// updates it as phases change; readers always see a complete copy.
type Snapshot struct {
	Running        bool    `json:"running"`
	RunID          string  `json:"run_id"`
	Algorithm      string  `json:"algorithm"`
	Phase          string  `json:"phase"`
	Iteration      int     `json:"iteration"`
	PopulationSize int     `json:"population_size"`
	OpponentID     string  `json:"opponent_id,omitempty"`
	EpisodesPlayed int     `json:"episodes_played"`
	LastBatchRate  float64 `json:"last_batch_win_rate"`
	LastEvalRate   float64 `json:"last_eval_win_rate"`
	StartedAtUTC   string  `json:"started_at_utc,omitempty"`
	UpdatedAtUTC   string  `json:"updated_at_utc,omitempty"`
}

// Status is the shared mutable snapshot behind the endpoint. The zero
// value is usable; a nil *Status drops every update.
type Status struct {
	mu   sync.RWMutex
	snap Snapshot
}

// Update applies fn to the snapshot under the write lock and stamps the
// update time.
func (s *Status) Update(fn func(*Snapshot)) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.snap)
	s.snap.UpdatedAtUTC = time.Now().UTC().Format(time.RFC3339)
}

// Snapshot returns a copy of the current state.
func (s *Status) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Server serves the trainer status API and the Prometheus scrape
// endpoint on one internal listen address.
type Server struct {
	status *Status
	srv    *http.Server
}

func NewServer(addr string, status *Status) *Server {
	s := &Server{status: status}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/trainer/health", s.handleHealth)
	mux.HandleFunc("/api/trainer/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start binds the listen address and serves in the background. The bind
// happens synchronously so a bad address fails here, not later.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("status server stopped", "addr", s.srv.Addr, "err", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.status.Snapshot())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode status response", "err", err)
	}
}
