package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatusUpdateAndSnapshot(t *testing.T) {
	var status Status

	status.Update(func(s *Snapshot) {
		s.Running = true
		s.RunID = "run-1"
		s.Algorithm = "self-play"
		s.Iteration = 3
		s.PopulationSize = 2
	})

	snap := status.Snapshot()
	if !snap.Running {
		t.Fatalf("expected running snapshot")
	}
	if snap.RunID != "run-1" || snap.Iteration != 3 || snap.PopulationSize != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.UpdatedAtUTC == "" {
		t.Fatalf("expected update timestamp")
	}

	// Later updates must not leak into the earlier copy.
	status.Update(func(s *Snapshot) { s.Iteration = 4 })
	if snap.Iteration != 3 {
		t.Fatalf("snapshot mutated after copy: %+v", snap)
	}
}

func TestStatusNilSafe(t *testing.T) {
	var status *Status
	status.Update(func(s *Snapshot) { s.Iteration = 1 })
	if snap := status.Snapshot(); snap.Iteration != 0 {
		t.Fatalf("nil status returned non-zero snapshot: %+v", snap)
	}
}

func TestServerEndpoints(t *testing.T) {
	var status Status
	status.Update(func(s *Snapshot) {
		s.Running = true
		s.RunID = "run-7"
		s.Phase = "collecting"
	})

	server := NewServer("127.0.0.1:0", &status)

	rec := httptest.NewRecorder()
	server.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/api/trainer/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	var health map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "ok" {
		t.Fatalf("unexpected health payload: %v", health)
	}

	rec = httptest.NewRecorder()
	server.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/trainer/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status status = %d", rec.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if snap.RunID != "run-7" || snap.Phase != "collecting" || !snap.Running {
		t.Fatalf("unexpected status payload: %+v", snap)
	}
}

func TestServerStartAndShutdown(t *testing.T) {
	var status Status
	server := NewServer("127.0.0.1:0", &status)
	if err := server.Start(); err != nil {
		t.Fatalf("start status server: %v", err)
	}
	if err := server.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown status server: %v", err)
	}
}
