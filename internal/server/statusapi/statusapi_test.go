package statusapi

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/MeKo-Tech/tilescheduler/internal/scheduler"
)

func TestHandlerServesStatusJSON(t *testing.T) {
	sched := scheduler.New(scheduler.DefaultConfig())
	api := New(sched, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/status", nil)
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected json content type, got %q", ct)
	}

	var status Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestServerSlotsHandlerReportsOpenSlots(t *testing.T) {
	sched := scheduler.New(scheduler.DefaultConfig())
	api := New(sched, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/server-slots?key=api.example.com:443&n=1", nil)
	api.ServerSlotsHandler().ServeHTTP(rec, req)

	var body map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !body["has_open_slots"] {
		t.Fatalf("expected an open slot on a fresh scheduler")
	}
}

func TestHeapSlotsHandlerReportsOpenSlots(t *testing.T) {
	sched := scheduler.New(scheduler.DefaultConfig())
	api := New(sched, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/heap-slots?n=1", nil)
	api.HeapSlotsHandler().ServeHTTP(rec, req)

	var body map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !body["has_open_slots"] {
		t.Fatalf("expected heap open slots on a fresh scheduler")
	}
}
