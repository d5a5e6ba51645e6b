// Package statusapi exposes a scheduler's statistics, pending/active
// counts, and server_has_open_slots/heap_has_open_slots queries as a JSON
// HTTP endpoint, mirroring the teacher's TileStatus/RenderStatus JSON
// status objects in internal/server/ondemand_tiles.go. No wire protocol
// is part of the scheduler core itself (spec.md §6); this is an optional
// operational surface supplemented for a shipped engine integration.
package statusapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/MeKo-Tech/tilescheduler/internal/scheduler"
)

// Status is the JSON body served by Handler.
type Status struct {
	Stats   scheduler.Stats `json:"stats"`
	Pending int             `json:"pending"`
	Active  int             `json:"active"`
}

// API serves a scheduler's status over HTTP.
type API struct {
	sched  *scheduler.Scheduler
	logger *slog.Logger
}

// New constructs an API for sched. A nil logger defaults to slog.Default().
func New(sched *scheduler.Scheduler, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{sched: sched, logger: logger.With("component", "statusapi")}
}

// Status returns a point-in-time snapshot of the scheduler's state.
func (a *API) Status() Status {
	return Status{
		Stats:   a.sched.Stats(),
		Pending: a.sched.PendingLen(),
		Active:  a.sched.ActiveLen(),
	}
}

// Handler returns an http.Handler serving the scheduler's status as JSON.
func (a *API) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")

		if err := json.NewEncoder(w).Encode(a.Status()); err != nil {
			a.logger.Error("failed to encode status", "error", err)
			http.Error(w, "failed to encode status", http.StatusInternalServerError)
		}
	})
}

// ServerSlotsHandler exposes server_has_open_slots(key, n) as
// GET /server-slots?key=<server_key>&n=<count>.
func (a *API) ServerSlotsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		n := parsePositiveInt(r.URL.Query().Get("n"), 1)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{
			"has_open_slots": a.sched.ServerHasOpenSlots(key, n),
		})
	})
}

// HeapSlotsHandler exposes heap_has_open_slots(n) as
// GET /heap-slots?n=<count>.
func (a *API) HeapSlotsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := parsePositiveInt(r.URL.Query().Get("n"), 1)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{
			"has_open_slots": a.sched.HeapHasOpenSlots(n),
		})
	})
}

func parsePositiveInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
