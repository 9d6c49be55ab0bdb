package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"remindflow/internal/agent"
	"remindflow/internal/store"
)

// StaleAfter is how old the heartbeat may be before /health reports the
// scheduler as dead.
const StaleAfter = 10 * time.Minute

type Server struct {
	repo        store.Repository
	loop        *agent.Loop
	completions *agent.CompletionHandler
	staleAfter  time.Duration
}

func NewServer(repo store.Repository, loop *agent.Loop, completions *agent.CompletionHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{repo: repo, loop: loop, completions: completions, staleAfter: StaleAfter}

	r.Get("/health", s.health)
	r.Get("/api/heartbeat", s.heartbeat)
	r.Get("/api/tasks/{id}/occurrences", s.listOccurrences)
	r.Post("/api/events/task-completed", s.taskCompleted)
	r.Post("/api/run", s.runNow)

	return r
}

// health reports 503 when the heartbeat is stale; external alerting treats a
// stale heartbeat as a dead scheduler.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	hb, err := s.repo.Heartbeat(r.Context())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "no heartbeat yet", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if time.Since(hb.LastRunAt) > s.staleAfter {
		http.Error(w, "heartbeat stale", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type heartbeatResp struct {
	LastRunAt time.Time `json:"last_run_at"`
	Processed int64     `json:"processed"`
	Fired     int64     `json:"fired"`
	Errors    int64     `json:"errors"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	hb, err := s.repo.Heartbeat(r.Context())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResp{
		LastRunAt: hb.LastRunAt,
		Processed: hb.Processed,
		Fired:     hb.Fired,
		Errors:    hb.Errors,
		Status:    string(hb.Status),
		UpdatedAt: hb.UpdatedAt,
	})
}

type occurrenceResp struct {
	ID      int64     `json:"id"`
	TaskID  string    `json:"task_id"`
	FiredAt time.Time `json:"fired_at"`
	Outcome string    `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

func (s *Server) listOccurrences(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	occ, err := s.repo.ListOccurrences(r.Context(), taskID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]occurrenceResp, 0, len(occ))
	for _, o := range occ {
		out = append(out, occurrenceResp{
			ID:      o.ID,
			TaskID:  o.TaskID,
			FiredAt: o.FiredAt,
			Outcome: string(o.Outcome),
			Detail:  o.Detail,
			SentAt:  o.SentAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// taskCompleted is the inbound at-least-once trigger for the event-driven
// path; redelivered events are absorbed by the handler's guard.
func (s *Server) taskCompleted(w http.ResponseWriter, r *http.Request) {
	var ev agent.CompletionEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ev.TaskID == "" {
		http.Error(w, "task_id is required", http.StatusBadRequest)
		return
	}
	if err := s.completions.HandleCompleted(r.Context(), ev); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// runNow triggers a cycle out of band. Overlap with the scheduled cycle is
// safe: RunCycle refuses to run concurrently with itself.
func (s *Server) runNow(w http.ResponseWriter, r *http.Request) {
	// Detached from the request so the cycle outlives the HTTP response, but
	// bound to the loop's lifetime so shutdown drains it.
	go s.loop.RunNow()
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
