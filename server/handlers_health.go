package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/herald/db"
)

// Pinger reports database reachability; *sql.DB implements it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// StatusSource lists the most recent run of every poller job; *db.Store implements it.
type StatusSource interface {
	LatestJobRuns(ctx context.Context) ([]db.JobRunRow, error)
}

// Handlers holds the dependencies of the HTTP endpoints.
type Handlers struct {
	DB     Pinger
	Status StatusSource
	// Pollers names the pollers started by this process, reported on /status.
	Pollers []string
	Logger  *slog.Logger
}

func (h *Handlers) log() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default().With(slog.String("component", "http"))
}

// HandleHealthz responds to liveness probes. It does not touch the database.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes with the first failing check, if any.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.DB.PingContext(ctx) }},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	Pollers []string       `json:"pollers"`
	Jobs    []db.JobRunRow `json:"jobs"`
}

// HandleStatus reports the enabled pollers and the latest run of each job.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{Pollers: h.Pollers, Jobs: []db.JobRunRow{}}
	if resp.Pollers == nil {
		resp.Pollers = []string{}
	}
	if h.Status != nil {
		runs, err := h.Status.LatestJobRuns(r.Context())
		if err != nil {
			h.log().Error("status query failed", slog.Any("err", err))
			http.Error(w, "status unavailable", http.StatusInternalServerError)
			return
		}
		if runs != nil {
			resp.Jobs = runs
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
