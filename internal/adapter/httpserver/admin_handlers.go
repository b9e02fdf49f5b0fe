package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/play-fulfillment/internal/domain"
)

// Read-only operational views. No mutation happens here; remediation goes
// through the primary API or the database.

type taskResponse struct {
	ID          string     `json:"id"`
	OrderID     string     `json:"order_id"`
	Sequence    int        `json:"sequence"`
	Quantity    int        `json:"quantity"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	ProxyNodeID string     `json:"proxy_node_id,omitempty"`
	WorkerID    string     `json:"worker_id,omitempty"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	RetryAfter  *time.Time `json:"retry_after,omitempty"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
}

func toTaskResponses(tasks []domain.Task) []taskResponse {
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskResponse{
			ID:          t.ID,
			OrderID:     t.OrderID,
			Sequence:    t.Sequence,
			Quantity:    t.Quantity,
			Status:      string(t.Status),
			Attempts:    t.Attempts,
			MaxAttempts: t.MaxAttempts,
			LastError:   t.LastError,
			ProxyNodeID: t.ProxyNodeID,
			WorkerID:    t.WorkerID,
			ScheduledAt: t.ScheduledAt,
			RetryAfter:  t.RetryAfter,
			ExecutedAt:  t.ExecutedAt,
		})
	}
	return out
}

// MountAdmin registers the read-only admin routes on r.
func (s *Server) MountAdmin(r chi.Router) {
	r.Route("/v1/admin", func(ar chi.Router) {
		ar.Get("/orders/{id}/tasks", s.OrderTasksHandler())
		ar.Get("/orders/{id}/failed", s.OrderFailedTasksHandler())
		ar.Get("/orders/{id}/anomalies", s.OrderAnomaliesHandler())
		ar.Get("/dead-letter", s.DeadLetterHandler())
		ar.Get("/worker-metrics", s.WorkerMetricsHandler())
		ar.Get("/capacity", s.CapacityHandler())
		ar.Get("/users/{id}/balance", s.BalanceHandler())
	})
}

// OrderTasksHandler lists every task of an order.
func (s *Server) OrderTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks, err := s.Tasks.ListByOrder(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": toTaskResponses(tasks)})
	}
}

// OrderFailedTasksHandler lists an order's permanently failed tasks.
func (s *Server) OrderFailedTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks, err := s.Tasks.ListFailedByOrder(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": toTaskResponses(tasks)})
	}
}

// OrderAnomaliesHandler lists refund reconciliation anomalies for an order.
func (s *Server) OrderAnomaliesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		anomalies, err := s.Ledger.ListAnomalies(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		type anomalyResponse struct {
			ID        string    `json:"id"`
			OrderID   string    `json:"order_id"`
			Severity  string    `json:"severity"`
			Detail    string    `json:"detail"`
			CreatedAt time.Time `json:"created_at"`
		}
		out := make([]anomalyResponse, 0, len(anomalies))
		for _, a := range anomalies {
			out = append(out, anomalyResponse{
				ID: a.ID, OrderID: a.OrderID, Severity: string(a.Severity),
				Detail: a.Detail, CreatedAt: a.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"anomalies": out})
	}
}

// DeadLetterHandler lists permanently failed tasks across all orders.
func (s *Server) DeadLetterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 1000 {
				writeError(w, r, domain.ErrInvalidArgument, map[string]string{"limit": raw})
				return
			}
			limit = n
		}
		tasks, err := s.Tasks.ListDeadLetter(r.Context(), limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": toTaskResponses(tasks)})
	}
}

// WorkerMetricsHandler exports the local engine counters.
func (s *Server) WorkerMetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Stats == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no worker in this process"})
			return
		}
		snap, err := s.Stats.Snapshot(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// CapacityHandler returns the current admission snapshot.
func (s *Server) CapacityHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.Planner.Snapshot(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// BalanceHandler returns one user's current balance.
func (s *Server) BalanceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		balance, err := s.Ledger.Balance(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"user_id": id, "balance": balance.StringFixed(2)})
	}
}
