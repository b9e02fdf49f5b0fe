package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/fairyhunter13/play-fulfillment/internal/adapter/proxy"
	"github.com/fairyhunter13/play-fulfillment/internal/config"
	"github.com/fairyhunter13/play-fulfillment/internal/domain"
	"github.com/fairyhunter13/play-fulfillment/internal/usecase"
	"github.com/fairyhunter13/play-fulfillment/internal/worker"
)

// WorkerStats exposes the engine counters to the admin surface. Nil in
// API-only deployments.
type WorkerStats interface {
	Snapshot(ctx domain.Context) (worker.Snapshot, error)
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg      config.Config
	Intake   usecase.IntakeService
	Planner  *usecase.CapacityPlanner
	Registry *proxy.Registry
	Orders   domain.OrderRepository
	Tasks    domain.TaskRepository
	Ledger   domain.LedgerRepository
	Stats    WorkerStats

	DBCheck    func(ctx context.Context) error
	QueueCheck func(ctx context.Context) error
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type submitOrderRequest struct {
	UserID       string `json:"user_id" validate:"required"`
	ServiceID    string `json:"service_id" validate:"required"`
	Quantity     int    `json:"quantity" validate:"required,min=1"`
	PricePerUnit string `json:"price_per_unit" validate:"required"`
	TargetRef    string `json:"target_ref" validate:"required"`
	Region       string `json:"region"`
}

type orderResponse struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	ServiceID       string     `json:"service_id"`
	Quantity        int        `json:"quantity"`
	PricePerUnit    string     `json:"price_per_unit"`
	TargetRef       string     `json:"target_ref"`
	Region          string     `json:"region,omitempty"`
	Status          string     `json:"status"`
	Delivered       int        `json:"delivered"`
	Remains         int        `json:"remains"`
	FailedPermanent int        `json:"failed_permanent"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EstimatedAt     *time.Time `json:"estimated_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func toOrderResponse(o domain.Order) orderResponse {
	return orderResponse{
		ID:              o.ID,
		UserID:          o.UserID,
		ServiceID:       o.ServiceID,
		Quantity:        o.Quantity,
		PricePerUnit:    o.PricePerUnit.String(),
		TargetRef:       o.TargetRef,
		Region:          o.Region,
		Status:          string(o.Status),
		Delivered:       o.Delivered,
		Remains:         o.Remains,
		FailedPermanent: o.FailedPermanent,
		CreatedAt:       o.CreatedAt,
		StartedAt:       o.StartedAt,
		EstimatedAt:     o.EstimatedAt,
		CompletedAt:     o.CompletedAt,
	}
}

// SubmitOrderHandler accepts a new order. The Idempotency-Key header makes
// retried submissions safe.
func (s *Server) SubmitOrderHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: malformed JSON body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		price, err := decimal.NewFromString(req.PricePerUnit)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: bad price_per_unit", domain.ErrInvalidArgument), nil)
			return
		}

		o, err := s.Intake.Submit(r.Context(), usecase.SubmitOrderInput{
			UserID:       req.UserID,
			ServiceID:    req.ServiceID,
			Quantity:     req.Quantity,
			PricePerUnit: price,
			TargetRef:    req.TargetRef,
			Region:       req.Region,
			IdemKey:      r.Header.Get("Idempotency-Key"),
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, toOrderResponse(o))
	}
}

// GetOrderHandler returns one order by id.
func (s *Server) GetOrderHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, err := s.Orders.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toOrderResponse(o))
	}
}

type registerNodeRequest struct {
	Provider string `json:"provider"`
	Address  string `json:"address" validate:"required"`
	Port     int    `json:"port" validate:"required,min=1,max=65535"`
	Region   string `json:"region"`
	Tier     string `json:"tier"`
	Capacity int    `json:"capacity" validate:"required,min=1"`
}

// RegisterNodeHandler adds a proxy node to the selectable pool.
func (s *Server) RegisterNodeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerNodeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: malformed JSON body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		tier := domain.TierDatacenter
		if req.Tier != "" {
			var err error
			tier, err = domain.ParseTier(req.Tier)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
		}

		id, err := s.Registry.Register(r.Context(), domain.ProxyNode{
			Provider: req.Provider,
			Address:  req.Address,
			Port:     req.Port,
			Region:   req.Region,
			Tier:     tier,
			Capacity: req.Capacity,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		// New throughput changes the admission math.
		s.Planner.Invalidate()
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

type setNodeStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=online offline maintenance banned rate_limited"`
}

// SetNodeStatusHandler flips a node's operational status.
func (s *Server) SetNodeStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req setNodeStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: malformed JSON body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		id := chi.URLParam(r, "id")
		if err := s.Registry.SetStatus(r.Context(), id, domain.NodeStatus(req.Status)); err != nil {
			writeError(w, r, err, nil)
			return
		}
		s.Planner.Invalidate()
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": req.Status})
	}
}

// MetricsReportHandler ingests one task-result report from a dispatcher and
// folds it into the node's rolling health window.
func (s *Server) MetricsReportHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rep domain.MetricsReport
		if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
			writeError(w, r, fmt.Errorf("%w: malformed JSON body", domain.ErrInvalidArgument), nil)
			return
		}
		if rep.NodeID == "" {
			writeError(w, r, fmt.Errorf("%w: missing node_id", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.Registry.Report(r.Context(), rep); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

// ReadyzHandler verifies downstream dependencies.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		checks := map[string]func(context.Context) error{
			"db":    s.DBCheck,
			"queue": s.QueueCheck,
		}
		for name, check := range checks {
			if check == nil {
				continue
			}
			if err := check(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "failed": name})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
