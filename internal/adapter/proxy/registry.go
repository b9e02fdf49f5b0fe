// Package proxy holds the outbound node pool: registration, rolling health
// evaluation from task-result reports, and selection.
package proxy

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/play-fulfillment/internal/adapter/observability"
	"github.com/fairyhunter13/play-fulfillment/internal/domain"
)

// latencyWindow bounds the per-node latency sample ring.
const latencyWindow = 256

// Registry is the source of truth for the node pool. Health state is a pure
// function of the rolling success rate and is recomputed and persisted on
// every metrics report.
type Registry struct {
	repo domain.ProxyRepository

	mu      sync.Mutex
	latency map[string][]float64
}

// NewRegistry constructs a Registry over the given repository.
func NewRegistry(repo domain.ProxyRepository) *Registry {
	return &Registry{repo: repo, latency: make(map[string][]float64)}
}

// Register persists a node in ONLINE status with a clean metrics window.
func (r *Registry) Register(ctx domain.Context, n domain.ProxyNode) (string, error) {
	id, err := r.repo.Register(ctx, n)
	if err != nil {
		return "", err
	}
	observability.SetNodeHealth(id, string(domain.HealthHealthy))
	slog.Info("proxy node registered",
		slog.String("node_id", id),
		slog.String("address", fmt.Sprintf("%s:%d", n.Address, n.Port)),
		slog.String("tier", n.Tier.String()),
		slog.String("region", n.Region))
	return id, nil
}

// Report folds one task-result report into the node's rolling window,
// recomputes the derived rates and quantiles, and persists the new health
// state.
func (r *Registry) Report(ctx domain.Context, rep domain.MetricsReport) error {
	m, err := r.repo.GetMetrics(ctx, rep.NodeID)
	if err != nil {
		return err
	}
	m.Observe(rep.Success, rep.ErrorCode)
	m.LatencyP50, m.LatencyP95, m.LatencyP99 = r.observeLatency(rep.NodeID, float64(rep.LatencyMS))

	health := domain.HealthFor(m.SuccessRate)
	if err := r.repo.UpdateMetrics(ctx, m, health); err != nil {
		return err
	}
	observability.SetNodeHealth(rep.NodeID, string(health))
	if health != domain.HealthHealthy {
		slog.Debug("node health recomputed",
			slog.String("node_id", rep.NodeID),
			slog.String("health", string(health)),
			slog.Float64("success_rate", m.SuccessRate),
			slog.Float64("ban_rate", m.BanRate))
	}
	return nil
}

// ResetWindow zeroes a node's rolling counters; invoked by an external timer.
func (r *Registry) ResetWindow(ctx domain.Context, nodeID string, windowStart time.Time) error {
	r.mu.Lock()
	delete(r.latency, nodeID)
	r.mu.Unlock()
	if err := r.repo.ResetWindow(ctx, nodeID, windowStart); err != nil {
		return err
	}
	observability.SetNodeHealth(nodeID, string(domain.HealthHealthy))
	return nil
}

// ListSelectable returns the current selection candidates.
func (r *Registry) ListSelectable(ctx domain.Context, tier *domain.NodeTier, region string) ([]domain.ProxyNode, error) {
	return r.repo.ListSelectable(ctx, tier, region)
}

// Get loads one node.
func (r *Registry) Get(ctx domain.Context, id string) (domain.ProxyNode, error) {
	return r.repo.Get(ctx, id)
}

// SetStatus flips a node's operational status.
func (r *Registry) SetStatus(ctx domain.Context, id string, status domain.NodeStatus) error {
	return r.repo.SetStatus(ctx, id, status)
}

// Lease marks one logical lease on the node; Release returns it.
func (r *Registry) Lease(ctx domain.Context, id string) error {
	return r.repo.AdjustLoad(ctx, id, 1)
}

// Release returns one logical lease.
func (r *Registry) Release(ctx domain.Context, id string) error {
	return r.repo.AdjustLoad(ctx, id, -1)
}

// observeLatency appends a sample to the node's ring and recomputes the
// window quantiles.
func (r *Registry) observeLatency(nodeID string, ms float64) (p50, p95, p99 float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := append(r.latency[nodeID], ms)
	if len(s) > latencyWindow {
		s = s[len(s)-latencyWindow:]
	}
	r.latency[nodeID] = s

	sorted := make([]float64, len(s))
	copy(sorted, s)
	sort.Float64s(sorted)
	return quantile(sorted, 0.50), quantile(sorted, 0.95), quantile(sorted, 0.99)
}

// quantile reads the q-th quantile from an ascending slice (nearest-rank).
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
