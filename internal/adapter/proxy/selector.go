package proxy

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/fairyhunter13/play-fulfillment/internal/adapter/observability"
	"github.com/fairyhunter13/play-fulfillment/internal/domain"
)

// Select picks the next node for a task from a candidate list.
//
// HEALTHY candidates are strictly preferred over DEGRADED ones regardless of
// load; within a band, ascending current-load with the node id as the
// deterministic tie-break, so repeated calls on the same input return the
// same node. Picking a DEGRADED node emits a degraded-fallback log line.
func Select(taskID string, candidates []domain.ProxyNode, region string) (domain.ProxyNode, error) {
	eligible := make([]domain.ProxyNode, 0, len(candidates))
	for _, n := range candidates {
		if !n.Selectable() {
			continue
		}
		if region != "" && n.Region != region {
			continue
		}
		eligible = append(eligible, n)
	}
	if len(eligible) == 0 {
		return domain.ProxyNode{}, fmt.Errorf("op=proxy.select: %w", domain.ErrNoAvailableNode)
	}

	healthy := eligible[:0:0]
	for _, n := range eligible {
		if n.Health == domain.HealthHealthy {
			healthy = append(healthy, n)
		}
	}
	pool := eligible
	degradedFallback := false
	if len(healthy) > 0 {
		pool = healthy
	} else {
		degradedFallback = true
	}

	sort.Slice(pool, func(i, j int) bool {
		if pool[i].CurrentLoad != pool[j].CurrentLoad {
			return pool[i].CurrentLoad < pool[j].CurrentLoad
		}
		return pool[i].ID < pool[j].ID
	})
	picked := pool[0]

	if degradedFallback {
		observability.DegradedFallbacksTotal.Inc()
		slog.Warn("degraded-fallback",
			slog.String("node_id", picked.ID),
			slog.String("task_id", taskID))
	}
	return picked, nil
}
