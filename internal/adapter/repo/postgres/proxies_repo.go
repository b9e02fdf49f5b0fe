package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/play-fulfillment/internal/domain"
)

// ProxyRepo persists proxy nodes and their rolling metrics.
type ProxyRepo struct{ Pool PgxPool }

// NewProxyRepo constructs a ProxyRepo with the given pool.
func NewProxyRepo(p PgxPool) *ProxyRepo { return &ProxyRepo{Pool: p} }

const nodeColumns = `id, provider, address, port, region, tier, capacity, current_load, status, health, created_at`

func scanNode(row pgx.Row) (domain.ProxyNode, error) {
	var n domain.ProxyNode
	err := row.Scan(&n.ID, &n.Provider, &n.Address, &n.Port, &n.Region, &n.Tier,
		&n.Capacity, &n.CurrentLoad, &n.Status, &n.Health, &n.CreatedAt)
	return n, err
}

// Register persists a node in ONLINE status and seeds its metrics row with a
// clean window (successRate = 1.0). Unique on address.
func (r *ProxyRepo) Register(ctx domain.Context, n domain.ProxyNode) (string, error) {
	tracer := otel.Tracer("repo.proxies")
	ctx, span := tracer.Start(ctx, "proxies.Register")
	defer span.End()
	if n.Capacity < 1 {
		return "", fmt.Errorf("op=proxy.register: %w: capacity must be >= 1", domain.ErrInvalidArgument)
	}
	id := n.ID
	if id == "" {
		id = uuid.New().String()
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("op=proxy.register: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	qNode := `INSERT INTO proxy_nodes (` + nodeColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8,$9,$10)`
	if _, err := tx.Exec(ctx, qNode, id, n.Provider, n.Address, n.Port, n.Region, n.Tier,
		n.Capacity, domain.NodeOnline, domain.HealthHealthy, now); err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=proxy.register: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=proxy.register: %w", err)
	}
	qMetrics := `INSERT INTO proxy_metrics (node_id, total_requests, successful, failed, banned,
	success_rate, ban_rate, latency_p50, latency_p95, latency_p99, active_conns, peak_conns, window_start)
	VALUES ($1,0,0,0,0,1.0,0,0,0,0,0,0,$2)`
	if _, err := tx.Exec(ctx, qMetrics, id, now); err != nil {
		return "", fmt.Errorf("op=proxy.register: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("op=proxy.register: %w", err)
	}
	return id, nil
}

// Get loads a node by id.
func (r *ProxyRepo) Get(ctx domain.Context, id string) (domain.ProxyNode, error) {
	tracer := otel.Tracer("repo.proxies")
	ctx, span := tracer.Start(ctx, "proxies.Get")
	defer span.End()
	q := `SELECT ` + nodeColumns + ` FROM proxy_nodes WHERE id=$1`
	n, err := scanNode(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ProxyNode{}, fmt.Errorf("op=proxy.get: %w", domain.ErrNotFound)
		}
		return domain.ProxyNode{}, fmt.Errorf("op=proxy.get: %w", err)
	}
	return n, nil
}

// ListSelectable returns current selection candidates ordered by health
// preference (healthy before degraded), ascending load, ascending tier cost.
func (r *ProxyRepo) ListSelectable(ctx domain.Context, tier *domain.NodeTier, region string) ([]domain.ProxyNode, error) {
	tracer := otel.Tracer("repo.proxies")
	ctx, span := tracer.Start(ctx, "proxies.ListSelectable")
	defer span.End()
	q := `SELECT ` + nodeColumns + ` FROM proxy_nodes
	WHERE status=$1 AND health <> $2 AND current_load < capacity
	  AND ($3::int IS NULL OR tier = $3)
	  AND ($4 = '' OR region = $4)
	ORDER BY CASE health WHEN 'healthy' THEN 0 ELSE 1 END, current_load, tier, id`
	var tierArg *int
	if tier != nil {
		v := int(*tier)
		tierArg = &v
	}
	rows, err := r.Pool.Query(ctx, q, domain.NodeOnline, domain.HealthOffline, tierArg, region)
	if err != nil {
		return nil, fmt.Errorf("op=proxy.list_selectable: %w", err)
	}
	defer rows.Close()
	var out []domain.ProxyNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("op=proxy.list_selectable: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=proxy.list_selectable: %w", err)
	}
	return out, nil
}

// SetStatus updates a node's operational status.
func (r *ProxyRepo) SetStatus(ctx domain.Context, id string, status domain.NodeStatus) error {
	tracer := otel.Tracer("repo.proxies")
	ctx, span := tracer.Start(ctx, "proxies.SetStatus")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE proxy_nodes SET status=$2 WHERE id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("op=proxy.set_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=proxy.set_status: %w", domain.ErrNotFound)
	}
	return nil
}

// AdjustLoad moves current-load by delta, clamped at zero. Leases are
// logical; capacity is a soft cap enforced at selection time.
func (r *ProxyRepo) AdjustLoad(ctx domain.Context, id string, delta int) error {
	tracer := otel.Tracer("repo.proxies")
	ctx, span := tracer.Start(ctx, "proxies.AdjustLoad")
	defer span.End()
	q := `UPDATE proxy_nodes SET current_load = GREATEST(current_load + $2, 0) WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, delta); err != nil {
		return fmt.Errorf("op=proxy.adjust_load: %w", err)
	}
	return nil
}

// GetMetrics loads a node's rolling metrics row.
func (r *ProxyRepo) GetMetrics(ctx domain.Context, nodeID string) (domain.ProxyMetrics, error) {
	tracer := otel.Tracer("repo.proxies")
	ctx, span := tracer.Start(ctx, "proxies.GetMetrics")
	defer span.End()
	q := `SELECT node_id, total_requests, successful, failed, banned, success_rate, ban_rate,
	latency_p50, latency_p95, latency_p99, active_conns, peak_conns, window_start
	FROM proxy_metrics WHERE node_id=$1`
	var m domain.ProxyMetrics
	err := r.Pool.QueryRow(ctx, q, nodeID).Scan(&m.NodeID, &m.TotalRequests, &m.Successful,
		&m.Failed, &m.Banned, &m.SuccessRate, &m.BanRate, &m.LatencyP50, &m.LatencyP95,
		&m.LatencyP99, &m.ActiveConns, &m.PeakConns, &m.WindowStart)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ProxyMetrics{}, fmt.Errorf("op=proxy.get_metrics: %w", domain.ErrNotFound)
		}
		return domain.ProxyMetrics{}, fmt.Errorf("op=proxy.get_metrics: %w", err)
	}
	return m, nil
}

// UpdateMetrics writes the recomputed rolling metrics and the derived health
// state in one transaction.
func (r *ProxyRepo) UpdateMetrics(ctx domain.Context, m domain.ProxyMetrics, health domain.HealthState) error {
	tracer := otel.Tracer("repo.proxies")
	ctx, span := tracer.Start(ctx, "proxies.UpdateMetrics")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=proxy.update_metrics: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	qm := `UPDATE proxy_metrics SET total_requests=$2, successful=$3, failed=$4, banned=$5,
	success_rate=$6, ban_rate=$7, latency_p50=$8, latency_p95=$9, latency_p99=$10,
	active_conns=$11, peak_conns=$12, window_start=$13 WHERE node_id=$1`
	if _, err := tx.Exec(ctx, qm, m.NodeID, m.TotalRequests, m.Successful, m.Failed, m.Banned,
		m.SuccessRate, m.BanRate, m.LatencyP50, m.LatencyP95, m.LatencyP99,
		m.ActiveConns, m.PeakConns, m.WindowStart); err != nil {
		return fmt.Errorf("op=proxy.update_metrics: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE proxy_nodes SET health=$2 WHERE id=$1`, m.NodeID, health); err != nil {
		return fmt.Errorf("op=proxy.update_metrics: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=proxy.update_metrics: %w", err)
	}
	return nil
}

// ResetWindow zeroes a node's rolling counters. A fresh window assumes a
// healthy node until reports say otherwise.
func (r *ProxyRepo) ResetWindow(ctx domain.Context, nodeID string, windowStart time.Time) error {
	tracer := otel.Tracer("repo.proxies")
	ctx, span := tracer.Start(ctx, "proxies.ResetWindow")
	defer span.End()
	q := `UPDATE proxy_metrics SET total_requests=0, successful=0, failed=0, banned=0,
	success_rate=1.0, ban_rate=0, latency_p50=0, latency_p95=0, latency_p99=0,
	peak_conns=active_conns, window_start=$2 WHERE node_id=$1`
	if _, err := r.Pool.Exec(ctx, q, nodeID, windowStart); err != nil {
		return fmt.Errorf("op=proxy.reset_window: %w", err)
	}
	return nil
}
