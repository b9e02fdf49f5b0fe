package domain

import (
	"fmt"
	"time"
)

// NodeTier orders proxy classes by cost/quality, cheapest first.
type NodeTier int

const (
	TierDatacenter NodeTier = iota
	TierISP
	TierTor
	TierResidential
	TierMobile
)

var tierNames = map[NodeTier]string{
	TierDatacenter:  "datacenter",
	TierISP:         "isp",
	TierTor:         "tor",
	TierResidential: "residential",
	TierMobile:      "mobile",
}

func (t NodeTier) String() string {
	if n, ok := tierNames[t]; ok {
		return n
	}
	return "unknown"
}

// ParseTier maps a tier name to its NodeTier.
func ParseTier(name string) (NodeTier, error) {
	for t, n := range tierNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown tier %q", ErrInvalidArgument, name)
}

// NodeStatus is the operational status of a proxy node, orthogonal to health.
type NodeStatus string

const (
	NodeOnline      NodeStatus = "online"
	NodeOffline     NodeStatus = "offline"
	NodeMaintenance NodeStatus = "maintenance"
	NodeBanned      NodeStatus = "banned"
	NodeRateLimited NodeStatus = "rate_limited"
)

// HealthState is derived from the rolling success rate.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthOffline  HealthState = "offline"
)

// Health state bands over the rolling success rate.
const (
	HealthyThreshold  = 0.85
	DegradedThreshold = 0.70
)

// HealthFor maps a success rate to its health band.
func HealthFor(successRate float64) HealthState {
	switch {
	case successRate >= HealthyThreshold:
		return HealthHealthy
	case successRate >= DegradedThreshold:
		return HealthDegraded
	default:
		return HealthOffline
	}
}

// ProxyNode is an outbound egress endpoint.
type ProxyNode struct {
	ID          string
	Provider    string
	Address     string
	Port        int
	Region      string
	Tier        NodeTier
	Capacity    int
	CurrentLoad int
	Status      NodeStatus
	Health      HealthState
	CreatedAt   time.Time
}

// Selectable reports whether the node may receive new work.
func (n *ProxyNode) Selectable() bool {
	return n.Status == NodeOnline && n.Health != HealthOffline && n.CurrentLoad < n.Capacity
}

// ProxyMetrics holds one node's rolling window statistics.
type ProxyMetrics struct {
	NodeID        string
	TotalRequests int64
	Successful    int64
	Failed        int64
	Banned        int64
	SuccessRate   float64
	BanRate       float64
	LatencyP50    float64
	LatencyP95    float64
	LatencyP99    float64
	ActiveConns   int
	PeakConns     int
	WindowStart   time.Time
}

// banErrorCodes are dispatch error codes counted toward the ban rate.
var banErrorCodes = map[int]bool{403: true, 429: true}

// BanCode reports whether an error code counts as a ban signal.
func BanCode(code int) bool { return banErrorCodes[code] }

// Observe folds one dispatch report into the rolling counters and recomputes
// the derived rates. Latency quantiles are maintained by the registry.
func (m *ProxyMetrics) Observe(success bool, errorCode int) {
	m.TotalRequests++
	if success {
		m.Successful++
	} else {
		m.Failed++
		if BanCode(errorCode) {
			m.Banned++
		}
	}
	m.SuccessRate = float64(m.Successful) / float64(m.TotalRequests)
	m.BanRate = float64(m.Banned) / float64(m.TotalRequests)
}

// Reset zeroes the rolling window. Invoked on window roll-over.
func (m *ProxyMetrics) Reset(windowStart time.Time) {
	m.TotalRequests = 0
	m.Successful = 0
	m.Failed = 0
	m.Banned = 0
	m.SuccessRate = 1.0
	m.BanRate = 0
	m.LatencyP50 = 0
	m.LatencyP95 = 0
	m.LatencyP99 = 0
	m.PeakConns = m.ActiveConns
	m.WindowStart = windowStart
}

// MetricsReport is the inbound task-result report from external dispatchers.
type MetricsReport struct {
	TaskID              string `json:"task_id"`
	NodeID              string `json:"node_id"`
	Success             bool   `json:"success"`
	PlaysDelivered      int    `json:"plays_delivered"`
	ErrorCode           int    `json:"error_code"`
	ErrorMessage        string `json:"error_message"`
	LatencyMS           int    `json:"latency_ms"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}
