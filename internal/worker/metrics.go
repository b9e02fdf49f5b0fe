package worker

import (
	"sync/atomic"
	"time"
)

// Metrics counts engine activity since start. Counters are process-local;
// fleet-wide aggregation happens in Prometheus.
type Metrics struct {
	start time.Time

	processed        atomic.Int64
	completed        atomic.Int64
	failedTransient  atomic.Int64
	failedPermanent  atomic.Int64
	retries          atomic.Int64
	orphansRecovered atomic.Int64
	activeClaims     atomic.Int64
}

func newMetrics() *Metrics { return &Metrics{start: time.Now().UTC()} }

// Snapshot is a point-in-time export of the engine counters.
type Snapshot struct {
	WorkerStart      time.Time `json:"worker_start"`
	Processed        int64     `json:"processed"`
	Completed        int64     `json:"completed"`
	FailedTransient  int64     `json:"failed_transient"`
	FailedPermanent  int64     `json:"failed_permanent"`
	Retries          int64     `json:"retries"`
	OrphansRecovered int64     `json:"orphans_recovered"`
	ActiveClaims     int64     `json:"active_claims"`
	DeadLetterSize   int       `json:"dead_letter_size"`
}

func (m *Metrics) snapshot(deadLetter int) Snapshot {
	return Snapshot{
		WorkerStart:      m.start,
		Processed:        m.processed.Load(),
		Completed:        m.completed.Load(),
		FailedTransient:  m.failedTransient.Load(),
		FailedPermanent:  m.failedPermanent.Load(),
		Retries:          m.retries.Load(),
		OrphansRecovered: m.orphansRecovered.Load(),
		ActiveClaims:     m.activeClaims.Load(),
		DeadLetterSize:   deadLetter,
	}
}
