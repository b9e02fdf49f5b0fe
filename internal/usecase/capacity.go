// Package usecase holds the application services: order intake, capacity
// admission, task generation, and financial settlement. Services are thin
// orchestrations over the domain entities and repository ports.
package usecase

import (
	"fmt"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/fairyhunter13/play-fulfillment/internal/domain"
)

const capacitySnapshotKey = "capacity-snapshot"

// CapacitySnapshot is a point-in-time view of fleet throughput versus queued
// work.
type CapacitySnapshot struct {
	PlaysPerHour int       `json:"plays_per_hour"`
	WindowHours  int       `json:"window_hours"`
	PendingLoad  int       `json:"pending_load"`
	Available    int       `json:"available"`
	TakenAt      time.Time `json:"taken_at"`
}

// CapacityPlanner decides whether the fleet can absorb a new order inside the
// delivery window ceiling. Snapshots are cached briefly: admission is a
// heuristic, not a reservation, so slightly stale numbers are acceptable.
type CapacityPlanner struct {
	Nodes  domain.ProxyRepository
	Orders domain.OrderRepository

	PlaysPerNodeHour int
	Ceiling          time.Duration

	snapshots *cache.Cache
}

// NewCapacityPlanner constructs a CapacityPlanner with the given snapshot TTL.
func NewCapacityPlanner(nodes domain.ProxyRepository, orders domain.OrderRepository, playsPerNodeHour int, ceiling, ttl time.Duration) *CapacityPlanner {
	return &CapacityPlanner{
		Nodes:            nodes,
		Orders:           orders,
		PlaysPerNodeHour: playsPerNodeHour,
		Ceiling:          ceiling,
		snapshots:        cache.New(ttl, 2*ttl),
	}
}

// Snapshot returns the current (possibly cached) capacity snapshot.
func (p *CapacityPlanner) Snapshot(ctx domain.Context) (CapacitySnapshot, error) {
	if v, ok := p.snapshots.Get(capacitySnapshotKey); ok {
		return v.(CapacitySnapshot), nil
	}

	nodes, err := p.Nodes.ListSelectable(ctx, nil, "")
	if err != nil {
		return CapacitySnapshot{}, fmt.Errorf("op=capacity.snapshot: %w", err)
	}
	pending, err := p.Orders.PendingLoad(ctx)
	if err != nil {
		return CapacitySnapshot{}, fmt.Errorf("op=capacity.snapshot: %w", err)
	}

	perHour := 0
	for _, n := range nodes {
		perHour += n.Capacity * p.PlaysPerNodeHour
	}
	hours := int(p.Ceiling.Hours())
	snap := CapacitySnapshot{
		PlaysPerHour: perHour,
		WindowHours:  hours,
		PendingLoad:  pending,
		Available:    perHour*hours - pending,
		TakenAt:      time.Now().UTC(),
	}
	p.snapshots.Set(capacitySnapshotKey, snap, cache.DefaultExpiration)
	return snap, nil
}

// Admit rejects quantity when the fleet cannot absorb it inside the window
// ceiling on top of already queued work.
func (p *CapacityPlanner) Admit(ctx domain.Context, quantity int) error {
	snap, err := p.Snapshot(ctx)
	if err != nil {
		return err
	}
	if quantity > snap.Available {
		deficit := quantity - snap.Available
		return fmt.Errorf("op=capacity.admit: %w: quantity %d exceeds available capacity %d (deficit %d)",
			domain.ErrRejected, quantity, snap.Available, deficit)
	}
	return nil
}

// Invalidate drops the cached snapshot, e.g. after a node registration.
func (p *CapacityPlanner) Invalidate() {
	p.snapshots.Delete(capacitySnapshotKey)
}
