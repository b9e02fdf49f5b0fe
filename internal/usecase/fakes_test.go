package usecase_test

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fairyhunter13/play-fulfillment/internal/domain"
)

// In-memory repositories backing the usecase tests.

type memOrders struct {
	mu       sync.Mutex
	orders   map[string]domain.Order
	refunded map[string]bool
}

func newMemOrders() *memOrders {
	return &memOrders{orders: map[string]domain.Order{}, refunded: map[string]bool{}}
}

func (m *memOrders) Create(_ domain.Context, o domain.Order) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.IdemKey != nil {
		for _, other := range m.orders {
			if other.UserID == o.UserID && other.IdemKey != nil && *other.IdemKey == *o.IdemKey {
				return "", domain.ErrConflict
			}
		}
	}
	m.orders[o.ID] = o
	return o.ID, nil
}

func (m *memOrders) Get(_ domain.Context, id string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (m *memOrders) FindByIdemKey(_ domain.Context, userID, key string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.UserID == userID && o.IdemKey != nil && *o.IdemKey == key {
			return o, nil
		}
	}
	return domain.Order{}, domain.ErrNotFound
}

func (m *memOrders) UpdateStatus(_ domain.Context, id string, from, to domain.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	if o.Status != from {
		return domain.ErrOptimisticConflict
	}
	o.Status = to
	if to.Terminal() {
		now := time.Now().UTC()
		o.CompletedAt = &now
	}
	m.orders[id] = o
	return nil
}

func (m *memOrders) SetSchedule(_ domain.Context, id string, startedAt, estimatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	o.StartedAt = &startedAt
	o.EstimatedAt = &estimatedAt
	m.orders[id] = o
	return nil
}

func (m *memOrders) ApplyTaskOutcome(_ domain.Context, id string, delivered, failed int) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	if err := o.ApplyTaskOutcome(delivered, failed); err != nil {
		return domain.Order{}, err
	}
	m.orders[id] = o
	return o, nil
}

func (m *memOrders) MarkRefunded(_ domain.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[id]; !ok {
		return false, domain.ErrNotFound
	}
	if m.refunded[id] {
		return false, nil
	}
	m.refunded[id] = true
	return true, nil
}

func (m *memOrders) PendingLoad(_ domain.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := 0
	for _, o := range m.orders {
		if o.Status == domain.OrderPending || o.Status == domain.OrderRunning {
			sum += o.Remains
		}
	}
	return sum, nil
}

func (m *memOrders) ListStuckPending(_ domain.Context, olderThan time.Time, limit int) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.orders {
		if o.Status == domain.OrderPending && o.TaskDelivery && o.CreatedAt.Before(olderThan) {
			out = append(out, o)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

type memTasks struct {
	mu     sync.Mutex
	tasks  map[string]domain.Task
	orders *memOrders
}

func newMemTasks() *memTasks { return &memTasks{tasks: map[string]domain.Task{}} }

func (m *memTasks) CreateBatch(_ domain.Context, tasks []domain.Task) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, t := range tasks {
		exists := false
		for _, other := range m.tasks {
			if other.OrderID == t.OrderID && other.Sequence == t.Sequence {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		m.tasks[t.ID] = t
		inserted++
	}
	return inserted, nil
}

func (m *memTasks) Get(_ domain.Context, id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, nil
}

func (m *memTasks) ListByOrder(_ domain.Context, orderID string) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, t := range m.tasks {
		if t.OrderID == orderID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *memTasks) ListFailedByOrder(ctx domain.Context, orderID string) ([]domain.Task, error) {
	all, _ := m.ListByOrder(ctx, orderID)
	var out []domain.Task
	for _, t := range all {
		if t.Status == domain.TaskFailedPermanent {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memTasks) ListDeadLetter(_ domain.Context, limit int) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, t := range m.tasks {
		if t.Status == domain.TaskFailedPermanent {
			out = append(out, t)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memTasks) ListEligible(_ domain.Context, now time.Time, limit int) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, t := range m.tasks {
		if t.Eligible(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memTasks) Claim(_ domain.Context, t domain.Task, workerID string, now time.Time) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[t.ID]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	if cur.Status != t.Status || cur.Attempts != t.Attempts {
		return domain.Task{}, domain.ErrOptimisticConflict
	}
	if err := cur.StartExecution(workerID, now); err != nil {
		return domain.Task{}, domain.ErrOptimisticConflict
	}
	m.tasks[t.ID] = cur
	return cur, nil
}

func (m *memTasks) Finalize(_ domain.Context, t domain.Task) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[t.ID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if cur.Status != domain.TaskExecuting || cur.Attempts != t.Attempts {
		return false, nil
	}
	m.tasks[t.ID] = t
	return true, nil
}

func (m *memTasks) FinalizeWithOutcome(ctx domain.Context, t domain.Task, delivered, failed int) (domain.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[t.ID]
	if !ok {
		return domain.Order{}, false, domain.ErrNotFound
	}
	if cur.Status != domain.TaskExecuting || cur.Attempts != t.Attempts {
		return domain.Order{}, false, nil
	}
	var o domain.Order
	if m.orders != nil {
		var err error
		o, err = m.orders.ApplyTaskOutcome(ctx, t.OrderID, delivered, failed)
		if err != nil {
			return domain.Order{}, false, err
		}
	}
	m.tasks[t.ID] = t
	return o, true, nil
}

func (m *memTasks) CountNonTerminal(_ domain.Context, orderID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.OrderID == orderID && !t.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (m *memTasks) RecoverOrphans(_ domain.Context, cutoff, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		if t.Status == domain.TaskExecuting && t.ExecutionStarted != nil && t.ExecutionStarted.Before(cutoff) {
			if err := t.ReleaseOrphan(now); err != nil {
				continue
			}
			m.tasks[id] = t
			n++
		}
	}
	return n, nil
}

func (m *memTasks) put(t domain.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
}

type memLedger struct {
	mu        sync.Mutex
	events    map[string]domain.RefundEvent
	txs       []domain.BalanceTransaction
	balances  map[string]decimal.Decimal
	anomalies []domain.RefundAnomaly
}

func newMemLedger() *memLedger {
	return &memLedger{events: map[string]domain.RefundEvent{}, balances: map[string]decimal.Decimal{}}
}

func (m *memLedger) InsertRefundEvent(_ domain.Context, e domain.RefundEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[e.TaskID]; ok {
		return false, nil
	}
	m.events[e.TaskID] = e
	return true, nil
}

func (m *memLedger) SumRefundEvents(_ domain.Context, orderID string) (decimal.Decimal, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := decimal.Zero
	n := 0
	for _, e := range m.events {
		if e.OrderID == orderID {
			sum = sum.Add(e.Amount)
			n++
		}
	}
	return sum, n, nil
}

func (m *memLedger) AppendTransaction(_ domain.Context, userID string, amount decimal.Decimal, typ domain.TransactionType, reason string, orderID *string) (domain.BalanceTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := m.balances[userID]
	after := before.Add(amount)
	tx := domain.BalanceTransaction{
		ID:            fmt.Sprintf("tx-%d", len(m.txs)+1),
		UserID:        userID,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Type:          typ,
		Reason:        reason,
		OrderID:       orderID,
		CreatedAt:     time.Now().UTC(),
	}
	m.txs = append(m.txs, tx)
	m.balances[userID] = after
	return tx, nil
}

func (m *memLedger) Balance(_ domain.Context, userID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

func (m *memLedger) InsertAnomaly(_ domain.Context, a domain.RefundAnomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anomalies = append(m.anomalies, a)
	return nil
}

func (m *memLedger) ListAnomalies(_ domain.Context, orderID string) ([]domain.RefundAnomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RefundAnomaly
	for _, a := range m.anomalies {
		if a.OrderID == orderID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memLedger) deposit(userID string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = m.balances[userID].Add(amount)
}

func (m *memLedger) transactions() []domain.BalanceTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.BalanceTransaction, len(m.txs))
	copy(out, m.txs)
	return out
}

type memProxies struct {
	mu    sync.Mutex
	nodes map[string]domain.ProxyNode
}

func newMemProxies() *memProxies { return &memProxies{nodes: map[string]domain.ProxyNode{}} }

func (m *memProxies) Register(_ domain.Context, n domain.ProxyNode) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == "" {
		n.ID = fmt.Sprintf("node-%d", len(m.nodes)+1)
	}
	n.Status = domain.NodeOnline
	n.Health = domain.HealthHealthy
	m.nodes[n.ID] = n
	return n.ID, nil
}

func (m *memProxies) Get(_ domain.Context, id string) (domain.ProxyNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return domain.ProxyNode{}, domain.ErrNotFound
	}
	return n, nil
}

func (m *memProxies) ListSelectable(_ domain.Context, _ *domain.NodeTier, region string) ([]domain.ProxyNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ProxyNode
	for _, n := range m.nodes {
		if n.Selectable() && (region == "" || n.Region == region) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *memProxies) SetStatus(_ domain.Context, id string, status domain.NodeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return domain.ErrNotFound
	}
	n.Status = status
	m.nodes[id] = n
	return nil
}

func (m *memProxies) AdjustLoad(_ domain.Context, id string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return domain.ErrNotFound
	}
	n.CurrentLoad += delta
	if n.CurrentLoad < 0 {
		n.CurrentLoad = 0
	}
	m.nodes[id] = n
	return nil
}

func (m *memProxies) GetMetrics(_ domain.Context, _ string) (domain.ProxyMetrics, error) {
	return domain.ProxyMetrics{}, domain.ErrNotFound
}

func (m *memProxies) UpdateMetrics(_ domain.Context, _ domain.ProxyMetrics, _ domain.HealthState) error {
	return nil
}

func (m *memProxies) ResetWindow(_ domain.Context, _ string, _ time.Time) error { return nil }
