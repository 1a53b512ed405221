// Package position implements the position manager: the single source of
// truth for live inventory, backed by a durable SQLite store with an
// in-memory cache rebuilt on startup.
package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"funding_arb/internal/core"
	"funding_arb/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// Manager implements core.IPositionManager. All mutations route through
// the manager and hit the store before the in-memory map, so the map never
// claims state the database does not have.
type Manager struct {
	store  core.IPositionStore
	logger core.ILogger

	mu        sync.RWMutex
	positions map[string]*core.Position
}

// NewManager creates a manager over the given store. Call Restore before
// trading.
func NewManager(store core.IPositionStore, logger core.ILogger) *Manager {
	return &Manager{
		store:     store,
		logger:    logger.WithField("component", "position_manager"),
		positions: make(map[string]*core.Position),
	}
}

// Restore rebuilds the in-memory cache from every non-closed row.
func (m *Manager) Restore(ctx context.Context) error {
	positions, err := m.store.ListNonClosed(ctx)
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}

	m.mu.Lock()
	m.positions = make(map[string]*core.Position, len(positions))
	for _, p := range positions {
		m.positions[p.ID] = p
	}
	m.mu.Unlock()

	m.logger.Info("Positions restored", "count", len(positions))
	m.publishGauges()
	return nil
}

// Create persists a new position and admits it to the live set.
func (m *Manager) Create(ctx context.Context, p *core.Position) error {
	if p.LongLeg.Venue == p.ShortLeg.Venue {
		return fmt.Errorf("both legs on %s: a pair needs two venues", p.LongLeg.Venue)
	}

	if err := m.store.CreatePosition(ctx, p); err != nil {
		return err
	}

	m.mu.Lock()
	cp := *p
	m.positions[p.ID] = &cp
	m.mu.Unlock()

	m.logger.Info("Position created",
		"id", p.ID, "symbol", p.Symbol,
		"long_venue", p.LongLeg.Venue, "short_venue", p.ShortLeg.Venue,
		"size_usd", p.SizeUSD.String(), "entry_divergence", p.EntryDivergence.String())
	m.publishGauges()
	return nil
}

// UpdateState refreshes live metrics for one position.
func (m *Manager) UpdateState(ctx context.Context, id string, currentDivergence decimal.Decimal, at time.Time) error {
	if err := m.store.UpdatePositionState(ctx, id, currentDivergence, at); err != nil {
		return err
	}

	m.mu.Lock()
	if p, ok := m.positions[id]; ok {
		p.CurrentDivergence = currentDivergence
		p.LastCheckAt = at
	}
	m.mu.Unlock()
	return nil
}

// RecordFunding appends a funding payment and bumps the cumulative total,
// both durably in one transaction.
func (m *Manager) RecordFunding(ctx context.Context, positionID, venue string, rate, amountUSD decimal.Decimal, at time.Time) error {
	if err := m.store.RecordFundingPayment(ctx, positionID, venue, rate, amountUSD, at); err != nil {
		return err
	}

	m.mu.Lock()
	if p, ok := m.positions[positionID]; ok {
		p.CumulativeFundingUSD = p.CumulativeFundingUSD.Add(amountUSD)
	}
	m.mu.Unlock()

	telemetry.GetGlobalMetrics().RecordFunding(ctx, venue, amountUSD.InexactFloat64())
	return nil
}

// MarkPendingClose transitions open -> pending_close durably before any
// close order is allowed out.
func (m *Manager) MarkPendingClose(ctx context.Context, id, reason string) error {
	if err := m.store.MarkPendingClose(ctx, id, reason); err != nil {
		return err
	}

	m.mu.Lock()
	if p, ok := m.positions[id]; ok {
		p.Status = core.StatusPendingClose
		p.ExitReason = reason
	}
	m.mu.Unlock()

	m.logger.Info("Position pending close", "id", id, "reason", reason)
	return nil
}

// MarkClosed finalizes a position and evicts it from the live set.
func (m *Manager) MarkClosed(ctx context.Context, id string, realizedPnL decimal.Decimal, exitReason string) error {
	if err := m.store.MarkClosed(ctx, id, realizedPnL, exitReason); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.positions, id)
	m.mu.Unlock()

	m.logger.Info("Position closed",
		"id", id, "exit_reason", exitReason, "realized_pnl_usd", realizedPnL.String())
	telemetry.GetGlobalMetrics().RecordClose(ctx, exitReason)
	m.publishGauges()
	return nil
}

// Flag moves a position to needs_reconciliation for operator review. The
// position stays in the live set so exposure accounting still sees it.
func (m *Manager) Flag(ctx context.Context, id, reason string) error {
	if err := m.store.MarkNeedsReconciliation(ctx, id, reason); err != nil {
		return err
	}

	m.mu.Lock()
	if p, ok := m.positions[id]; ok {
		p.Status = core.StatusNeedsReconciliation
	}
	m.mu.Unlock()

	m.logger.Error("Position flagged for reconciliation", "id", id, "reason", reason)
	return nil
}

// ListOpen returns a snapshot of open positions.
func (m *Manager) ListOpen() []*core.Position {
	return m.listByStatus(core.StatusOpen)
}

// ListPendingClose returns a snapshot of pending_close positions.
func (m *Manager) ListPendingClose() []*core.Position {
	return m.listByStatus(core.StatusPendingClose)
}

func (m *Manager) listByStatus(status core.PositionStatus) []*core.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*core.Position
	for _, p := range m.positions {
		if p.Status == status {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

// Get returns a copy of one live position.
func (m *Manager) Get(id string) (*core.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.positions[id]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// HasOpen reports whether a non-closed position already exists for the
// (symbol, venue pair).
func (m *Manager) HasOpen(symbol, longVenue, shortVenue string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.positions {
		if p.Symbol == symbol && p.LongLeg.Venue == longVenue && p.ShortLeg.Venue == shortVenue {
			return true
		}
	}
	return false
}

// TotalExposureUSD sums both legs' notional across the live set.
func (m *Manager) TotalExposureUSD() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, p := range m.positions {
		total = total.Add(p.LongLeg.SizeUSD).Add(p.ShortLeg.SizeUSD)
	}
	return total
}

func (m *Manager) publishGauges() {
	m.mu.RLock()
	open := 0
	total := decimal.Zero
	for _, p := range m.positions {
		if p.Status == core.StatusOpen {
			open++
		}
		total = total.Add(p.LongLeg.SizeUSD).Add(p.ShortLeg.SizeUSD)
	}
	m.mu.RUnlock()

	metrics := telemetry.GetGlobalMetrics()
	metrics.SetOpenPositions(int64(open))
	metrics.SetTotalExposure(total.InexactFloat64())
}
