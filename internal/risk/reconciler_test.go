package risk

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/mock"
	"funding_arb/internal/position"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureAlerter struct {
	mu    sync.Mutex
	count int
}

func (a *captureAlerter) Alert(context.Context, string, string, core.AlertLevel, map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count++
}

func (a *captureAlerter) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

func reconTestPosition(id string, qty decimal.Decimal) *core.Position {
	now := time.Now().UTC()
	return &core.Position{
		ID:       id,
		Strategy: core.StrategyFundingArbitrage,
		Symbol:   "BTC",
		LongLeg: core.PositionLeg{
			Venue: "v1", Side: core.SideLong, Quantity: qty,
			EntryPrice:  decimal.RequireFromString("49995.5"),
			SizeUSD:     decimal.NewFromInt(1000),
			ExposureUSD: decimal.NewFromInt(1000),
		},
		ShortLeg: core.PositionLeg{
			Venue: "v2", Side: core.SideShort, Quantity: qty,
			EntryPrice:  decimal.RequireFromString("50009.5"),
			SizeUSD:     decimal.NewFromInt(1000),
			ExposureUSD: decimal.NewFromInt(1000),
		},
		SizeUSD:           decimal.NewFromInt(1000),
		EntryDivergence:   decimal.RequireFromString("0.0014"),
		CurrentDivergence: decimal.RequireFromString("0.0014"),
		OpenedAt:          now,
		LastCheckAt:       now,
		Status:            core.StatusOpen,
	}
}

func newReconTestManager(t *testing.T) *position.Manager {
	t.Helper()
	logger := mock.NewLogger()
	store, err := position.NewSQLiteStore(filepath.Join(t.TempDir(), "arb.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	manager := position.NewManager(store, logger)
	require.NoError(t, manager.Restore(context.Background()))
	return manager
}

func TestReconcilerMatchingStateIsClean(t *testing.T) {
	ctx := context.Background()
	manager := newReconTestManager(t)

	qty := decimal.RequireFromString("0.02")
	require.NoError(t, manager.Create(ctx, reconTestPosition("p1", qty)))

	step := decimal.RequireFromString("0.001")
	v1 := mock.NewVenue("v1", decimal.RequireFromString("0.5"), step)
	v2 := mock.NewVenue("v2", decimal.RequireFromString("0.5"), step)
	v1.SetPosition("BTC", qty)
	v2.SetPosition("BTC", qty.Neg())

	alerts := &captureAlerter{}
	r := NewReconciler(manager, map[string]core.IVenueClient{"v1": v1, "v2": v2}, alerts, mock.NewLogger())

	assert.Zero(t, r.CheckOnce(ctx))
	assert.Zero(t, alerts.Count())
	assert.Len(t, manager.ListOpen(), 1)
}

func TestReconcilerToleratesOneSizeStep(t *testing.T) {
	ctx := context.Background()
	manager := newReconTestManager(t)

	qty := decimal.RequireFromString("0.02")
	require.NoError(t, manager.Create(ctx, reconTestPosition("p1", qty)))

	step := decimal.RequireFromString("0.001")
	v1 := mock.NewVenue("v1", decimal.RequireFromString("0.5"), step)
	v2 := mock.NewVenue("v2", decimal.RequireFromString("0.5"), step)
	// Off by exactly one step: still within tolerance.
	v1.SetPosition("BTC", decimal.RequireFromString("0.019"))
	v2.SetPosition("BTC", qty.Neg())

	alerts := &captureAlerter{}
	r := NewReconciler(manager, map[string]core.IVenueClient{"v1": v1, "v2": v2}, alerts, mock.NewLogger())

	assert.Zero(t, r.CheckOnce(ctx))
}

func TestReconcilerFlagsMismatch(t *testing.T) {
	ctx := context.Background()
	manager := newReconTestManager(t)

	qty := decimal.RequireFromString("0.02")
	require.NoError(t, manager.Create(ctx, reconTestPosition("p1", qty)))

	step := decimal.RequireFromString("0.001")
	v1 := mock.NewVenue("v1", decimal.RequireFromString("0.5"), step)
	v2 := mock.NewVenue("v2", decimal.RequireFromString("0.5"), step)
	// The long venue is flat even though the record says 0.02.
	v2.SetPosition("BTC", qty.Neg())

	alerts := &captureAlerter{}
	r := NewReconciler(manager, map[string]core.IVenueClient{"v1": v1, "v2": v2}, alerts, mock.NewLogger())

	assert.Equal(t, 1, r.CheckOnce(ctx))
	assert.Equal(t, 1, alerts.Count())

	p, ok := manager.Get("p1")
	require.True(t, ok)
	assert.Equal(t, core.StatusNeedsReconciliation, p.Status)
	// Flagged exposure still counts against the cap.
	assert.True(t, manager.TotalExposureUSD().IsPositive())
}

func TestReconcilerSkipsPendingClose(t *testing.T) {
	ctx := context.Background()
	manager := newReconTestManager(t)

	qty := decimal.RequireFromString("0.02")
	require.NoError(t, manager.Create(ctx, reconTestPosition("p1", qty)))
	require.NoError(t, manager.MarkPendingClose(ctx, "p1", "divergence_flip"))

	// Venues fully flat; a half-finished close is expected state for
	// pending_close and must not be flagged.
	step := decimal.RequireFromString("0.001")
	v1 := mock.NewVenue("v1", decimal.RequireFromString("0.5"), step)
	v2 := mock.NewVenue("v2", decimal.RequireFromString("0.5"), step)

	alerts := &captureAlerter{}
	r := NewReconciler(manager, map[string]core.IVenueClient{"v1": v1, "v2": v2}, alerts, mock.NewLogger())

	assert.Zero(t, r.CheckOnce(ctx))
	assert.Zero(t, alerts.Count())
}

func TestReconcilerFlagsMissingVenueClient(t *testing.T) {
	ctx := context.Background()
	manager := newReconTestManager(t)

	qty := decimal.RequireFromString("0.02")
	require.NoError(t, manager.Create(ctx, reconTestPosition("p1", qty)))

	step := decimal.RequireFromString("0.001")
	v1 := mock.NewVenue("v1", decimal.RequireFromString("0.5"), step)
	v1.SetPosition("BTC", qty)

	alerts := &captureAlerter{}
	r := NewReconciler(manager, map[string]core.IVenueClient{"v1": v1}, alerts, mock.NewLogger())

	assert.Equal(t, 1, r.CheckOnce(ctx))
}
