package position

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/mock"
	apperrors "funding_arb/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "positions.db"), mock.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func samplePosition() *core.Position {
	now := time.Now().UTC().Truncate(time.Second)
	return &core.Position{
		ID:       uuid.NewString(),
		Strategy: core.StrategyFundingArbitrage,
		Symbol:   "BTC",
		LongLeg: core.PositionLeg{
			Venue: "v1", Side: core.SideLong,
			SizeUSD: d("1000"), Quantity: d("0.02"), EntryPrice: d("49995.5"),
			EntryRate: d("0.0001"), FeesPaid: d("0.2"), SlippagePaid: d("0"),
			ExposureUSD: d("999.91"), Leverage: d("3"),
		},
		ShortLeg: core.PositionLeg{
			Venue: "v2", Side: core.SideShort,
			SizeUSD: d("1000"), Quantity: d("0.02"), EntryPrice: d("50009.5"),
			EntryRate: d("0.0015"), FeesPaid: d("0.2"), SlippagePaid: d("0"),
			ExposureUSD: d("1000.19"), Leverage: d("3"),
		},
		SizeUSD:              d("1000"),
		EntryDivergence:      d("0.0014"),
		CurrentDivergence:    d("0.0014"),
		OpenedAt:             now,
		LastCheckAt:          now,
		Status:               core.StatusOpen,
		CumulativeFundingUSD: d("0"),
		TotalFeesPaidUSD:     d("0.4"),
		RealizedPnLUSD:       d("0"),
	}
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	p := samplePosition()
	require.NoError(t, store.CreatePosition(ctx, p))

	got, err := store.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Symbol, got.Symbol)
	assert.True(t, got.EntryDivergence.Equal(d("0.0014")))
	assert.True(t, got.LongLeg.EntryPrice.Equal(d("49995.5")))
	assert.Equal(t, core.StatusOpen, got.Status)
	assert.Equal(t, core.SideLong, got.LongLeg.Side)
	assert.Equal(t, "v2", got.ShortLeg.Venue)
}

func TestDuplicateLivePairRejected(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	p1 := samplePosition()
	require.NoError(t, store.CreatePosition(ctx, p1))

	p2 := samplePosition()
	err := store.CreatePosition(ctx, p2)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrDuplicatePosition)

	// After the first closes, the same pair may open again.
	require.NoError(t, store.MarkPendingClose(ctx, p1.ID, "flip"))
	require.NoError(t, store.MarkClosed(ctx, p1.ID, d("1.5"), "flip"))
	require.NoError(t, store.CreatePosition(ctx, p2))
}

func TestStatusMonotonicity(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	p := samplePosition()
	require.NoError(t, store.CreatePosition(ctx, p))

	require.NoError(t, store.MarkPendingClose(ctx, p.ID, "erosion"))
	require.NoError(t, store.MarkClosed(ctx, p.ID, d("2"), "erosion"))

	// No reverse transition from closed.
	err := store.MarkPendingClose(ctx, p.ID, "again")
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	err = store.MarkNeedsReconciliation(ctx, p.ID, "late")
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	got, err := store.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusClosed, got.Status)
	assert.False(t, got.ClosedAt.IsZero())
}

func TestMarkClosedIdempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	p := samplePosition()
	require.NoError(t, store.CreatePosition(ctx, p))
	require.NoError(t, store.MarkPendingClose(ctx, p.ID, "age"))
	require.NoError(t, store.MarkClosed(ctx, p.ID, d("3"), "age"))
	require.NoError(t, store.MarkClosed(ctx, p.ID, d("3"), "age"), "second close must be a no-op")
}

func TestMarkPendingCloseIdempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	p := samplePosition()
	require.NoError(t, store.CreatePosition(ctx, p))
	require.NoError(t, store.MarkPendingClose(ctx, p.ID, "flip"))
	require.NoError(t, store.MarkPendingClose(ctx, p.ID, "flip"))
}

func TestFundingAccumulation(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	p := samplePosition()
	require.NoError(t, store.CreatePosition(ctx, p))

	at := time.Now().UTC()
	require.NoError(t, store.RecordFundingPayment(ctx, p.ID, "v2", d("0.0015"), d("1.5"), at))
	require.NoError(t, store.RecordFundingPayment(ctx, p.ID, "v1", d("0.0001"), d("-0.1"), at.Add(time.Minute)))

	got, err := store.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.CumulativeFundingUSD.Equal(d("1.4")), "got %s", got.CumulativeFundingUSD)

	payments, err := store.ListFundingPayments(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, payments, 2)

	// Cumulative total always equals the sum of payment rows.
	sum := decimal.Zero
	for _, fp := range payments {
		sum = sum.Add(fp.PaymentAmountUSD)
	}
	assert.True(t, got.CumulativeFundingUSD.Equal(sum))
}

func TestFundingUnknownPosition(t *testing.T) {
	store := newStore(t)
	err := store.RecordFundingPayment(context.Background(), "nope", "v1", d("0"), d("1"), time.Now())
	assert.ErrorIs(t, err, apperrors.ErrPositionNotFound)
}

func TestManagerRestoreReplaysState(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	p := samplePosition()
	require.NoError(t, store.CreatePosition(ctx, p))
	require.NoError(t, store.RecordFundingPayment(ctx, p.ID, "v2", d("0.0015"), d("2.25"), time.Now().UTC()))

	closed := samplePosition()
	closed.Symbol = "ETH"
	require.NoError(t, store.CreatePosition(ctx, closed))
	require.NoError(t, store.MarkPendingClose(ctx, closed.ID, "flip"))
	require.NoError(t, store.MarkClosed(ctx, closed.ID, d("1"), "flip"))

	// A fresh manager over the same database sees only live rows, with the
	// replayed cumulative total.
	m := NewManager(store, mock.NewLogger())
	require.NoError(t, m.Restore(ctx))

	open := m.ListOpen()
	require.Len(t, open, 1)
	assert.Equal(t, p.ID, open[0].ID)
	assert.True(t, open[0].CumulativeFundingUSD.Equal(d("2.25")))
	assert.True(t, m.HasOpen("BTC", "v1", "v2"))
	assert.False(t, m.HasOpen("ETH", "v1", "v2"))
}

func TestManagerLifecycle(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	m := NewManager(store, mock.NewLogger())
	require.NoError(t, m.Restore(ctx))

	p := samplePosition()
	require.NoError(t, m.Create(ctx, p))
	assert.True(t, m.TotalExposureUSD().Equal(d("2000")))

	require.NoError(t, m.UpdateState(ctx, p.ID, d("0.0006"), time.Now().UTC()))
	got, ok := m.Get(p.ID)
	require.True(t, ok)
	assert.True(t, got.CurrentDivergence.Equal(d("0.0006")))

	require.NoError(t, m.MarkPendingClose(ctx, p.ID, "erosion"))
	assert.Len(t, m.ListOpen(), 0)
	assert.Len(t, m.ListPendingClose(), 1)

	require.NoError(t, m.MarkClosed(ctx, p.ID, d("4.2"), "erosion"))
	_, ok = m.Get(p.ID)
	assert.False(t, ok)
	assert.True(t, m.TotalExposureUSD().IsZero())
}

func TestManagerRejectsSameVenuePair(t *testing.T) {
	store := newStore(t)
	m := NewManager(store, mock.NewLogger())

	p := samplePosition()
	p.ShortLeg.Venue = "v1"
	err := m.Create(context.Background(), p)
	require.Error(t, err)
}

func TestManagerFlag(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	m := NewManager(store, mock.NewLogger())

	p := samplePosition()
	require.NoError(t, m.Create(ctx, p))
	require.NoError(t, m.Flag(ctx, p.ID, "venue quantity mismatch"))

	got, ok := m.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, core.StatusNeedsReconciliation, got.Status)

	// Flagged exposure still counts against the cap.
	assert.True(t, m.TotalExposureUSD().Equal(d("2000")))
}
