package ratestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/mock"
	apperrors "funding_arb/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "rates.db"), mock.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func insertSample(t *testing.T, s *Store, venue, rate string, observedAt time.Time) {
	t.Helper()
	require.NoError(t, s.Insert(context.Background(), core.FundingRateSample{
		Venue:          venue,
		Symbol:         "BTC",
		RawRate:        decimal.RequireFromString(rate),
		NormalizedRate: decimal.RequireFromString(rate),
		IntervalHours:  8,
		ObservedAt:     observedAt,
	}))
}

func TestLatestRatesPicksNewestPerVenue(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	insertSample(t, store, "v1", "0.0003", now.Add(-10*time.Minute))
	insertSample(t, store, "v1", "0.0001", now.Add(-time.Minute))
	insertSample(t, store, "v2", "0.0015", now.Add(-time.Minute))

	samples, err := store.LatestRates(context.Background(), []string{"v1", "v2"}, time.Hour)
	require.NoError(t, err)
	require.Len(t, samples, 2)

	byVenue := map[string]core.FundingRateSample{}
	for _, s := range samples {
		byVenue[s.Venue] = s
	}
	assert.True(t, byVenue["v1"].NormalizedRate.Equal(decimal.RequireFromString("0.0001")),
		"stale sample must lose to the newer one")
	assert.True(t, byVenue["v2"].NormalizedRate.Equal(decimal.RequireFromString("0.0015")))
}

func TestLatestRatesEnforcesMaxAge(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	insertSample(t, store, "v1", "0.0001", now.Add(-2*time.Hour))
	insertSample(t, store, "v2", "0.0015", now.Add(-time.Minute))

	samples, err := store.LatestRates(context.Background(), []string{"v1", "v2"}, time.Hour)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "v2", samples[0].Venue)
}

func TestLatestRatesFiltersVenues(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	insertSample(t, store, "v1", "0.0001", now)
	insertSample(t, store, "v3", "0.0020", now)

	samples, err := store.LatestRates(context.Background(), []string{"v1", "v2"}, time.Hour)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "v1", samples[0].Venue)
}

func TestRatesForIgnoresAge(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	insertSample(t, store, "v1", "0.0001", now.Add(-48*time.Hour))
	insertSample(t, store, "v2", "0.0015", now)

	samples, err := store.RatesFor(context.Background(), []string{"v1", "v2"}, "BTC")
	require.NoError(t, err)
	assert.Len(t, samples, 2, "monitor reads must see old samples too")
}

func TestMarketInfoRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	info := core.MarketInfo{
		Venue:           "v1",
		Symbol:          "BTC",
		Volume24hUSD:    decimal.NewFromInt(5_000_000),
		OpenInterestUSD: decimal.NewFromInt(20_000_000),
		MaxLeverage:     decimal.NewFromInt(20),
	}
	require.NoError(t, store.UpsertMarketInfo(ctx, info))

	got, err := store.MarketInfo(ctx, "v1", "BTC")
	require.NoError(t, err)
	assert.True(t, got.Volume24hUSD.Equal(info.Volume24hUSD))
	assert.True(t, got.MaxLeverage.Equal(info.MaxLeverage))

	// Upsert replaces in place.
	info.Volume24hUSD = decimal.NewFromInt(7_000_000)
	require.NoError(t, store.UpsertMarketInfo(ctx, info))
	got, err = store.MarketInfo(ctx, "v1", "BTC")
	require.NoError(t, err)
	assert.True(t, got.Volume24hUSD.Equal(decimal.NewFromInt(7_000_000)))
}

func TestMarketInfoUnknownSymbol(t *testing.T) {
	store := newTestStore(t)

	_, err := store.MarketInfo(context.Background(), "v1", "NOPE")
	assert.ErrorIs(t, err, apperrors.ErrSymbolUnsupported)
}

func TestEmptyVenueListIsEmptyResult(t *testing.T) {
	store := newTestStore(t)

	samples, err := store.LatestRates(context.Background(), nil, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, samples)
}
