package execution

import (
	"context"
	"testing"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/mock"
	"funding_arb/internal/pricecache"
	apperrors "funding_arb/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ladder(levels ...[2]string) []core.DepthLevel {
	out := make([]core.DepthLevel, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, core.DepthLevel{Price: d(lvl[0]), Size: d(lvl[1])})
	}
	return out
}

// newBTCVenues builds the standard two-venue fixture: V1 quotes
// 49999/50001, V2 quotes 50004/50005, both with deep books.
func newBTCVenues() (*mock.Venue, *mock.Venue) {
	v1 := mock.NewVenue("v1", d("0.5"), d("0.001"))
	v1.SetBook("BTC",
		ladder([2]string{"49999", "2"}, [2]string{"49998", "5"}),
		ladder([2]string{"50001", "2"}, [2]string{"50002", "5"}),
	)

	v2 := mock.NewVenue("v2", d("0.5"), d("0.001"))
	v2.SetBook("BTC",
		ladder([2]string{"50004", "2"}, [2]string{"50003", "5"}),
		ladder([2]string{"50005", "2"}, [2]string{"50006", "5"}),
	)
	return v1, v2
}

func newExecutor(t *testing.T, venues ...*mock.Venue) (*Executor, *pricecache.Cache) {
	t.Helper()
	cache := pricecache.New()
	m := make(map[string]core.IVenueClient, len(venues))
	for _, v := range venues {
		m[v.Name()] = v
	}
	return NewExecutor(m, cache, 5*time.Second, mock.NewLogger()), cache
}

func openOrders() []core.OrderSpec {
	return []core.OrderSpec{
		{
			Venue: "v1", Symbol: "BTC", Side: core.SideBuy,
			SizeUSD: d("1000"), Mode: core.ModeLimitWithFallback,
			LimitOffsetBps: d("1"), Timeout: 2 * time.Second,
		},
		{
			Venue: "v2", Symbol: "BTC", Side: core.SideSell,
			SizeUSD: d("1000"), Mode: core.ModeLimitWithFallback,
			LimitOffsetBps: d("1"), Timeout: 2 * time.Second,
		},
	}
}

func execOpts() core.ExecOptions {
	return core.ExecOptions{
		RollbackOnPartial: true,
		PreFlightCheck:    true,
		PollInterval:      5 * time.Millisecond,
		RollbackTimeout:   2 * time.Second,
	}
}

func TestHappyPathOpen(t *testing.T) {
	v1, v2 := newBTCVenues()
	exec, _ := newExecutor(t, v1, v2)

	result, err := exec.ExecuteAtomically(context.Background(), openOrders(), execOpts())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.True(t, result.AllFilled)
	assert.False(t, result.RollbackPerformed)
	require.Len(t, result.FilledOrders, 2)

	// Delta neutrality: both legs within one size step of each other.
	long := result.FilledOrders[0]
	short := result.FilledOrders[1]
	assert.True(t, long.FilledQuantity.Sub(short.FilledQuantity).Abs().LessThanOrEqual(d("0.001")),
		"legs differ by %s", long.FilledQuantity.Sub(short.FilledQuantity).Abs())

	// Passive fills inside the spread carry no slippage.
	assert.True(t, result.TotalSlippageUSD.LessThanOrEqual(d("0.5")),
		"slippage %s", result.TotalSlippageUSD)

	// Venue positions reflect the two legs.
	p1, _ := v1.GetPosition(context.Background(), "BTC")
	p2, _ := v2.GetPosition(context.Background(), "BTC")
	assert.True(t, p1.Quantity.IsPositive())
	assert.True(t, p2.Quantity.IsNegative())
	assert.True(t, p1.Quantity.Add(p2.Quantity).Abs().LessThanOrEqual(d("0.001")))
}

func TestPartialFillRollback(t *testing.T) {
	v1, v2 := newBTCVenues()
	v2.LimitErr = apperrors.ErrInsufficientMargin
	v2.MarketErr = apperrors.ErrInsufficientMargin
	exec, _ := newExecutor(t, v1, v2)

	result, err := exec.ExecuteAtomically(context.Background(), openOrders(), execOpts())
	require.NoError(t, err)

	assert.True(t, result.Success, "a clean rollback is a successful call")
	assert.False(t, result.AllFilled)
	assert.True(t, result.RollbackPerformed)
	assert.True(t, result.RollbackCostUSD.GreaterThanOrEqual(decimal.Zero))

	// The filled V1 leg was compensated: venue position is flat again.
	p1, _ := v1.GetPosition(context.Background(), "BTC")
	assert.True(t, p1.Quantity.IsZero(), "v1 position %s not flattened", p1.Quantity)

	p2, _ := v2.GetPosition(context.Background(), "BTC")
	assert.True(t, p2.Quantity.IsZero())
}

func TestPreflightRefusalPlacesNoOrders(t *testing.T) {
	v1, v2 := newBTCVenues()
	// V2 bid depth sums to well under the $10k request.
	v2.SetBook("BTC",
		ladder([2]string{"50004", "0.03"}, [2]string{"50003", "0.03"}),
		ladder([2]string{"50005", "0.03"}, [2]string{"50006", "0.03"}),
	)
	exec, _ := newExecutor(t, v1, v2)

	orders := openOrders()
	orders[0].SizeUSD = d("10000")
	orders[1].SizeUSD = d("10000")

	result, err := exec.ExecuteAtomically(context.Background(), orders, execOpts())
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.False(t, result.AllFilled)
	assert.False(t, result.RollbackPerformed)
	assert.Equal(t, 0, v1.PlacedLimits()+v1.PlacedMarkets())
	assert.Equal(t, 0, v2.PlacedLimits()+v2.PlacedMarkets())

	found := false
	for _, o := range result.FailedOrders {
		if o.Err != nil && apperrors.IsInsufficientLiquidity(o.Err) {
			found = true
		}
	}
	assert.True(t, found, "expected an insufficient-liquidity leg error")
}

func TestPreflightWarmsPriceCache(t *testing.T) {
	v1, v2 := newBTCVenues()
	exec, cache := newExecutor(t, v1, v2)

	_, err := exec.ExecuteAtomically(context.Background(), openOrders(), execOpts())
	require.NoError(t, err)

	price, ok := cache.GetBBO("v1", "BTC", 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, pricecache.SourceLiquidityCheck, price.Source)
	assert.Equal(t, "49999", price.BestBid.String())
}

func TestHedgingEscalatesRestingSibling(t *testing.T) {
	v1, v2 := newBTCVenues()
	// V2's limit never fills on its own; V1 fills instantly. The sibling
	// fill broadcast must escalate V2 to market.
	v2.LimitMode = mock.FillNever
	exec, _ := newExecutor(t, v1, v2)

	result, err := exec.ExecuteAtomically(context.Background(), openOrders(), execOpts())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.True(t, result.AllFilled)
	assert.GreaterOrEqual(t, v2.Cancels(), 1, "resting sibling should be canceled")
	assert.GreaterOrEqual(t, v2.PlacedMarkets(), 1, "remainder should go out as market")

	p1, _ := v1.GetPosition(context.Background(), "BTC")
	p2, _ := v2.GetPosition(context.Background(), "BTC")
	assert.True(t, p1.Quantity.Add(p2.Quantity).Abs().LessThanOrEqual(d("0.001")))
}

func TestLimitWithFallbackEscalatesAtTimeout(t *testing.T) {
	v1, v2 := newBTCVenues()
	v1.LimitMode = mock.FillNever
	v2.LimitMode = mock.FillNever
	exec, _ := newExecutor(t, v1, v2)

	orders := openOrders()
	orders[0].Timeout = 50 * time.Millisecond
	orders[1].Timeout = 50 * time.Millisecond

	result, err := exec.ExecuteAtomically(context.Background(), orders, execOpts())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.True(t, result.AllFilled)
	assert.GreaterOrEqual(t, v1.PlacedMarkets(), 1)
	assert.GreaterOrEqual(t, v2.PlacedMarkets(), 1)
	for _, o := range result.FilledOrders {
		assert.Equal(t, core.ModeLimitWithFallback, o.ModeUsed)
	}
}

func TestCloseCompleteExitPolicy(t *testing.T) {
	v1, v2 := newBTCVenues()
	// Position already held: long 0.02 on v1, short 0.02 on v2.
	v1.SetPosition("BTC", d("0.02"))
	v2.SetPosition("BTC", d("-0.02"))
	// V1 close leg rejects at the limit stage; complete-exit must push it
	// out as a market order instead of re-opening the filled V2 leg.
	v1.LimitErr = apperrors.ErrOrderRejected
	exec, _ := newExecutor(t, v1, v2)

	orders := []core.OrderSpec{
		{
			Venue: "v1", Symbol: "BTC", Side: core.SideSell, Quantity: d("0.02"),
			Mode: core.ModeLimitWithFallback, LimitOffsetBps: d("1"),
			ReduceOnly: true, Timeout: time.Second,
		},
		{
			Venue: "v2", Symbol: "BTC", Side: core.SideBuy, Quantity: d("0.02"),
			Mode: core.ModeLimitWithFallback, LimitOffsetBps: d("1"),
			ReduceOnly: true, Timeout: time.Second,
		},
	}

	opts := execOpts()
	opts.ClosePolicy = core.CloseCompleteExit

	result, err := exec.ExecuteAtomically(context.Background(), orders, opts)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.True(t, result.AllFilled)
	assert.False(t, result.RollbackPerformed)

	p1, _ := v1.GetPosition(context.Background(), "BTC")
	p2, _ := v2.GetPosition(context.Background(), "BTC")
	assert.True(t, p1.Quantity.IsZero(), "v1 close leg not completed: %s", p1.Quantity)
	assert.True(t, p2.Quantity.IsZero(), "v2 close leg not completed: %s", p2.Quantity)
}

func TestRollbackFailureIsCritical(t *testing.T) {
	v1, v2 := newBTCVenues()
	v2.LimitErr = apperrors.ErrInsufficientMargin
	// V1 fills, then refuses the compensating market order.
	v1.MarketErr = apperrors.ErrVenueUnavailable
	exec, _ := newExecutor(t, v1, v2)

	result, err := exec.ExecuteAtomically(context.Background(), openOrders(), execOpts())
	require.Error(t, err)
	assert.True(t, apperrors.IsCritical(err))
	assert.False(t, result.Success)
	assert.True(t, result.RollbackPerformed)
}

func TestRollbackOnPartialFalseRejected(t *testing.T) {
	v1, v2 := newBTCVenues()
	exec, _ := newExecutor(t, v1, v2)

	opts := execOpts()
	opts.RollbackOnPartial = false

	_, err := exec.ExecuteAtomically(context.Background(), openOrders(), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rollback_on_partial")
	assert.Equal(t, 0, v1.PlacedLimits())
}

func TestSingleLegRejected(t *testing.T) {
	v1, v2 := newBTCVenues()
	exec, _ := newExecutor(t, v1, v2)

	_, err := exec.ExecuteAtomically(context.Background(), openOrders()[:1], execOpts())
	require.Error(t, err)
}

func TestDryRunPlacesNothing(t *testing.T) {
	v1, v2 := newBTCVenues()
	exec, _ := newExecutor(t, v1, v2)

	opts := execOpts()
	opts.DryRun = true

	result, err := exec.ExecuteAtomically(context.Background(), openOrders(), opts)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.False(t, result.AllFilled)
	assert.Equal(t, 0, v1.PlacedLimits()+v1.PlacedMarkets())
	assert.Equal(t, 0, v2.PlacedLimits()+v2.PlacedMarkets())
}

func TestAbortFlattensFills(t *testing.T) {
	v1, v2 := newBTCVenues()
	v2.LimitMode = mock.FillNever
	// V2 never fills and is also reduce-only, so no hedging escalation;
	// cancelling the invocation must roll the filled V1 leg back.
	exec, _ := newExecutor(t, v1, v2)

	orders := openOrders()
	orders[1].ReduceOnly = true
	orders[1].Mode = core.ModeLimitOnly
	orders[1].Timeout = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	result, err := exec.ExecuteAtomically(ctx, orders, execOpts())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.RollbackPerformed)

	p1, _ := v1.GetPosition(context.Background(), "BTC")
	assert.True(t, p1.Quantity.IsZero(), "abort left v1 exposed: %s", p1.Quantity)
}

func TestLimitPricingRespectsTick(t *testing.T) {
	bbo := core.CachedPrice{BestBid: d("49999"), BestAsk: d("50001")}
	tick := d("0.5")

	buy := limitPriceFor(bbo, core.SideBuy, d("1"), tick)
	sell := limitPriceFor(bbo, core.SideSell, d("1"), tick)

	assert.True(t, buy.Mod(tick).IsZero(), "buy price %s off tick", buy)
	assert.True(t, sell.Mod(tick).IsZero(), "sell price %s off tick", sell)
	assert.True(t, buy.LessThan(bbo.BestAsk))
	assert.True(t, sell.GreaterThan(bbo.BestBid))

	// Negative offset crosses the spread.
	crossBuy := limitPriceFor(bbo, core.SideBuy, d("-1"), tick)
	assert.True(t, crossBuy.GreaterThanOrEqual(bbo.BestAsk))
}

func TestQuantityRounding(t *testing.T) {
	q := quantityForNotional(d("1000"), d("50000"), d("0.001"))
	assert.Equal(t, "0.02", q.String())

	q = quantityForNotional(d("999"), d("50000"), d("0.001"))
	assert.Equal(t, "0.019", q.String())
}

func TestWatcherObservesSiblingBetweenPolls(t *testing.T) {
	v1, _ := newBTCVenues()
	v1.LimitMode = mock.FillNever
	e, _ := newExecutor(t, v1)

	ctx := context.Background()
	orderID, err := v1.PlaceLimit(ctx, "BTC", core.SideBuy, d("0.02"), d("49999"), false)
	require.NoError(t, err)

	l := &leg{spec: core.OrderSpec{Venue: "v1", Symbol: "BTC"}, client: v1}
	sig := newFillSignal()

	done := make(chan watchOutcome, 1)
	go func() {
		_, outcome := e.watchOrder(ctx, l, orderID, 5*time.Second, time.Second, sig, true)
		done <- outcome
	}()

	// The first poll has passed; the watcher is waiting out a full poll
	// interval when the sibling fill lands.
	time.Sleep(20 * time.Millisecond)
	sig.Signal()

	select {
	case outcome := <-done:
		assert.Equal(t, watchSibling, outcome)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("sibling fill was not observed until the next poll")
	}
}
