package execution

import (
	"funding_arb/internal/core"

	"github.com/shopspring/decimal"
)

var bpsDivisor = decimal.NewFromInt(10000)

// limitPriceFor computes the limit price for a leg from the cached BBO.
// The offset is measured in basis points back from the opposite touch:
// a buy rests offsetBps below the best ask, a sell rests offsetBps above
// the best bid. A negative offset crosses the spread. The result is
// rounded to the venue tick toward the passive side.
func limitPriceFor(bbo core.CachedPrice, side core.Side, offsetBps, tick decimal.Decimal) decimal.Decimal {
	factor := offsetBps.Div(bpsDivisor)

	var price decimal.Decimal
	if side == core.SideBuy {
		price = bbo.BestAsk.Mul(decimal.NewFromInt(1).Sub(factor))
		return roundDownToTick(price, tick)
	}
	price = bbo.BestBid.Mul(decimal.NewFromInt(1).Add(factor))
	return roundUpToTick(price, tick)
}

// quantityForNotional converts a USD notional into a base quantity at the
// given reference price, rounded down to the venue size step.
func quantityForNotional(sizeUSD, refPrice, step decimal.Decimal) decimal.Decimal {
	if refPrice.IsZero() {
		return decimal.Zero
	}
	return roundDownToStep(sizeUSD.Div(refPrice), step)
}

func roundDownToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	return price.Div(tick).Floor().Mul(tick)
}

func roundUpToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	return price.Div(tick).Ceil().Mul(tick)
}

func roundDownToStep(quantity, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return quantity
	}
	return quantity.Div(step).Floor().Mul(step)
}

// slippageUSD is the signed adverse cost of a fill versus the reference
// mid, floored at zero. Buys above mid and sells below mid cost money;
// passive fills inside the spread report zero.
func slippageUSD(side core.Side, avgFill, refMid, quantity decimal.Decimal) decimal.Decimal {
	if avgFill.IsZero() || refMid.IsZero() || quantity.IsZero() {
		return decimal.Zero
	}

	diff := avgFill.Sub(refMid)
	if side == core.SideSell {
		diff = diff.Neg()
	}
	if diff.IsNegative() {
		return decimal.Zero
	}
	return diff.Mul(quantity)
}
