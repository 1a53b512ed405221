package strategy

import (
	"funding_arb/internal/core"

	"github.com/shopspring/decimal"
)

// FeeSchedule is one venue's trading fee rates as fractions of notional.
type FeeSchedule struct {
	Maker decimal.Decimal
	Taker decimal.Decimal
}

// FeeCalculator prices round-trip trading costs per venue.
type FeeCalculator struct {
	schedules map[string]FeeSchedule
	fallback  FeeSchedule
}

// NewFeeCalculator builds a calculator from per-venue schedules. Venues
// without a schedule use a conservative taker-level fallback.
func NewFeeCalculator(schedules map[string]FeeSchedule) *FeeCalculator {
	return &FeeCalculator{
		schedules: schedules,
		fallback: FeeSchedule{
			Maker: decimal.RequireFromString("0.0002"),
			Taker: decimal.RequireFromString("0.0005"),
		},
	}
}

func (f *FeeCalculator) schedule(venue string) FeeSchedule {
	if s, ok := f.schedules[venue]; ok {
		return s
	}
	return f.fallback
}

// OrderFeeUSD is the fee for one fill. Limit fills pay maker; any fill
// that went through a market order pays taker.
func (f *FeeCalculator) OrderFeeUSD(venue string, mode core.ExecutionMode, notional decimal.Decimal) decimal.Decimal {
	s := f.schedule(venue)
	if mode == core.ModeLimitOnly {
		return notional.Mul(s.Maker)
	}
	return notional.Mul(s.Taker)
}

// PairEntryFeesUSD estimates the cost of opening both legs at notional
// per side. Opens are worked as limits with a market fallback, so the
// estimate is priced at taker.
func (f *FeeCalculator) PairEntryFeesUSD(longVenue, shortVenue string, notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(f.schedule(longVenue).Taker).Add(notional.Mul(f.schedule(shortVenue).Taker))
}

// PairExitFeesUSD estimates the cost of closing both legs.
func (f *FeeCalculator) PairExitFeesUSD(longVenue, shortVenue string, notional decimal.Decimal) decimal.Decimal {
	return f.PairEntryFeesUSD(longVenue, shortVenue, notional)
}
