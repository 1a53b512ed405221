package strategy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"funding_arb/internal/core"

	"github.com/shopspring/decimal"
)

// Filter constrains the opportunity search.
type Filter struct {
	Venues              []string
	NotionalPerSide     decimal.Decimal
	MinNetProfitRate    decimal.Decimal
	MaxOpenInterestUSD  decimal.Decimal // zero disables the cap
	MinVolume24hUSD     decimal.Decimal
	RequiredMaxLeverage decimal.Decimal
	MaxSampleAge        time.Duration
	Limit               int
}

// Finder scans the rate database for funding-arbitrage candidates.
type Finder struct {
	rates core.IRateSource
	fees  *FeeCalculator
}

// NewFinder creates a finder over the rate source.
func NewFinder(rates core.IRateSource, fees *FeeCalculator) *Finder {
	return &Finder{rates: rates, fees: fees}
}

// Scan loads the latest samples and market data, then ranks candidates.
func (f *Finder) Scan(ctx context.Context, filter Filter) ([]core.Opportunity, error) {
	samples, err := f.rates.LatestRates(ctx, filter.Venues, filter.MaxSampleAge)
	if err != nil {
		return nil, fmt.Errorf("load rates: %w", err)
	}

	markets := make(map[string]core.MarketInfo)
	for _, s := range samples {
		k := marketKey(s.Venue, s.Symbol)
		if _, ok := markets[k]; ok {
			continue
		}
		info, err := f.rates.MarketInfo(ctx, s.Venue, s.Symbol)
		if err != nil {
			// No market data means the symbol cannot pass the filters.
			continue
		}
		markets[k] = *info
	}

	return Rank(samples, markets, f.fees, filter, time.Now().UTC()), nil
}

// Rank is the pure core of the finder: deterministic for a given snapshot
// and filter, no side effects.
func Rank(samples []core.FundingRateSample, markets map[string]core.MarketInfo, fees *FeeCalculator, filter Filter, now time.Time) []core.Opportunity {
	bySymbol := make(map[string][]core.FundingRateSample)
	for _, s := range samples {
		bySymbol[s.Symbol] = append(bySymbol[s.Symbol], s)
	}

	var out []core.Opportunity
	for symbol, group := range bySymbol {
		// Stable pair enumeration regardless of input order.
		sort.Slice(group, func(i, j int) bool { return group[i].Venue < group[j].Venue })

		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				opp, ok := buildCandidate(symbol, group[i], group[j], markets, fees, filter, now)
				if ok {
					out = append(out, opp)
				}
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].NetProfitRate.Equal(out[j].NetProfitRate) {
			return out[i].NetProfitRate.GreaterThan(out[j].NetProfitRate)
		}
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		if out[i].LongVenue != out[j].LongVenue {
			return out[i].LongVenue < out[j].LongVenue
		}
		return out[i].ShortVenue < out[j].ShortVenue
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func buildCandidate(symbol string, a, b core.FundingRateSample, markets map[string]core.MarketInfo, fees *FeeCalculator, filter Filter, now time.Time) (core.Opportunity, bool) {
	// Long pays the lower rate, short collects the higher.
	long, short := a, b
	if a.NormalizedRate.GreaterThan(b.NormalizedRate) {
		long, short = b, a
	}

	divergence := short.NormalizedRate.Sub(long.NormalizedRate)
	// A non-positive divergence never pays, regardless of how low the
	// profit filter is set.
	if !divergence.IsPositive() {
		return core.Opportunity{}, false
	}

	longInfo, ok := markets[marketKey(long.Venue, symbol)]
	if !ok {
		return core.Opportunity{}, false
	}
	shortInfo, ok := markets[marketKey(short.Venue, symbol)]
	if !ok {
		return core.Opportunity{}, false
	}

	volume := decimal.Min(longInfo.Volume24hUSD, shortInfo.Volume24hUSD)
	oi := decimal.Max(longInfo.OpenInterestUSD, shortInfo.OpenInterestUSD)
	leverage := decimal.Min(longInfo.MaxLeverage, shortInfo.MaxLeverage)

	if filter.MinVolume24hUSD.IsPositive() && volume.LessThan(filter.MinVolume24hUSD) {
		return core.Opportunity{}, false
	}
	if filter.MaxOpenInterestUSD.IsPositive() && oi.GreaterThan(filter.MaxOpenInterestUSD) {
		return core.Opportunity{}, false
	}
	if filter.RequiredMaxLeverage.IsPositive() && leverage.LessThan(filter.RequiredMaxLeverage) {
		return core.Opportunity{}, false
	}

	notional := filter.NotionalPerSide
	entryFees := fees.PairEntryFeesUSD(long.Venue, short.Venue, notional)
	exitFees := fees.PairExitFeesUSD(long.Venue, short.Venue, notional)

	net := divergence
	if notional.IsPositive() {
		net = divergence.Sub(entryFees.Add(exitFees).Div(notional))
	}
	if net.LessThan(filter.MinNetProfitRate) {
		return core.Opportunity{}, false
	}

	return core.Opportunity{
		Symbol:              symbol,
		LongVenue:           long.Venue,
		ShortVenue:          short.Venue,
		LongRate:            long.NormalizedRate,
		ShortRate:           short.NormalizedRate,
		Divergence:          divergence,
		GrossYieldPerPeriod: divergence,
		EntryFeesUSD:        entryFees,
		ExitFeesUSD:         exitFees,
		NetProfitRate:       net,
		Volume24hUSD:        volume,
		OpenInterestUSD:     oi,
		MaxLeverage:         leverage,
		GeneratedAt:         now,
	}, true
}

func marketKey(venue, symbol string) string {
	return venue + "|" + symbol
}
