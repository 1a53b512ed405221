// Package core defines the shared contracts and domain types for the
// funding arbitrage system.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or a position leg.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"

	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the compensating order side for a fill on s.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy, SideLong:
		return SideSell
	case SideSell, SideShort:
		return SideBuy
	}
	return s
}

// ExecutionMode controls how a single order is worked.
type ExecutionMode string

const (
	ModeLimitOnly         ExecutionMode = "limit_only"
	ModeLimitWithFallback ExecutionMode = "limit_with_fallback"
	ModeMarketOnly        ExecutionMode = "market_only"
)

// OrderStatus is the venue-reported lifecycle state of an order.
type OrderStatus string

const (
	OrderOpen            OrderStatus = "open"
	OrderFilled          OrderStatus = "filled"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderCanceled        OrderStatus = "canceled"
	OrderRejected        OrderStatus = "rejected"
)

// IsTerminal reports whether the order can no longer change.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCanceled || s == OrderRejected
}

// PositionStatus is the lifecycle state of a durable Position.
type PositionStatus string

const (
	StatusOpen                PositionStatus = "open"
	StatusPendingClose        PositionStatus = "pending_close"
	StatusClosed              PositionStatus = "closed"
	StatusNeedsReconciliation PositionStatus = "needs_reconciliation"
)

// FundingRateSample is one observation of a venue's funding rate, produced
// by the external collection service and consumed read-only.
type FundingRateSample struct {
	Venue           string
	Symbol          string
	RawRate         decimal.Decimal
	NormalizedRate  decimal.Decimal // per 8h: raw * 8 / interval
	IntervalHours   int
	NextFundingTime time.Time
	ObservedAt      time.Time
}

// MarketInfo carries per-(venue,symbol) market data alongside rate samples.
type MarketInfo struct {
	Venue           string
	Symbol          string
	Volume24hUSD    decimal.Decimal
	OpenInterestUSD decimal.Decimal
	MaxLeverage     decimal.Decimal
}

// Opportunity is a derived funding-arbitrage candidate. Never persisted.
type Opportunity struct {
	Symbol              string
	LongVenue           string
	ShortVenue          string
	LongRate            decimal.Decimal
	ShortRate           decimal.Decimal
	Divergence          decimal.Decimal // short - long, per 8h
	GrossYieldPerPeriod decimal.Decimal
	EntryFeesUSD        decimal.Decimal
	ExitFeesUSD         decimal.Decimal
	NetProfitRate       decimal.Decimal
	Volume24hUSD        decimal.Decimal
	OpenInterestUSD     decimal.Decimal
	MaxLeverage         decimal.Decimal
	GeneratedAt         time.Time
}

// PositionLeg is one side of a delta-neutral pair.
type PositionLeg struct {
	Venue        string
	Side         Side // long or short
	SizeUSD      decimal.Decimal
	Quantity     decimal.Decimal
	EntryPrice   decimal.Decimal
	EntryRate    decimal.Decimal
	FeesPaid     decimal.Decimal
	SlippagePaid decimal.Decimal
	ExposureUSD  decimal.Decimal
	Leverage     decimal.Decimal
}

// Position is the durable record of an open funding-arb pair. Owned
// exclusively by the position manager.
type Position struct {
	ID                   string
	Strategy             string
	AccountID            string
	Symbol               string
	LongLeg              PositionLeg
	ShortLeg             PositionLeg
	SizeUSD              decimal.Decimal // nominal per side
	EntryDivergence      decimal.Decimal
	CurrentDivergence    decimal.Decimal
	OpenedAt             time.Time
	LastCheckAt          time.Time
	Status               PositionStatus
	ExitReason           string
	ClosedAt             time.Time
	CumulativeFundingUSD decimal.Decimal
	TotalFeesPaidUSD     decimal.Decimal
	RealizedPnLUSD       decimal.Decimal
}

// StrategyFundingArbitrage is the strategy tag recorded on positions.
const StrategyFundingArbitrage = "funding_arbitrage"

// FundingPayment is one per-venue funding credit or debit. Append-only.
type FundingPayment struct {
	ID               int64
	PositionID       string
	Venue            string
	Symbol           string
	FundingRate      decimal.Decimal
	PaymentAmountUSD decimal.Decimal
	PaymentTime      time.Time
}

// DepthLevel is one price level of an order book ladder.
type DepthLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// DepthSnapshot holds sorted bid/ask ladders as returned by a venue.
type DepthSnapshot struct {
	Venue      string
	Symbol     string
	Bids       []DepthLevel // descending price
	Asks       []DepthLevel // ascending price
	ObservedAt time.Time
}

// BestBid returns the top bid level, or zero values when the book is empty.
func (d *DepthSnapshot) BestBid() DepthLevel {
	if len(d.Bids) == 0 {
		return DepthLevel{}
	}
	return d.Bids[0]
}

// BestAsk returns the top ask level, or zero values when the book is empty.
func (d *DepthSnapshot) BestAsk() DepthLevel {
	if len(d.Asks) == 0 {
		return DepthLevel{}
	}
	return d.Asks[0]
}

// CachedPrice is a short-TTL best bid/ask entry keyed by (venue, symbol).
type CachedPrice struct {
	Venue      string
	Symbol     string
	BestBid    decimal.Decimal
	BestAsk    decimal.Decimal
	ObservedAt time.Time
	Source     string
}

// Mid returns the midpoint of the cached quote.
func (p CachedPrice) Mid() decimal.Decimal {
	return p.BestBid.Add(p.BestAsk).Div(decimal.NewFromInt(2))
}

// OrderSpec is one leg handed to the atomic executor.
type OrderSpec struct {
	Venue          string
	Symbol         string
	Side           Side // buy or sell
	SizeUSD        decimal.Decimal
	Quantity       decimal.Decimal // exact quantity override; used on the close path
	Mode           ExecutionMode
	LimitOffsetBps decimal.Decimal // positive rests inside the touch, negative crosses
	ReduceOnly     bool
	Timeout        time.Duration
}

// OrderResult is the per-leg outcome of an executor invocation.
type OrderResult struct {
	Venue          string
	Symbol         string
	Side           Side
	Success        bool
	OrderID        string
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	SlippageUSD    decimal.Decimal
	ModeUsed       ExecutionMode
	Err            error
}

// AtomicExecutionResult is the outcome of execute-atomically.
type AtomicExecutionResult struct {
	Success           bool
	AllFilled         bool
	FilledOrders      []OrderResult
	FailedOrders      []OrderResult
	RollbackPerformed bool
	RollbackCostUSD   decimal.Decimal
	TotalSlippageUSD  decimal.Decimal
	Elapsed           time.Duration
}

// VenuePosition is a venue-reported position snapshot. A missing position
// is reported as zero quantity.
type VenuePosition struct {
	Symbol     string
	Quantity   decimal.Decimal // signed: positive long, negative short
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
	Leverage   decimal.Decimal
}

// LeverageInfo describes a venue's leverage limits for a symbol.
type LeverageInfo struct {
	MaxLeverage       decimal.Decimal
	MarginRequirement decimal.Decimal
}

// OrderEvent is an optional terminal order notification emitted by venue
// clients that support streams.
type OrderEvent struct {
	Venue          string
	OrderID        string
	Status         OrderStatus
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	At             time.Time
}

// FundingEvent is a raw funding credit reported by a venue for an open
// position. The position manager persists it as a FundingPayment.
type FundingEvent struct {
	Venue     string
	Symbol    string
	Rate      decimal.Decimal
	AmountUSD decimal.Decimal
	PaidAt    time.Time
}

// ExitSignal is the decision of a rebalance rule for one position.
type ExitSignal struct {
	ShouldExit bool
	Urgency    Urgency
	Reason     string
}

// Urgency ranks exit signals.
type Urgency int

const (
	UrgencyNormal Urgency = iota
	UrgencyUrgent
)

func (u Urgency) String() string {
	if u == UrgencyUrgent {
		return "urgent"
	}
	return "normal"
}
