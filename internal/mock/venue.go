// Package mock provides a scripted in-memory venue client for tests and
// dry runs.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LimitFillMode scripts how resting limit orders behave.
type LimitFillMode int

const (
	// FillInstant fills the limit order at its limit price on placement.
	FillInstant LimitFillMode = iota
	// FillNever leaves the limit order resting until canceled or timed out.
	FillNever
	// FillPartial fills PartialRatio of the quantity, then rests.
	FillPartial
	// FillAfterDelay fills the order FillDelay after placement; the fill is
	// observed on the next status poll past the deadline.
	FillAfterDelay
)

type mockOrder struct {
	id         string
	symbol     string
	side       core.Side
	quantity   decimal.Decimal
	price      decimal.Decimal
	reduceOnly bool
	isMarket   bool

	status   core.OrderStatus
	filled   decimal.Decimal
	avgPrice decimal.Decimal
	placedAt time.Time
	fillAt   time.Time
}

// Venue is a scripted venue client. Zero value is not usable; construct
// with NewVenue. All methods are safe for concurrent use.
type Venue struct {
	mu sync.Mutex

	name     string
	tickSize decimal.Decimal
	sizeStep decimal.Decimal

	books     map[string]*core.DepthSnapshot
	positions map[string]decimal.Decimal // signed
	orders    map[string]*mockOrder
	funding   []core.FundingEvent

	// Scripted behavior
	LimitMode    LimitFillMode
	PartialRatio decimal.Decimal
	FillDelay    time.Duration
	LimitErr     error // returned by PlaceLimit when set
	MarketErr    error // returned by PlaceMarket when set
	HealthErr    error

	events chan core.OrderEvent

	placedLimits  int
	placedMarkets int
	cancels       int
}

// NewVenue creates a mock venue with the given tick and size step.
func NewVenue(name string, tickSize, sizeStep decimal.Decimal) *Venue {
	return &Venue{
		name:         name,
		tickSize:     tickSize,
		sizeStep:     sizeStep,
		books:        make(map[string]*core.DepthSnapshot),
		positions:    make(map[string]decimal.Decimal),
		orders:       make(map[string]*mockOrder),
		PartialRatio: decimal.RequireFromString("0.5"),
	}
}

// SetBook installs the depth snapshot served for symbol.
func (v *Venue) SetBook(symbol string, bids, asks []core.DepthLevel) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.books[symbol] = &core.DepthSnapshot{
		Venue:      v.name,
		Symbol:     symbol,
		Bids:       bids,
		Asks:       asks,
		ObservedAt: time.Now(),
	}
}

// SetPosition overrides the signed position quantity for symbol.
func (v *Venue) SetPosition(symbol string, quantity decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positions[symbol] = quantity
}

// AddFundingEvent appends a scripted funding credit.
func (v *Venue) AddFundingEvent(ev core.FundingEvent) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ev.Venue = v.name
	v.funding = append(v.funding, ev)
}

// EnableEvents makes the venue emit terminal order events on a stream.
func (v *Venue) EnableEvents(buffer int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.events = make(chan core.OrderEvent, buffer)
}

// PlacedLimits returns how many limit orders were submitted.
func (v *Venue) PlacedLimits() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.placedLimits
}

// PlacedMarkets returns how many market orders were submitted.
func (v *Venue) PlacedMarkets() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.placedMarkets
}

// Cancels returns how many cancel calls were received.
func (v *Venue) Cancels() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cancels
}

// Name implements core.IVenueClient.
func (v *Venue) Name() string { return v.name }

// CheckHealth implements core.IVenueClient.
func (v *Venue) CheckHealth(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.HealthErr
}

// FetchBBO implements core.IVenueClient.
func (v *Venue) FetchBBO(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	book, ok := v.books[symbol]
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%s: %w", symbol, apperrors.ErrSymbolUnknown)
	}
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%s: empty book: %w", symbol, apperrors.ErrVenueUnavailable)
	}
	return book.BestBid().Price, book.BestAsk().Price, nil
}

// FetchDepth implements core.IVenueClient.
func (v *Venue) FetchDepth(ctx context.Context, symbol string, levels int) (*core.DepthSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	book, ok := v.books[symbol]
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, apperrors.ErrSymbolUnknown)
	}

	out := &core.DepthSnapshot{
		Venue:      v.name,
		Symbol:     symbol,
		ObservedAt: time.Now(),
	}
	out.Bids = append(out.Bids, book.Bids[:minInt(levels, len(book.Bids))]...)
	out.Asks = append(out.Asks, book.Asks[:minInt(levels, len(book.Asks))]...)
	return out, nil
}

// PlaceLimit implements core.IVenueClient.
func (v *Venue) PlaceLimit(ctx context.Context, symbol string, side core.Side, quantity, price decimal.Decimal, reduceOnly bool) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.placedLimits++
	if v.LimitErr != nil {
		return "", v.LimitErr
	}

	o := &mockOrder{
		id:         uuid.NewString(),
		symbol:     symbol,
		side:       side,
		quantity:   quantity,
		price:      price,
		reduceOnly: reduceOnly,
		status:     core.OrderOpen,
		placedAt:   time.Now(),
	}

	switch v.LimitMode {
	case FillInstant:
		v.fillLocked(o, quantity, price)
	case FillPartial:
		v.fillLocked(o, quantity.Mul(v.PartialRatio), price)
		o.status = core.OrderPartiallyFilled
	case FillAfterDelay:
		o.fillAt = o.placedAt.Add(v.FillDelay)
	case FillNever:
	}

	v.orders[o.id] = o
	return o.id, nil
}

// PlaceMarket implements core.IVenueClient. Market orders walk the book and
// fill on acceptance.
func (v *Venue) PlaceMarket(ctx context.Context, symbol string, side core.Side, quantity decimal.Decimal, reduceOnly bool) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.placedMarkets++
	if v.MarketErr != nil {
		return "", v.MarketErr
	}

	o := &mockOrder{
		id:         uuid.NewString(),
		symbol:     symbol,
		side:       side,
		quantity:   quantity,
		reduceOnly: reduceOnly,
		isMarket:   true,
		status:     core.OrderOpen,
		placedAt:   time.Now(),
	}

	avg := v.walkBookLocked(symbol, side, quantity)
	v.fillLocked(o, quantity, avg)

	v.orders[o.id] = o
	return o.id, nil
}

// fillLocked marks quantity filled at price and moves the venue position.
func (v *Venue) fillLocked(o *mockOrder, quantity, price decimal.Decimal) {
	o.filled = quantity
	o.avgPrice = price
	o.status = core.OrderFilled
	if quantity.LessThan(o.quantity) {
		o.status = core.OrderPartiallyFilled
	}

	delta := quantity
	if o.side == core.SideSell {
		delta = delta.Neg()
	}
	v.positions[o.symbol] = v.positions[o.symbol].Add(delta)

	if v.events != nil && o.status == core.OrderFilled {
		select {
		case v.events <- core.OrderEvent{
			Venue:          v.name,
			OrderID:        o.id,
			Status:         o.status,
			FilledQuantity: o.filled,
			AvgFillPrice:   o.avgPrice,
			At:             time.Now(),
		}:
		default:
		}
	}
}

// walkBookLocked computes the average fill price for a market order.
func (v *Venue) walkBookLocked(symbol string, side core.Side, quantity decimal.Decimal) decimal.Decimal {
	book, ok := v.books[symbol]
	if !ok {
		return decimal.Zero
	}

	ladder := book.Asks
	if side == core.SideSell {
		ladder = book.Bids
	}

	remaining := quantity
	cost := decimal.Zero
	for _, lvl := range ladder {
		take := decimal.Min(remaining, lvl.Size)
		cost = cost.Add(take.Mul(lvl.Price))
		remaining = remaining.Sub(take)
		if remaining.IsZero() {
			break
		}
	}
	if !remaining.IsZero() && len(ladder) > 0 {
		// Book exhausted: fill the remainder at the worst level.
		cost = cost.Add(remaining.Mul(ladder[len(ladder)-1].Price))
	}
	if quantity.IsZero() {
		return decimal.Zero
	}
	return cost.Div(quantity)
}

// Cancel implements core.IVenueClient. Idempotent on terminal orders.
func (v *Venue) Cancel(ctx context.Context, orderID string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.cancels++
	o, ok := v.orders[orderID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s: %w", orderID, apperrors.ErrOrderNotFound)
	}

	v.maybeFillDelayedLocked(o)
	if o.status.IsTerminal() {
		return o.filled, nil
	}

	o.status = core.OrderCanceled
	return o.filled, nil
}

// GetOrder implements core.IVenueClient.
func (v *Venue) GetOrder(ctx context.Context, orderID string) (*core.OrderSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	o, ok := v.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", orderID, apperrors.ErrOrderNotFound)
	}

	v.maybeFillDelayedLocked(o)
	return &core.OrderSnapshot{
		OrderID:        o.id,
		Status:         o.status,
		FilledQuantity: o.filled,
		AvgFillPrice:   o.avgPrice,
	}, nil
}

func (v *Venue) maybeFillDelayedLocked(o *mockOrder) {
	if v.LimitMode == FillAfterDelay && o.status == core.OrderOpen && !o.fillAt.IsZero() && time.Now().After(o.fillAt) {
		v.fillLocked(o, o.quantity, o.price)
	}
}

// GetPosition implements core.IVenueClient.
func (v *Venue) GetPosition(ctx context.Context, symbol string) (*core.VenuePosition, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	qty := v.positions[symbol]
	mark := decimal.Zero
	if book, ok := v.books[symbol]; ok && len(book.Bids) > 0 && len(book.Asks) > 0 {
		mark = book.BestBid().Price.Add(book.BestAsk().Price).Div(decimal.NewFromInt(2))
	}
	return &core.VenuePosition{
		Symbol:    symbol,
		Quantity:  qty,
		MarkPrice: mark,
	}, nil
}

// GetLeverageInfo implements core.IVenueClient.
func (v *Venue) GetLeverageInfo(ctx context.Context, symbol string) (*core.LeverageInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.books[symbol]; !ok {
		return nil, fmt.Errorf("%s: %w", symbol, apperrors.ErrSymbolUnsupported)
	}
	return &core.LeverageInfo{
		MaxLeverage:       decimal.NewFromInt(20),
		MarginRequirement: decimal.RequireFromString("0.05"),
	}, nil
}

// ListFundingEvents implements core.IVenueClient.
func (v *Venue) ListFundingEvents(ctx context.Context, symbol string, since time.Time) ([]core.FundingEvent, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out []core.FundingEvent
	for _, ev := range v.funding {
		if ev.Symbol == symbol && ev.PaidAt.After(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// NormalizeSymbol implements core.IVenueClient.
func (v *Venue) NormalizeSymbol(native string) (string, error) { return native, nil }

// DenormalizeSymbol implements core.IVenueClient.
func (v *Venue) DenormalizeSymbol(canonical string) (string, error) { return canonical, nil }

// TickSize implements core.IVenueClient.
func (v *Venue) TickSize(symbol string) decimal.Decimal { return v.tickSize }

// SizeStep implements core.IVenueClient.
func (v *Venue) SizeStep(symbol string) decimal.Decimal { return v.sizeStep }

// OrderEvents implements core.IVenueClient.
func (v *Venue) OrderEvents() <-chan core.OrderEvent {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.events
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
