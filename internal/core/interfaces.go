package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IVenueClient is the uniform trading contract over one (venue, account)
// binding. Implementations are safe for concurrent use; rate limiting and
// transient-error retries are the client's responsibility.
type IVenueClient interface {
	// Identity
	Name() string
	CheckHealth(ctx context.Context) error

	// Market data
	FetchBBO(ctx context.Context, symbol string) (bid, ask decimal.Decimal, err error)
	FetchDepth(ctx context.Context, symbol string, levels int) (*DepthSnapshot, error)

	// Order operations
	PlaceLimit(ctx context.Context, symbol string, side Side, quantity, price decimal.Decimal, reduceOnly bool) (orderID string, err error)
	PlaceMarket(ctx context.Context, symbol string, side Side, quantity decimal.Decimal, reduceOnly bool) (orderID string, err error)
	// Cancel is idempotent: cancelling an already-terminal order returns
	// the terminal filled quantity, never an error.
	Cancel(ctx context.Context, orderID string) (filledQuantity decimal.Decimal, err error)
	GetOrder(ctx context.Context, orderID string) (*OrderSnapshot, error)

	// Account
	GetPosition(ctx context.Context, symbol string) (*VenuePosition, error)
	GetLeverageInfo(ctx context.Context, symbol string) (*LeverageInfo, error)
	ListFundingEvents(ctx context.Context, symbol string, since time.Time) ([]FundingEvent, error)

	// Symbol resolution and numeric hygiene
	NormalizeSymbol(native string) (string, error)
	DenormalizeSymbol(canonical string) (string, error)
	TickSize(symbol string) decimal.Decimal
	SizeStep(symbol string) decimal.Decimal

	// OrderEvents returns a terminal-event stream, or nil when the venue
	// client does not emit events. The executor falls back to polling.
	OrderEvents() <-chan OrderEvent
}

// OrderSnapshot is the venue-reported state of one order.
type OrderSnapshot struct {
	OrderID        string
	Status         OrderStatus
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
}

// IPriceCache is the shared short-TTL best bid/ask store.
type IPriceCache interface {
	CacheDepth(venue, symbol string, depth *DepthSnapshot, source string)
	Put(price CachedPrice)
	GetBBO(venue, symbol string, ttl time.Duration) (CachedPrice, bool)
}

// IExecutor opens or closes a set of orders across venues under a
// "both fill or neither remains" contract.
type IExecutor interface {
	ExecuteAtomically(ctx context.Context, orders []OrderSpec, opts ExecOptions) (*AtomicExecutionResult, error)
}

// ClosePolicy selects the compensation bias when a close-path leg fails.
type ClosePolicy string

const (
	// CloseRestoreFlat restores the pre-call state: filled close legs are
	// re-opened. Used for opens, where "flat" means no new exposure.
	CloseRestoreFlat ClosePolicy = "restore_flat"
	// CloseCompleteExit completes the exit: the unfilled close leg is
	// escalated to market, since the position is already half-closed.
	CloseCompleteExit ClosePolicy = "complete_exit"
)

// ExecOptions tunes one executor invocation.
type ExecOptions struct {
	RollbackOnPartial bool // must be true; false is rejected as unsafe
	PreFlightCheck    bool
	ClosePolicy       ClosePolicy // empty means CloseRestoreFlat
	SlippageThreshold decimal.Decimal
	DepthLevels       int
	PollInterval      time.Duration
	RollbackTimeout   time.Duration
	DryRun            bool
}

// IPositionStore is the durable home for positions and funding payments.
type IPositionStore interface {
	CreatePosition(ctx context.Context, p *Position) error
	UpdatePositionState(ctx context.Context, id string, currentDivergence decimal.Decimal, lastCheckAt time.Time) error
	RecordFundingPayment(ctx context.Context, positionID, venue string, rate, amountUSD decimal.Decimal, at time.Time) error
	MarkPendingClose(ctx context.Context, id, reason string) error
	MarkClosed(ctx context.Context, id string, realizedPnL decimal.Decimal, exitReason string) error
	MarkNeedsReconciliation(ctx context.Context, id, reason string) error
	GetPosition(ctx context.Context, id string) (*Position, error)
	ListNonClosed(ctx context.Context) ([]*Position, error)
	ListFundingPayments(ctx context.Context, positionID string) ([]FundingPayment, error)
	Close() error
}

// IPositionManager is the single source of truth for live inventory.
type IPositionManager interface {
	Restore(ctx context.Context) error
	Create(ctx context.Context, p *Position) error
	UpdateState(ctx context.Context, id string, currentDivergence decimal.Decimal, at time.Time) error
	RecordFunding(ctx context.Context, positionID, venue string, rate, amountUSD decimal.Decimal, at time.Time) error
	MarkPendingClose(ctx context.Context, id, reason string) error
	MarkClosed(ctx context.Context, id string, realizedPnL decimal.Decimal, exitReason string) error
	Flag(ctx context.Context, id, reason string) error
	ListOpen() []*Position
	ListPendingClose() []*Position
	Get(id string) (*Position, bool)
	HasOpen(symbol, longVenue, shortVenue string) bool
	TotalExposureUSD() decimal.Decimal
}

// IRateSource is the read API over the external funding-rate collection
// service's database.
type IRateSource interface {
	// LatestRates returns the most recent sample per (venue, symbol) for
	// the given venues, all symbols.
	LatestRates(ctx context.Context, venues []string, maxAge time.Duration) ([]FundingRateSample, error)
	// RatesFor returns the most recent sample per venue for one symbol.
	RatesFor(ctx context.Context, venues []string, symbol string) ([]FundingRateSample, error)
	// MarketInfo returns market data for a (venue, symbol) pair.
	MarketInfo(ctx context.Context, venue, symbol string) (*MarketInfo, error)
}

// IRebalanceRule evaluates whether a live position should exit.
type IRebalanceRule interface {
	Name() string
	Evaluate(p *Position, now time.Time) ExitSignal
}

// IAlerter delivers operator alerts. Delivery is asynchronous and must not
// block the trading path.
type IAlerter interface {
	Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string)
}

// AlertLevel grades alert severity.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertError    AlertLevel = "ERROR"
	AlertCritical AlertLevel = "CRITICAL"
)

// IOpenBreaker gates new position opens after critical failures.
type IOpenBreaker interface {
	AllowOpen() bool
	RecordCritical(reason string)
	Reset()
}

// ILogger is the structured logging contract.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
