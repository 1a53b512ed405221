package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOpportunitiesScanned = "funding_arb_opportunities_scanned_total"
	MetricOpportunitiesTaken   = "funding_arb_opportunities_taken_total"
	MetricPositionsOpened      = "funding_arb_positions_opened_total"
	MetricPositionsClosed      = "funding_arb_positions_closed_total"
	MetricExecutorElapsed      = "funding_arb_executor_elapsed_ms"
	MetricRollbacksTotal       = "funding_arb_rollbacks_total"
	MetricRollbackCost         = "funding_arb_rollback_cost_usd_total"
	MetricSlippageTotal        = "funding_arb_slippage_usd_total"
	MetricFundingCollected     = "funding_arb_funding_collected_usd_total"
	MetricOpenPositions        = "funding_arb_open_positions"
	MetricTotalExposure        = "funding_arb_total_exposure_usd"
	MetricOpensHalted          = "funding_arb_opens_halted"
	MetricPriceCacheHits       = "funding_arb_price_cache_hits_total"
	MetricPriceCacheMisses     = "funding_arb_price_cache_misses_total"
)

// MetricsHolder holds initialized instruments plus state for observables.
type MetricsHolder struct {
	OpportunitiesScanned metric.Int64Counter
	OpportunitiesTaken   metric.Int64Counter
	PositionsOpened      metric.Int64Counter
	PositionsClosed      metric.Int64Counter
	ExecutorElapsed      metric.Float64Histogram
	RollbacksTotal       metric.Int64Counter
	RollbackCost         metric.Float64Counter
	SlippageTotal        metric.Float64Counter
	FundingCollected     metric.Float64Counter
	OpenPositions        metric.Int64ObservableGauge
	TotalExposure        metric.Float64ObservableGauge
	OpensHalted          metric.Int64ObservableGauge
	PriceCacheHits       metric.Int64Counter
	PriceCacheMisses     metric.Int64Counter

	mu            sync.RWMutex
	openPositions int64
	totalExposure float64
	opensHalted   int64
	initialized   bool
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OpportunitiesScanned, err = meter.Int64Counter(MetricOpportunitiesScanned,
		metric.WithDescription("Opportunities evaluated by the finder"))
	if err != nil {
		return err
	}

	m.OpportunitiesTaken, err = meter.Int64Counter(MetricOpportunitiesTaken,
		metric.WithDescription("Opportunities the strategy attempted to open"))
	if err != nil {
		return err
	}

	m.PositionsOpened, err = meter.Int64Counter(MetricPositionsOpened,
		metric.WithDescription("Positions opened successfully"))
	if err != nil {
		return err
	}

	m.PositionsClosed, err = meter.Int64Counter(MetricPositionsClosed,
		metric.WithDescription("Positions closed, labeled by exit reason"))
	if err != nil {
		return err
	}

	m.ExecutorElapsed, err = meter.Float64Histogram(MetricExecutorElapsed,
		metric.WithDescription("Elapsed time of atomic executor invocations"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.RollbacksTotal, err = meter.Int64Counter(MetricRollbacksTotal,
		metric.WithDescription("Rollbacks performed by the executor"))
	if err != nil {
		return err
	}

	m.RollbackCost, err = meter.Float64Counter(MetricRollbackCost,
		metric.WithDescription("Cumulative slippage paid on rollback compensators"))
	if err != nil {
		return err
	}

	m.SlippageTotal, err = meter.Float64Counter(MetricSlippageTotal,
		metric.WithDescription("Cumulative slippage across all fills"))
	if err != nil {
		return err
	}

	m.FundingCollected, err = meter.Float64Counter(MetricFundingCollected,
		metric.WithDescription("Cumulative funding payments recorded"))
	if err != nil {
		return err
	}

	m.PriceCacheHits, err = meter.Int64Counter(MetricPriceCacheHits,
		metric.WithDescription("Price cache hits"))
	if err != nil {
		return err
	}

	m.PriceCacheMisses, err = meter.Int64Counter(MetricPriceCacheMisses,
		metric.WithDescription("Price cache misses"))
	if err != nil {
		return err
	}

	m.OpenPositions, err = meter.Int64ObservableGauge(MetricOpenPositions,
		metric.WithDescription("Number of currently open positions"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.openPositions)
			return nil
		}))
	if err != nil {
		return err
	}

	m.TotalExposure, err = meter.Float64ObservableGauge(MetricTotalExposure,
		metric.WithDescription("Total live notional across open positions"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.totalExposure)
			return nil
		}))
	if err != nil {
		return err
	}

	m.OpensHalted, err = meter.Int64ObservableGauge(MetricOpensHalted,
		metric.WithDescription("Whether new opens are halted (1=halted, 0=normal)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.opensHalted)
			return nil
		}))
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()

	return nil
}

// Ready reports whether instruments have been initialized. Counter adds
// before InitMetrics would panic on nil instruments.
func (m *MetricsHolder) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// SetOpenPositions updates the open-position gauge state.
func (m *MetricsHolder) SetOpenPositions(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositions = count
}

// SetTotalExposure updates the exposure gauge state.
func (m *MetricsHolder) SetTotalExposure(usd float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalExposure = usd
}

// SetOpensHalted updates the halt gauge state.
func (m *MetricsHolder) SetOpensHalted(halted bool) {
	val := int64(0)
	if halted {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opensHalted = val
}

// RecordClose increments the closed counter labeled by exit reason.
func (m *MetricsHolder) RecordClose(ctx context.Context, reason string) {
	if !m.Ready() {
		return
	}
	m.PositionsClosed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordScanned adds to the opportunities-scanned counter.
func (m *MetricsHolder) RecordScanned(ctx context.Context, n int64) {
	if !m.Ready() {
		return
	}
	m.OpportunitiesScanned.Add(ctx, n)
}

// RecordTaken increments the opportunities-taken counter.
func (m *MetricsHolder) RecordTaken(ctx context.Context, symbol string) {
	if !m.Ready() {
		return
	}
	m.OpportunitiesTaken.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// RecordOpened increments the positions-opened counter.
func (m *MetricsHolder) RecordOpened(ctx context.Context, symbol string) {
	if !m.Ready() {
		return
	}
	m.PositionsOpened.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// RecordExecution records one executor invocation outcome.
func (m *MetricsHolder) RecordExecution(ctx context.Context, elapsedMs float64, slippageUSD float64, rolledBack bool, rollbackCostUSD float64) {
	if !m.Ready() {
		return
	}
	m.ExecutorElapsed.Record(ctx, elapsedMs)
	m.SlippageTotal.Add(ctx, slippageUSD)
	if rolledBack {
		m.RollbacksTotal.Add(ctx, 1)
		m.RollbackCost.Add(ctx, rollbackCostUSD)
	}
}

// RecordFunding adds a recorded funding payment amount.
func (m *MetricsHolder) RecordFunding(ctx context.Context, venue string, amountUSD float64) {
	if !m.Ready() {
		return
	}
	m.FundingCollected.Add(ctx, amountUSD, metric.WithAttributes(attribute.String("venue", venue)))
}

// RecordCacheHit increments the price cache hit counter.
func (m *MetricsHolder) RecordCacheHit(ctx context.Context) {
	if !m.Ready() {
		return
	}
	m.PriceCacheHits.Add(ctx, 1)
}

// RecordCacheMiss increments the price cache miss counter.
func (m *MetricsHolder) RecordCacheMiss(ctx context.Context) {
	if !m.Ready() {
		return
	}
	m.PriceCacheMisses.Add(ctx, 1)
}
