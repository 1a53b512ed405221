// Package execution implements the atomic multi-order executor: N orders
// across venues placed under a "both fill or neither remains" contract,
// with pre-flight feasibility checks, concurrent placement, fill watching,
// optimistic hedging, and partial-fill rollback.
package execution

import (
	"context"
	"fmt"
	"time"

	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/retry"
	"funding_arb/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	defaultOrderTimeout    = 30 * time.Second
	defaultPollInterval    = 500 * time.Millisecond
	defaultRollbackTimeout = 10 * time.Second
	defaultDepthLevels     = 20
)

// leg is the per-order working state of one invocation.
type leg struct {
	spec       core.OrderSpec
	client     core.IVenueClient
	quantity   decimal.Decimal
	limitPrice decimal.Decimal
	refMid     decimal.Decimal
	result     core.OrderResult
}

func (l *leg) step() decimal.Decimal {
	return l.client.SizeStep(l.spec.Symbol)
}

// filledWithinTolerance reports whether the leg filled its requested
// quantity within one size step.
func (l *leg) filledWithinTolerance() bool {
	return l.quantity.Sub(l.result.FilledQuantity).Abs().LessThanOrEqual(l.step())
}

// Executor coordinates atomic multi-venue order sets.
type Executor struct {
	venues   map[string]core.IVenueClient
	cache    core.IPriceCache
	cacheTTL time.Duration
	logger   core.ILogger
}

// NewExecutor creates an executor over the given venue clients.
func NewExecutor(venues map[string]core.IVenueClient, cache core.IPriceCache, cacheTTL time.Duration, logger core.ILogger) *Executor {
	return &Executor{
		venues:   venues,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger.WithField("component", "executor"),
	}
}

// ExecuteAtomically implements core.IExecutor.
//
// The per-invocation state machine is PREFLIGHT -> PLACING -> WATCHING ->
// (SUCCESS | HEDGING | ROLLBACK | FAILED). A successful rollback is a
// successful call: Success=true, AllFilled=false, RollbackPerformed=true.
// The returned error is non-nil only when rollback could not reach a flat
// state (ErrPartialFillLeftExposed) or the input was invalid.
func (e *Executor) ExecuteAtomically(ctx context.Context, orders []core.OrderSpec, opts core.ExecOptions) (*core.AtomicExecutionResult, error) {
	start := time.Now()

	if len(orders) < 2 {
		return nil, fmt.Errorf("atomic execution needs at least two legs, got %d", len(orders))
	}
	if !opts.RollbackOnPartial {
		return nil, fmt.Errorf("rollback_on_partial=false would leave one-sided exposure; rejected")
	}
	applyDefaults(&opts)

	invocationID := uuid.NewString()
	log := e.logger.WithField("invocation_id", invocationID)

	legs := make([]*leg, len(orders))
	var maxTimeout time.Duration
	for i, spec := range orders {
		client, ok := e.venues[spec.Venue]
		if !ok {
			return nil, fmt.Errorf("no client for venue %q", spec.Venue)
		}
		if spec.Timeout == 0 {
			spec.Timeout = defaultOrderTimeout
		}
		if spec.Timeout > maxTimeout {
			maxTimeout = spec.Timeout
		}
		legs[i] = &leg{spec: spec, client: client}
		legs[i].result = core.OrderResult{Venue: spec.Venue, Symbol: spec.Symbol, Side: spec.Side}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*maxTimeout+opts.RollbackTimeout)
	defer cancel()

	// PREFLIGHT
	if opts.PreFlightCheck {
		if result := e.runPreflight(ctx, log, legs, opts); result != nil {
			result.Elapsed = time.Since(start)
			return result, nil
		}
	}

	if err := e.resolvePricing(ctx, legs, opts); err != nil {
		log.Warn("Pricing resolution failed", "error", err)
		return failedResult(legs, time.Since(start)), nil
	}

	if opts.DryRun {
		for _, l := range legs {
			log.Info("Dry run: order not placed",
				"venue", l.spec.Venue, "symbol", l.spec.Symbol, "side", l.spec.Side,
				"quantity", l.quantity.String(), "limit_price", l.limitPrice.String())
		}
		return &core.AtomicExecutionResult{Success: true, Elapsed: time.Since(start)}, nil
	}

	// PLACING + WATCHING: every leg runs on its own goroutine; no leg waits
	// for another's confirmation before its own submission.
	log.Info("Placing legs", "count", len(legs))
	sig := newFillSignal()
	var g errgroup.Group
	for _, l := range legs {
		l := l
		g.Go(func() error {
			e.runLeg(ctx, log, l, opts, sig)
			return nil
		})
	}
	g.Wait()

	result := e.classify(ctx, log, legs, opts)
	result.Elapsed = time.Since(start)

	telemetry.GetGlobalMetrics().RecordExecution(context.Background(),
		float64(result.Elapsed.Milliseconds()),
		result.TotalSlippageUSD.InexactFloat64(),
		result.RollbackPerformed,
		result.RollbackCostUSD.InexactFloat64())

	if !result.Success {
		return result, fmt.Errorf("invocation %s: %w", invocationID, apperrors.ErrPartialFillLeftExposed)
	}
	return result, nil
}

func applyDefaults(opts *core.ExecOptions) {
	if opts.PollInterval == 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.RollbackTimeout == 0 {
		opts.RollbackTimeout = defaultRollbackTimeout
	}
	if opts.DepthLevels == 0 {
		opts.DepthLevels = defaultDepthLevels
	}
	if opts.ClosePolicy == "" {
		opts.ClosePolicy = core.CloseRestoreFlat
	}
}

// runPreflight checks every leg's feasibility concurrently. Returns a
// FAILED result when any leg is refused, nil when all pass.
func (e *Executor) runPreflight(ctx context.Context, log core.ILogger, legs []*leg, opts core.ExecOptions) *core.AtomicExecutionResult {
	reports := make([]*preflightReport, len(legs))

	g, gctx := errgroup.WithContext(ctx)
	for i, l := range legs {
		i, l := i, l
		g.Go(func() error {
			report, err := e.preflightLeg(gctx, l, opts)
			if err != nil {
				return err
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn("Pre-flight aborted", "error", err)
		for _, l := range legs {
			if l.result.Err == nil {
				l.result.Err = err
			}
		}
		return failedResult(legs, 0)
	}

	refused := false
	for i, l := range legs {
		report := reports[i]
		l.refMid = report.BBO.Mid()
		if !report.DepthSufficient {
			refused = true
			l.result.Err = fmt.Errorf("%s: %w", report.Reason, apperrors.ErrInsufficientLiquidity)
			log.Warn("Pre-flight refused leg",
				"venue", l.spec.Venue, "symbol", l.spec.Symbol, "reason", report.Reason)
		}
	}
	if refused {
		return failedResult(legs, 0)
	}
	return nil
}

// resolvePricing fills each leg's limit price and quantity from the cached
// BBO, fetching fresh depth on a cache miss.
func (e *Executor) resolvePricing(ctx context.Context, legs []*leg, opts core.ExecOptions) error {
	for _, l := range legs {
		bbo, ok := e.cache.GetBBO(l.spec.Venue, l.spec.Symbol, e.cacheTTL)
		if !ok {
			depth, err := l.client.FetchDepth(ctx, l.spec.Symbol, opts.DepthLevels)
			if err != nil {
				l.result.Err = err
				return fmt.Errorf("bbo refresh on %s: %w", l.spec.Venue, err)
			}
			e.cache.CacheDepth(l.spec.Venue, l.spec.Symbol, depth, "pricing_refresh")
			bbo = core.CachedPrice{
				Venue:      l.spec.Venue,
				Symbol:     l.spec.Symbol,
				BestBid:    depth.BestBid().Price,
				BestAsk:    depth.BestAsk().Price,
				ObservedAt: depth.ObservedAt,
			}
		}

		l.refMid = bbo.Mid()
		l.limitPrice = limitPriceFor(bbo, l.spec.Side, l.spec.LimitOffsetBps, l.client.TickSize(l.spec.Symbol))
		if l.limitPrice.LessThanOrEqual(decimal.Zero) {
			l.result.Err = fmt.Errorf("non-positive limit price on %s %s", l.spec.Venue, l.spec.Symbol)
			return l.result.Err
		}

		l.quantity = l.spec.Quantity
		if l.quantity.IsZero() {
			l.quantity = quantityForNotional(l.spec.SizeUSD, l.limitPrice, l.step())
		}
		if !l.quantity.IsPositive() {
			l.result.Err = fmt.Errorf("notional %s below size step on %s %s", l.spec.SizeUSD.String(), l.spec.Venue, l.spec.Symbol)
			return l.result.Err
		}
	}
	return nil
}

// runLeg places one order and follows it to a terminal outcome, recording
// everything in l.result.
func (e *Executor) runLeg(ctx context.Context, log core.ILogger, l *leg, opts core.ExecOptions, sig *fillSignal) {
	res := &l.result

	if l.spec.Mode == core.ModeMarketOnly {
		e.placeMarketLeg(ctx, log, l, opts, sig)
		return
	}

	orderID, err := l.client.PlaceLimit(ctx, l.spec.Symbol, l.spec.Side, l.quantity, l.limitPrice, l.spec.ReduceOnly)
	if err != nil {
		res.Err = fmt.Errorf("limit placement on %s: %w", l.spec.Venue, err)
		log.Warn("Leg placement rejected", "venue", l.spec.Venue, "symbol", l.spec.Symbol, "error", err)
		return
	}
	res.OrderID = orderID
	res.ModeUsed = core.ModeLimitOnly
	log.Info("Limit placed",
		"venue", l.spec.Venue, "symbol", l.spec.Symbol, "side", l.spec.Side,
		"quantity", l.quantity.String(), "price", l.limitPrice.String(), "order_id", orderID)

	// Hedging escalation on a sibling fill applies to opening legs only;
	// close legs escalate at their own timeout via fallback mode.
	reactToSibling := !l.spec.ReduceOnly

	snap, outcome := e.watchOrder(ctx, l, orderID, l.spec.Timeout, opts.PollInterval, sig, reactToSibling)

	switch outcome {
	case watchFilled:
		e.recordFill(log, l, snap.FilledQuantity, snap.AvgFillPrice, res.ModeUsed)

	case watchTerminal:
		res.FilledQuantity = snap.FilledQuantity
		res.AvgFillPrice = snap.AvgFillPrice
		res.Err = fmt.Errorf("order %s on %s terminal as %s: %w", orderID, l.spec.Venue, snap.Status, apperrors.ErrOrderRejected)

	case watchTimeout:
		if l.spec.Mode == core.ModeLimitWithFallback {
			e.escalateToMarket(ctx, log, l, orderID, opts, sig, "limit timeout")
			return
		}
		filled, avg := e.cancelAndReconcile(ctx, l, orderID)
		res.FilledQuantity = filled
		res.AvgFillPrice = avg
		if l.filledWithinTolerance() {
			e.recordFill(log, l, filled, avg, res.ModeUsed)
			sig.Signal()
			return
		}
		res.Err = fmt.Errorf("limit on %s unfilled at timeout", l.spec.Venue)

	case watchSibling:
		e.escalateToMarket(ctx, log, l, orderID, opts, sig, "sibling leg filled")

	case watchAborted:
		// Cancellation must still flatten whatever filled; reconcile on a
		// fresh context since ctx is already dead.
		rctx, rcancel := context.WithTimeout(context.Background(), opts.RollbackTimeout)
		filled, avg := e.cancelAndReconcile(rctx, l, orderID)
		rcancel()
		res.FilledQuantity = filled
		res.AvgFillPrice = avg
		res.Err = fmt.Errorf("invocation aborted: %w", ctx.Err())
	}
}

// placeMarketLeg submits a market order and awaits its fill.
func (e *Executor) placeMarketLeg(ctx context.Context, log core.ILogger, l *leg, opts core.ExecOptions, sig *fillSignal) {
	res := &l.result

	orderID, err := l.client.PlaceMarket(ctx, l.spec.Symbol, l.spec.Side, l.quantity, l.spec.ReduceOnly)
	if err != nil {
		res.Err = fmt.Errorf("market placement on %s: %w", l.spec.Venue, err)
		return
	}
	res.OrderID = orderID

	snap, err := e.awaitMarketFill(ctx, l.client, orderID, opts.PollInterval, l.spec.Timeout)
	if err != nil {
		res.Err = fmt.Errorf("market fill wait on %s: %w", l.spec.Venue, err)
		return
	}

	res.FilledQuantity = snap.FilledQuantity
	res.AvgFillPrice = snap.AvgFillPrice
	if l.filledWithinTolerance() {
		e.recordFill(log, l, snap.FilledQuantity, snap.AvgFillPrice, core.ModeMarketOnly)
		sig.Signal()
		return
	}
	res.Err = fmt.Errorf("market order %s on %s ended %s with partial fill", orderID, l.spec.Venue, snap.Status)
}

// escalateToMarket cancels a resting limit and completes the remainder as
// a market order, reconciling any quantity that filled in flight.
func (e *Executor) escalateToMarket(ctx context.Context, log core.ILogger, l *leg, orderID string, opts core.ExecOptions, sig *fillSignal, reason string) {
	res := &l.result

	filled, avg := e.cancelAndReconcile(ctx, l, orderID)
	res.FilledQuantity = filled
	res.AvgFillPrice = avg

	if l.filledWithinTolerance() {
		e.recordFill(log, l, filled, avg, core.ModeLimitOnly)
		sig.Signal()
		return
	}

	remaining := roundDownToStep(l.quantity.Sub(filled), l.step())
	if !remaining.IsPositive() {
		res.Err = fmt.Errorf("remainder below size step after cancel on %s", l.spec.Venue)
		return
	}

	log.Info("Escalating leg to market",
		"venue", l.spec.Venue, "symbol", l.spec.Symbol, "reason", reason,
		"filled_in_flight", filled.String(), "remaining", remaining.String())

	marketID, err := l.client.PlaceMarket(ctx, l.spec.Symbol, l.spec.Side, remaining, l.spec.ReduceOnly)
	if err != nil {
		res.Err = fmt.Errorf("market escalation on %s: %w", l.spec.Venue, err)
		return
	}

	snap, err := e.awaitMarketFill(ctx, l.client, marketID, opts.PollInterval, opts.RollbackTimeout)
	if err != nil {
		res.Err = fmt.Errorf("market escalation fill wait on %s: %w", l.spec.Venue, err)
		return
	}

	total := filled.Add(snap.FilledQuantity)
	res.FilledQuantity = total
	res.AvgFillPrice = weightedAvg(filled, avg, snap.FilledQuantity, snap.AvgFillPrice)
	res.OrderID = marketID

	if l.filledWithinTolerance() {
		e.recordFill(log, l, total, res.AvgFillPrice, core.ModeLimitWithFallback)
		sig.Signal()
		return
	}
	res.Err = fmt.Errorf("market escalation on %s left %s unfilled", l.spec.Venue, l.quantity.Sub(total).String())
}

func (e *Executor) recordFill(log core.ILogger, l *leg, quantity, avgPrice decimal.Decimal, mode core.ExecutionMode) {
	res := &l.result
	res.Success = true
	res.FilledQuantity = quantity
	res.AvgFillPrice = avgPrice
	res.ModeUsed = mode
	res.SlippageUSD = slippageUSD(l.spec.Side, avgPrice, l.refMid, quantity)
	log.Info("Leg filled",
		"venue", l.spec.Venue, "symbol", l.spec.Symbol, "side", l.spec.Side,
		"quantity", quantity.String(), "avg_price", avgPrice.String(),
		"slippage_usd", res.SlippageUSD.String(), "mode", mode)
}

// classify turns the per-leg outcomes into the invocation result, running
// ROLLBACK or close-path completion when atomicity failed.
func (e *Executor) classify(ctx context.Context, log core.ILogger, legs []*leg, opts core.ExecOptions) *core.AtomicExecutionResult {
	allFilled := true
	anyFilled := false
	for _, l := range legs {
		if !l.result.Success || !l.filledWithinTolerance() {
			allFilled = false
		}
		if l.result.FilledQuantity.IsPositive() {
			anyFilled = true
		}
	}

	if allFilled {
		result := &core.AtomicExecutionResult{Success: true, AllFilled: true}
		for _, l := range legs {
			result.FilledOrders = append(result.FilledOrders, l.result)
			result.TotalSlippageUSD = result.TotalSlippageUSD.Add(l.result.SlippageUSD)
		}
		return result
	}

	if !anyFilled {
		// Nothing to unwind: no net new exposure from this call.
		log.Warn("No leg filled; nothing to roll back")
		return failedButFlatResult(legs)
	}

	if opts.ClosePolicy == core.CloseCompleteExit {
		return e.completeExit(log, legs, opts)
	}
	return e.rollback(log, legs, opts)
}

// rollback flattens every leg that filled by submitting an opposing
// reduce-only market order sized to the exact filled quantity. Runs on a
// fresh context so that caller cancellation cannot abandon the unwind.
func (e *Executor) rollback(log core.ILogger, legs []*leg, opts core.ExecOptions) *core.AtomicExecutionResult {
	log.Warn("Entering rollback", "legs", len(legs))

	rctx, cancel := context.WithTimeout(context.Background(), opts.RollbackTimeout)
	defer cancel()

	result := failedButFlatResult(legs)
	result.RollbackPerformed = true

	costs := make([]decimal.Decimal, len(legs))
	var g errgroup.Group
	for i, l := range legs {
		if !l.result.FilledQuantity.IsPositive() {
			continue
		}
		i, l := i, l
		g.Go(func() error {
			cost, err := e.compensateLeg(rctx, log, l, opts)
			costs[i] = cost
			return err
		})
	}

	if err := g.Wait(); err != nil {
		log.Error("CRITICAL: rollback could not reach flat state", "error", err)
		result.Success = false
		return result
	}

	for _, c := range costs {
		result.RollbackCostUSD = result.RollbackCostUSD.Add(c)
	}
	log.Info("Rollback complete", "rollback_cost_usd", result.RollbackCostUSD.String())
	return result
}

// compensateLeg flattens one filled leg, retrying transient venue errors.
func (e *Executor) compensateLeg(ctx context.Context, log core.ILogger, l *leg, opts core.ExecOptions) (decimal.Decimal, error) {
	quantity := roundDownToStep(l.result.FilledQuantity, l.step())
	if !quantity.IsPositive() {
		// Residual below one size step cannot be expressed as an order.
		return decimal.Zero, nil
	}

	side := l.spec.Side.Opposite()
	log.Warn("Compensating filled leg",
		"venue", l.spec.Venue, "symbol", l.spec.Symbol,
		"side", side, "quantity", quantity.String())

	var snap *core.OrderSnapshot
	err := retry.Do(ctx, retry.DefaultPolicy, apperrors.IsTransient, func() error {
		orderID, err := l.client.PlaceMarket(ctx, l.spec.Symbol, side, quantity, true)
		if err != nil {
			return err
		}
		snap, err = e.awaitMarketFill(ctx, l.client, orderID, opts.PollInterval, opts.RollbackTimeout)
		if err != nil {
			return err
		}
		if snap.FilledQuantity.LessThan(quantity.Sub(l.step())) {
			return fmt.Errorf("compensator on %s filled %s of %s: %w",
				l.spec.Venue, snap.FilledQuantity.String(), quantity.String(), apperrors.ErrPartialFillLeftExposed)
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("compensating %s %s: %w", l.spec.Venue, l.spec.Symbol, err)
	}

	return slippageUSD(side, snap.AvgFillPrice, l.refMid, snap.FilledQuantity), nil
}

// completeExit is the close-path bias: a half-closed position is pushed
// the rest of the way out rather than re-opened.
func (e *Executor) completeExit(log core.ILogger, legs []*leg, opts core.ExecOptions) *core.AtomicExecutionResult {
	log.Warn("Close path partially filled; completing the exit")

	rctx, cancel := context.WithTimeout(context.Background(), opts.RollbackTimeout)
	defer cancel()

	result := &core.AtomicExecutionResult{Success: true, AllFilled: true}

	for _, l := range legs {
		if l.result.Success && l.filledWithinTolerance() {
			continue
		}

		remaining := roundDownToStep(l.quantity.Sub(l.result.FilledQuantity), l.step())
		if !remaining.IsPositive() {
			l.result.Success = true
			l.result.Err = nil
			continue
		}

		var snap *core.OrderSnapshot
		err := retry.Do(rctx, retry.DefaultPolicy, apperrors.IsTransient, func() error {
			orderID, err := l.client.PlaceMarket(rctx, l.spec.Symbol, l.spec.Side, remaining, true)
			if err != nil {
				return err
			}
			snap, err = e.awaitMarketFill(rctx, l.client, orderID, opts.PollInterval, opts.RollbackTimeout)
			return err
		})
		if err != nil {
			log.Error("CRITICAL: close completion failed; position half-closed",
				"venue", l.spec.Venue, "symbol", l.spec.Symbol, "error", err)
			l.result.Err = fmt.Errorf("close completion on %s: %w", l.spec.Venue, err)
			result.Success = false
			result.AllFilled = false
			break
		}

		total := l.result.FilledQuantity.Add(snap.FilledQuantity)
		l.result.AvgFillPrice = weightedAvg(l.result.FilledQuantity, l.result.AvgFillPrice, snap.FilledQuantity, snap.AvgFillPrice)
		l.result.FilledQuantity = total
		l.result.ModeUsed = core.ModeLimitWithFallback
		l.result.Success = true
		l.result.Err = nil
		l.result.SlippageUSD = slippageUSD(l.spec.Side, l.result.AvgFillPrice, l.refMid, total)
	}

	for _, l := range legs {
		if l.result.Success {
			result.FilledOrders = append(result.FilledOrders, l.result)
			result.TotalSlippageUSD = result.TotalSlippageUSD.Add(l.result.SlippageUSD)
		} else {
			result.FailedOrders = append(result.FailedOrders, l.result)
		}
	}
	return result
}

// failedResult builds a FAILED result with no orders placed.
func failedResult(legs []*leg, elapsed time.Duration) *core.AtomicExecutionResult {
	result := &core.AtomicExecutionResult{Elapsed: elapsed}
	for _, l := range legs {
		result.FailedOrders = append(result.FailedOrders, l.result)
	}
	return result
}

// failedButFlatResult reports an unsuccessful open that left no exposure.
// Legs that filled before being compensated stay in FilledOrders.
func failedButFlatResult(legs []*leg) *core.AtomicExecutionResult {
	result := &core.AtomicExecutionResult{Success: true}
	for _, l := range legs {
		if l.result.Success {
			result.FilledOrders = append(result.FilledOrders, l.result)
		} else {
			result.FailedOrders = append(result.FailedOrders, l.result)
		}
		result.TotalSlippageUSD = result.TotalSlippageUSD.Add(l.result.SlippageUSD)
	}
	return result
}

func weightedAvg(q1, p1, q2, p2 decimal.Decimal) decimal.Decimal {
	total := q1.Add(q2)
	if total.IsZero() {
		return decimal.Zero
	}
	return q1.Mul(p1).Add(q2.Mul(p2)).Div(total)
}
