// Package strategy implements the funding-arbitrage control loop: a
// three-phase cycle (monitor, exit, scan) over the opportunity finder,
// the atomic executor, and the position manager.
package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"funding_arb/internal/core"
	"funding_arb/pkg/concurrency"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Params are the strategy's tunables.
type Params struct {
	Filter                Filter
	TargetExposurePerSide decimal.Decimal
	MaxTotalExposure      decimal.Decimal
	MaxPositions          int
	MaxNewPerCycle        int
	LimitOffsets          map[string]decimal.Decimal // per venue, bps
	CycleInterval         time.Duration
	OrderTimeout          time.Duration
	PollInterval          time.Duration
	RollbackTimeout       time.Duration
	SlippageThreshold     decimal.Decimal
	DepthLevels           int
	DryRun                bool
	RetryCloseCompletion  bool
}

// Deps are the strategy's collaborators.
type Deps struct {
	Venues   map[string]core.IVenueClient
	Rates    core.IRateSource
	Finder   *Finder
	Fees     *FeeCalculator
	Manager  core.IPositionManager
	Executor core.IExecutor
	Rule     core.IRebalanceRule
	Breaker  core.IOpenBreaker
	Alerter  core.IAlerter
	Pool     *concurrency.WorkerPool
	Logger   core.ILogger
}

// Strategy is the long-running funding-arbitrage loop.
type Strategy struct {
	params Params
	deps   Deps
	logger core.ILogger
}

// New creates a strategy.
func New(params Params, deps Deps) *Strategy {
	return &Strategy{
		params: params,
		deps:   deps,
		logger: deps.Logger.WithField("component", "strategy"),
	}
}

// Run executes cycles until ctx is canceled. Shutdown is cooperative: the
// in-flight cycle finishes (its executor invocations flatten themselves)
// before Run returns.
func (s *Strategy) Run(ctx context.Context) error {
	s.logger.Info("Strategy started",
		"cycle_interval", s.params.CycleInterval,
		"target_per_side_usd", s.params.TargetExposurePerSide.String(),
		"dry_run", s.params.DryRun)

	ticker := time.NewTicker(s.params.CycleInterval)
	defer ticker.Stop()

	s.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Strategy stopped")
			return ctx.Err()
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle runs one monitor -> exit -> scan pass.
func (s *Strategy) RunCycle(ctx context.Context) {
	start := time.Now()
	open := s.deps.Manager.ListOpen()
	s.logger.Info("Cycle start", "open_positions", len(open))

	s.monitorPhase(ctx, open)
	s.exitPhase(ctx)
	s.scanPhase(ctx)

	s.logger.Info("Cycle end",
		"open_positions", len(s.deps.Manager.ListOpen()),
		"elapsed", time.Since(start).Round(time.Millisecond))
}

// monitorPhase refreshes divergence and ingests funding for every open
// position, fanned out on the worker pool.
func (s *Strategy) monitorPhase(ctx context.Context, open []*core.Position) {
	if len(open) == 0 {
		return
	}

	group := s.deps.Pool.Group()
	for _, p := range open {
		p := p
		group.Submit(func() {
			s.monitorPosition(ctx, p)
		})
	}
	group.Wait()
}

func (s *Strategy) monitorPosition(ctx context.Context, p *core.Position) {
	venues := []string{p.LongLeg.Venue, p.ShortLeg.Venue}
	samples, err := s.deps.Rates.RatesFor(ctx, venues, p.Symbol)
	if err != nil {
		s.logger.Warn("Rate refresh failed", "position_id", p.ID, "error", err)
		return
	}

	byVenue := make(map[string]core.FundingRateSample, len(samples))
	for _, sm := range samples {
		byVenue[sm.Venue] = sm
	}
	longSample, okLong := byVenue[p.LongLeg.Venue]
	shortSample, okShort := byVenue[p.ShortLeg.Venue]
	if !okLong || !okShort {
		s.logger.Warn("Missing rate sample for open position",
			"position_id", p.ID, "symbol", p.Symbol)
		return
	}

	divergence := shortSample.NormalizedRate.Sub(longSample.NormalizedRate)
	since := p.LastCheckAt
	now := time.Now().UTC()
	if err := s.deps.Manager.UpdateState(ctx, p.ID, divergence, now); err != nil {
		s.logger.Error("Position state update failed", "position_id", p.ID, "error", err)
		return
	}

	s.ingestFunding(ctx, p, since)
}

func (s *Strategy) ingestFunding(ctx context.Context, p *core.Position, since time.Time) {
	for _, venue := range []string{p.LongLeg.Venue, p.ShortLeg.Venue} {
		client, ok := s.deps.Venues[venue]
		if !ok {
			continue
		}
		events, err := client.ListFundingEvents(ctx, p.Symbol, since)
		if err != nil {
			s.logger.Warn("Funding event fetch failed",
				"position_id", p.ID, "venue", venue, "error", err)
			continue
		}
		for _, ev := range events {
			if err := s.deps.Manager.RecordFunding(ctx, p.ID, venue, ev.Rate, ev.AmountUSD, ev.PaidAt); err != nil {
				s.logger.Error("Funding payment persist failed",
					"position_id", p.ID, "venue", venue, "error", err)
			}
		}
	}
}

// exitPhase evaluates the rebalance rule on every open position and
// drives triggered exits through the executor. Positions stuck in
// pending_close from an earlier cycle or crash are retried here too.
func (s *Strategy) exitPhase(ctx context.Context) {
	now := time.Now().UTC()
	attempted := make(map[string]bool)

	for _, p := range s.deps.Manager.ListOpen() {
		sig := s.deps.Rule.Evaluate(p, now)
		if !sig.ShouldExit {
			continue
		}

		s.logger.Info("Exit triggered",
			"position_id", p.ID, "symbol", p.Symbol,
			"urgency", sig.Urgency.String(), "reason", sig.Reason,
			"entry_divergence", p.EntryDivergence.String(),
			"current_divergence", p.CurrentDivergence.String())

		if s.params.DryRun {
			s.logger.Info("Dry run: exit not executed", "position_id", p.ID)
			continue
		}

		reason := reasonCode(sig.Reason)
		if err := s.deps.Manager.MarkPendingClose(ctx, p.ID, reason); err != nil {
			s.logger.Error("Pending-close transition failed", "position_id", p.ID, "error", err)
			continue
		}
		attempted[p.ID] = true
		s.closePosition(ctx, p.ID, reason)
	}

	for _, p := range s.deps.Manager.ListPendingClose() {
		if attempted[p.ID] {
			continue
		}
		s.logger.Warn("Retrying pending close", "position_id", p.ID, "reason", p.ExitReason)
		s.closePosition(ctx, p.ID, p.ExitReason)
	}
}

// closePosition exits a pair with two reduce-only orders sized to the
// live venue quantities. The close is biased toward completing the exit.
func (s *Strategy) closePosition(ctx context.Context, id, reason string) {
	p, ok := s.deps.Manager.Get(id)
	if !ok {
		return
	}

	longClient := s.deps.Venues[p.LongLeg.Venue]
	shortClient := s.deps.Venues[p.ShortLeg.Venue]
	if longClient == nil || shortClient == nil {
		s.logger.Error("Venue client missing for close", "position_id", id)
		return
	}

	longPos, err := longClient.GetPosition(ctx, p.Symbol)
	if err != nil {
		s.logger.Error("Live position fetch failed", "position_id", id, "venue", p.LongLeg.Venue, "error", err)
		return
	}
	shortPos, err := shortClient.GetPosition(ctx, p.Symbol)
	if err != nil {
		s.logger.Error("Live position fetch failed", "position_id", id, "venue", p.ShortLeg.Venue, "error", err)
		return
	}

	longQty := longPos.Quantity
	shortQty := shortPos.Quantity.Abs()
	if !longQty.IsPositive() && !shortQty.IsPositive() {
		// Both venues already flat; nothing left to trade.
		realized := p.CumulativeFundingUSD.Sub(p.TotalFeesPaidUSD)
		if err := s.deps.Manager.MarkClosed(ctx, id, realized, reason); err != nil {
			s.logger.Error("Close finalize failed", "position_id", id, "error", err)
		}
		return
	}

	var orders []core.OrderSpec
	if longQty.IsPositive() {
		orders = append(orders, core.OrderSpec{
			Venue: p.LongLeg.Venue, Symbol: p.Symbol, Side: core.SideSell,
			Quantity: longQty, Mode: core.ModeLimitWithFallback,
			LimitOffsetBps: s.offsetFor(p.LongLeg.Venue),
			ReduceOnly:     true, Timeout: s.params.OrderTimeout,
		})
	}
	if shortQty.IsPositive() {
		orders = append(orders, core.OrderSpec{
			Venue: p.ShortLeg.Venue, Symbol: p.Symbol, Side: core.SideBuy,
			Quantity: shortQty, Mode: core.ModeLimitWithFallback,
			LimitOffsetBps: s.offsetFor(p.ShortLeg.Venue),
			ReduceOnly:     true, Timeout: s.params.OrderTimeout,
		})
	}

	// A half-completed close from an earlier attempt leaves one leg. The
	// executor needs a pair, so the remainder is flattened directly.
	if len(orders) == 1 {
		s.closeRemainingLeg(ctx, p, orders[0], reason)
		return
	}

	opts := core.ExecOptions{
		RollbackOnPartial: true,
		PreFlightCheck:    true,
		ClosePolicy:       core.CloseCompleteExit,
		SlippageThreshold: s.params.SlippageThreshold,
		DepthLevels:       s.params.DepthLevels,
		PollInterval:      s.params.PollInterval,
		RollbackTimeout:   s.params.RollbackTimeout,
	}

	result, err := s.deps.Executor.ExecuteAtomically(ctx, orders, opts)
	if err == nil && s.params.RetryCloseCompletion && (result == nil || !result.Success) {
		result, err = s.deps.Executor.ExecuteAtomically(ctx, orders, opts)
	}
	if err != nil || result == nil || !result.Success || !result.AllFilled {
		s.handleCloseFailure(ctx, id, err)
		return
	}

	realized := s.realizedPnL(p, result)
	if err := s.deps.Manager.MarkClosed(ctx, id, realized, reason); err != nil {
		s.logger.Error("Close finalize failed", "position_id", id, "error", err)
		return
	}
}

// closeRemainingLeg markets out the single unfinished leg of a close and
// finalizes the position.
func (s *Strategy) closeRemainingLeg(ctx context.Context, p *core.Position, spec core.OrderSpec, reason string) {
	client := s.deps.Venues[spec.Venue]

	orderID, err := client.PlaceMarket(ctx, spec.Symbol, spec.Side, spec.Quantity, true)
	if err != nil {
		s.handleCloseFailure(ctx, p.ID, fmt.Errorf("flatten remaining leg on %s: %w", spec.Venue, err))
		return
	}

	deadline := time.Now().Add(s.params.OrderTimeout)
	var snap *core.OrderSnapshot
	for {
		got, err := client.GetOrder(ctx, orderID)
		if err == nil && got.Status.IsTerminal() {
			snap = got
			break
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			s.handleCloseFailure(ctx, p.ID, fmt.Errorf("remaining-leg fill wait on %s timed out", spec.Venue))
			return
		}
		time.Sleep(s.params.PollInterval)
	}

	// Canceled and rejected are terminal too; the leg is only flat once the
	// order filled the full remainder.
	unfilled := spec.Quantity.Sub(snap.FilledQuantity)
	if snap.Status != core.OrderFilled || unfilled.GreaterThan(client.SizeStep(spec.Symbol)) {
		s.handleCloseFailure(ctx, p.ID, fmt.Errorf("flatten order on %s ended %s with %s of %s filled",
			spec.Venue, snap.Status, snap.FilledQuantity, spec.Quantity))
		return
	}

	realized := p.CumulativeFundingUSD.Sub(p.TotalFeesPaidUSD)
	if err := s.deps.Manager.MarkClosed(ctx, p.ID, realized, reason); err != nil {
		s.logger.Error("Close finalize failed", "position_id", p.ID, "error", err)
	}
}

func (s *Strategy) handleCloseFailure(ctx context.Context, id string, err error) {
	s.logger.Error("Close execution failed; position stays pending_close",
		"position_id", id, "error", err)
	s.deps.Alerter.Alert(ctx, "Close failed",
		fmt.Sprintf("position %s could not be closed; manual review required", id),
		core.AlertCritical, map[string]string{"position_id": id})

	if apperrors.IsCritical(err) {
		s.deps.Breaker.RecordCritical("close left exposure on " + id)
		if ferr := s.deps.Manager.Flag(ctx, id, "close left one-sided exposure"); ferr != nil {
			s.logger.Error("Flagging failed", "position_id", id, "error", ferr)
		}
	}
}

// realizedPnL computes funding collected plus price PnL minus all fees
// and slippage.
func (s *Strategy) realizedPnL(p *core.Position, result *core.AtomicExecutionResult) decimal.Decimal {
	exitByVenue := make(map[string]core.OrderResult, len(result.FilledOrders))
	for _, o := range result.FilledOrders {
		exitByVenue[o.Venue] = o
	}

	pricePnL := decimal.Zero
	closeFees := decimal.Zero
	if o, ok := exitByVenue[p.LongLeg.Venue]; ok {
		pricePnL = pricePnL.Add(o.AvgFillPrice.Sub(p.LongLeg.EntryPrice).Mul(o.FilledQuantity))
		closeFees = closeFees.Add(s.deps.Fees.OrderFeeUSD(o.Venue, o.ModeUsed, o.AvgFillPrice.Mul(o.FilledQuantity)))
	}
	if o, ok := exitByVenue[p.ShortLeg.Venue]; ok {
		pricePnL = pricePnL.Add(p.ShortLeg.EntryPrice.Sub(o.AvgFillPrice).Mul(o.FilledQuantity))
		closeFees = closeFees.Add(s.deps.Fees.OrderFeeUSD(o.Venue, o.ModeUsed, o.AvgFillPrice.Mul(o.FilledQuantity)))
	}

	return p.CumulativeFundingUSD.
		Add(pricePnL).
		Sub(p.TotalFeesPaidUSD).
		Sub(closeFees).
		Sub(result.TotalSlippageUSD)
}

// scanPhase queries the finder and opens new pairs up to the per-cycle
// and exposure caps.
func (s *Strategy) scanPhase(ctx context.Context) {
	if !s.deps.Breaker.AllowOpen() {
		s.logger.Warn("New opens halted; skipping scan")
		return
	}

	opportunities, err := s.deps.Finder.Scan(ctx, s.params.Filter)
	if err != nil {
		s.logger.Error("Opportunity scan failed", "error", err)
		return
	}
	telemetry.GetGlobalMetrics().RecordScanned(ctx, int64(len(opportunities)))

	opened := 0
	for _, opp := range opportunities {
		if opened >= s.params.MaxNewPerCycle {
			break
		}
		if len(s.deps.Manager.ListOpen()) >= s.params.MaxPositions {
			s.logger.Info("Position cap reached", "max_positions", s.params.MaxPositions)
			break
		}
		if s.deps.Manager.HasOpen(opp.Symbol, opp.LongVenue, opp.ShortVenue) {
			s.logger.Debug("Opportunity rejected: pair already open",
				"symbol", opp.Symbol, "long_venue", opp.LongVenue, "short_venue", opp.ShortVenue)
			continue
		}

		addedExposure := s.params.TargetExposurePerSide.Mul(decimal.NewFromInt(2))
		if s.deps.Manager.TotalExposureUSD().Add(addedExposure).GreaterThan(s.params.MaxTotalExposure) {
			s.logger.Info("Opportunity rejected: exposure cap",
				"symbol", opp.Symbol,
				"live_exposure_usd", s.deps.Manager.TotalExposureUSD().String(),
				"max_total_exposure_usd", s.params.MaxTotalExposure.String())
			continue
		}

		if s.openPosition(ctx, opp) {
			opened++
		}
	}
}

// openPosition invokes the executor for one opportunity. Returns true
// when the attempt consumed the per-cycle budget (opened or dry run).
func (s *Strategy) openPosition(ctx context.Context, opp core.Opportunity) bool {
	s.logger.Info("Opportunity accepted",
		"symbol", opp.Symbol, "long_venue", opp.LongVenue, "short_venue", opp.ShortVenue,
		"divergence", opp.Divergence.String(), "net_profit_rate", opp.NetProfitRate.String())
	telemetry.GetGlobalMetrics().RecordTaken(ctx, opp.Symbol)

	// Both legs use the fixed per-side target notional. Leverage floors were
	// already enforced against min(max_leverage) when the candidate passed
	// the finder; margin sufficiency is checked by the venue at placement
	// and surfaces as a rejection that rolls the pair back.
	orders := []core.OrderSpec{
		{
			Venue: opp.LongVenue, Symbol: opp.Symbol, Side: core.SideBuy,
			SizeUSD: s.params.TargetExposurePerSide, Mode: core.ModeLimitWithFallback,
			LimitOffsetBps: s.offsetFor(opp.LongVenue), Timeout: s.params.OrderTimeout,
		},
		{
			Venue: opp.ShortVenue, Symbol: opp.Symbol, Side: core.SideSell,
			SizeUSD: s.params.TargetExposurePerSide, Mode: core.ModeLimitWithFallback,
			LimitOffsetBps: s.offsetFor(opp.ShortVenue), Timeout: s.params.OrderTimeout,
		},
	}

	opts := core.ExecOptions{
		RollbackOnPartial: true,
		PreFlightCheck:    true,
		SlippageThreshold: s.params.SlippageThreshold,
		DepthLevels:       s.params.DepthLevels,
		PollInterval:      s.params.PollInterval,
		RollbackTimeout:   s.params.RollbackTimeout,
		DryRun:            s.params.DryRun,
	}

	result, err := s.deps.Executor.ExecuteAtomically(ctx, orders, opts)
	if err != nil {
		s.logger.Error("Open execution failed", "symbol", opp.Symbol, "error", err)
		if apperrors.IsCritical(err) {
			s.deps.Breaker.RecordCritical("open rollback failed on " + opp.Symbol)
			s.deps.Alerter.Alert(ctx, "Open left exposure",
				fmt.Sprintf("open on %s could not be rolled back cleanly", opp.Symbol),
				core.AlertCritical, map[string]string{"symbol": opp.Symbol})
		}
		return false
	}
	if !result.Success {
		s.logger.Info("Opportunity skipped by pre-flight", "symbol", opp.Symbol)
		return false
	}
	if s.params.DryRun {
		return true
	}
	if !result.AllFilled {
		if result.RollbackPerformed {
			s.logger.Warn("Open rolled back",
				"symbol", opp.Symbol, "rollback_cost_usd", result.RollbackCostUSD.String())
		}
		return false
	}

	p := s.buildPosition(opp, result)
	if err := s.deps.Manager.Create(ctx, p); err != nil {
		s.logger.Error("Position persist failed after fill", "symbol", opp.Symbol, "error", err)
		s.deps.Alerter.Alert(ctx, "Unrecorded position",
			fmt.Sprintf("filled pair on %s could not be persisted", opp.Symbol),
			core.AlertCritical, map[string]string{"symbol": opp.Symbol, "position_id": p.ID})
		return false
	}

	telemetry.GetGlobalMetrics().RecordOpened(ctx, opp.Symbol)
	return true
}

func (s *Strategy) buildPosition(opp core.Opportunity, result *core.AtomicExecutionResult) *core.Position {
	byVenue := make(map[string]core.OrderResult, len(result.FilledOrders))
	for _, o := range result.FilledOrders {
		byVenue[o.Venue] = o
	}

	now := time.Now().UTC()
	p := &core.Position{
		ID:                   uuid.NewString(),
		Strategy:             core.StrategyFundingArbitrage,
		Symbol:               opp.Symbol,
		SizeUSD:              s.params.TargetExposurePerSide,
		EntryDivergence:      opp.Divergence,
		CurrentDivergence:    opp.Divergence,
		OpenedAt:             now,
		LastCheckAt:          now,
		Status:               core.StatusOpen,
		CumulativeFundingUSD: decimal.Zero,
		RealizedPnLUSD:       decimal.Zero,
	}

	p.LongLeg = s.buildLeg(byVenue[opp.LongVenue], core.SideLong, opp.LongRate, opp.MaxLeverage)
	p.ShortLeg = s.buildLeg(byVenue[opp.ShortVenue], core.SideShort, opp.ShortRate, opp.MaxLeverage)
	p.TotalFeesPaidUSD = p.LongLeg.FeesPaid.Add(p.ShortLeg.FeesPaid)
	return p
}

func (s *Strategy) buildLeg(o core.OrderResult, side core.Side, entryRate, leverage decimal.Decimal) core.PositionLeg {
	notional := o.AvgFillPrice.Mul(o.FilledQuantity)
	return core.PositionLeg{
		Venue:        o.Venue,
		Side:         side,
		SizeUSD:      notional,
		Quantity:     o.FilledQuantity,
		EntryPrice:   o.AvgFillPrice,
		EntryRate:    entryRate,
		FeesPaid:     s.deps.Fees.OrderFeeUSD(o.Venue, o.ModeUsed, notional),
		SlippagePaid: o.SlippageUSD,
		ExposureUSD:  notional,
		Leverage:     leverage,
	}
}

func (s *Strategy) offsetFor(venue string) decimal.Decimal {
	if off, ok := s.params.LimitOffsets[venue]; ok {
		return off
	}
	return decimal.NewFromInt(1)
}

// reasonCode strips the detail suffix from a rule's reason string,
// leaving the stable code recorded on the position.
func reasonCode(reason string) string {
	if i := strings.Index(reason, ":"); i > 0 {
		return reason[:i]
	}
	return reason
}
