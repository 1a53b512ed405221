package risk

import (
	"context"
	"fmt"
	"time"

	"funding_arb/internal/core"
)

// Reconciler compares the recorded book against venue-reported positions
// and flags anything that no longer matches. It runs once at startup,
// before the strategy loop, and optionally on a timer afterwards.
type Reconciler struct {
	manager core.IPositionManager
	venues  map[string]core.IVenueClient
	alerter core.IAlerter
	logger  core.ILogger
}

// NewReconciler creates a reconciler.
func NewReconciler(manager core.IPositionManager, venues map[string]core.IVenueClient, alerter core.IAlerter, logger core.ILogger) *Reconciler {
	return &Reconciler{
		manager: manager,
		venues:  venues,
		alerter: alerter,
		logger:  logger.WithField("component", "reconciler"),
	}
}

// Run re-checks on a timer until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckOnce(ctx)
		}
	}
}

// CheckOnce verifies every live position once. Returns the number of
// positions flagged.
func (r *Reconciler) CheckOnce(ctx context.Context) int {
	live := append(r.manager.ListOpen(), r.manager.ListPendingClose()...)
	flagged := 0
	for _, p := range live {
		if reason, ok := r.verify(ctx, p); !ok {
			flagged++
			r.logger.Error("Position does not match venue state",
				"position_id", p.ID, "symbol", p.Symbol, "mismatch", reason)
			r.alerter.Alert(ctx, "Reconciliation mismatch",
				fmt.Sprintf("position %s on %s: %s", p.ID, p.Symbol, reason),
				core.AlertCritical, map[string]string{"position_id": p.ID, "symbol": p.Symbol})
			if err := r.manager.Flag(ctx, p.ID, reason); err != nil {
				r.logger.Error("Flagging failed", "position_id", p.ID, "error", err)
			}
		}
	}

	r.logger.Info("Reconciliation pass complete", "checked", len(live), "flagged", flagged)
	return flagged
}

// verify checks both legs of one position. pending_close positions are
// allowed to be partially or fully flat; the strategy finishes those.
func (r *Reconciler) verify(ctx context.Context, p *core.Position) (string, bool) {
	if p.Status == core.StatusPendingClose {
		return "", true
	}

	if reason, ok := r.verifyLeg(ctx, p.Symbol, p.LongLeg); !ok {
		return reason, false
	}
	if reason, ok := r.verifyLeg(ctx, p.Symbol, p.ShortLeg); !ok {
		return reason, false
	}
	return "", true
}

func (r *Reconciler) verifyLeg(ctx context.Context, symbol string, leg core.PositionLeg) (string, bool) {
	client, ok := r.venues[leg.Venue]
	if !ok {
		return fmt.Sprintf("no client for venue %s", leg.Venue), false
	}

	vp, err := client.GetPosition(ctx, symbol)
	if err != nil {
		// A read failure is not evidence of a mismatch. Leave the
		// position alone and let the next pass retry.
		r.logger.Warn("Venue position read failed during reconciliation",
			"venue", leg.Venue, "symbol", symbol, "error", err)
		return "", true
	}

	want := leg.Quantity
	if leg.Side == core.SideShort {
		want = want.Neg()
	}

	tolerance := client.SizeStep(symbol)
	if vp.Quantity.Sub(want).Abs().GreaterThan(tolerance) {
		return fmt.Sprintf("venue %s reports %s, recorded %s",
			leg.Venue, vp.Quantity.String(), want.String()), false
	}
	return "", true
}
