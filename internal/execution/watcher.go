package execution

import (
	"context"
	"sync"
	"time"

	"funding_arb/internal/core"

	"github.com/shopspring/decimal"
)

// fillSignal is the per-invocation leg-filled broadcast: closed once when
// the first leg reaches a terminal fill, observed by every sibling watcher.
type fillSignal struct {
	once sync.Once
	ch   chan struct{}
}

func newFillSignal() *fillSignal {
	return &fillSignal{ch: make(chan struct{})}
}

func (s *fillSignal) Signal() {
	s.once.Do(func() { close(s.ch) })
}

func (s *fillSignal) Done() <-chan struct{} {
	return s.ch
}

// watchOutcome is how a watch loop ended.
type watchOutcome int

const (
	watchFilled   watchOutcome = iota // order reached terminal filled
	watchTerminal                     // canceled or rejected by the venue
	watchTimeout                      // per-leg timeout elapsed while resting
	watchSibling                      // a sibling leg filled first
	watchAborted                      // invocation context canceled
)

// watchOrder follows one resting order until it fills, dies, times out, or
// a sibling fill arrives. Polls on a timer and concurrently drains the
// venue's event stream when one exists, so a sibling fill is observed even
// mid-wait between polls. Returns the last known snapshot; the caller
// reconciles the final quantity after any cancel.
func (e *Executor) watchOrder(ctx context.Context, l *leg, orderID string, timeout time.Duration, pollInterval time.Duration, sig *fillSignal, reactToSibling bool) (*core.OrderSnapshot, watchOutcome) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	pollTimer := time.NewTimer(0)
	defer pollTimer.Stop()
	events := l.client.OrderEvents()

	last := &core.OrderSnapshot{OrderID: orderID, Status: core.OrderOpen}

	siblingCh := sig.Done()
	if !reactToSibling {
		siblingCh = nil
	}

	for {
		select {
		case <-ctx.Done():
			return last, watchAborted

		case <-deadline.C:
			return last, watchTimeout

		case <-siblingCh:
			// Our own fill also closes the broadcast; re-check before
			// treating this as a sibling event.
			if snap, err := l.client.GetOrder(ctx, orderID); err == nil {
				last = snap
				if snap.Status == core.OrderFilled {
					sig.Signal()
					return last, watchFilled
				}
			}
			return last, watchSibling

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.OrderID != orderID || !ev.Status.IsTerminal() {
				continue
			}
			last = &core.OrderSnapshot{
				OrderID:        orderID,
				Status:         ev.Status,
				FilledQuantity: ev.FilledQuantity,
				AvgFillPrice:   ev.AvgFillPrice,
			}
			if ev.Status == core.OrderFilled {
				sig.Signal()
				return last, watchFilled
			}
			return last, watchTerminal

		case <-pollTimer.C:
			snap, err := l.client.GetOrder(ctx, orderID)
			if err != nil {
				e.logger.Warn("Order status poll failed",
					"venue", l.spec.Venue, "order_id", orderID, "error", err)
				pollTimer.Reset(pollInterval)
				continue
			}
			last = snap
			if snap.Status == core.OrderFilled {
				sig.Signal()
				return last, watchFilled
			}
			if snap.Status.IsTerminal() {
				return last, watchTerminal
			}
			pollTimer.Reset(pollInterval)
		}
	}
}

// awaitMarketFill polls a market order to its terminal state. Market orders
// are fill-on-acceptance on most venues, so the first poll usually ends it.
func (e *Executor) awaitMarketFill(ctx context.Context, client core.IVenueClient, orderID string, pollInterval, timeout time.Duration) (*core.OrderSnapshot, error) {
	deadline := time.Now().Add(timeout)

	for {
		snap, err := client.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if snap.Status.IsTerminal() {
			return snap, nil
		}
		if time.Now().After(deadline) {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// cancelAndReconcile cancels an order idempotently and re-reads the final
// filled quantity from the venue, since a fill may race the cancel.
func (e *Executor) cancelAndReconcile(ctx context.Context, l *leg, orderID string) (filled decimal.Decimal, avgPrice decimal.Decimal) {
	filled, err := l.client.Cancel(ctx, orderID)
	if err != nil {
		e.logger.Warn("Cancel failed, reading final state",
			"venue", l.spec.Venue, "order_id", orderID, "error", err)
	}

	if snap, err := l.client.GetOrder(ctx, orderID); err == nil {
		return snap.FilledQuantity, snap.AvgFillPrice
	}
	return filled, decimal.Zero
}
