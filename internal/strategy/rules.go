package strategy

import (
	"fmt"
	"time"

	"funding_arb/internal/core"

	"github.com/shopspring/decimal"
)

// Exit reasons recorded on closed positions.
const (
	ReasonErosion = "profit_erosion"
	ReasonFlip    = "divergence_flip"
	ReasonAge     = "age"
)

// ErosionRule exits when the divergence has decayed below a fraction of
// its entry value.
type ErosionRule struct {
	Threshold decimal.Decimal // fraction of entry divergence, e.g. 0.5
}

func (r *ErosionRule) Name() string { return ReasonErosion }

func (r *ErosionRule) Evaluate(p *core.Position, now time.Time) core.ExitSignal {
	if !p.EntryDivergence.IsPositive() {
		return core.ExitSignal{}
	}

	ratio := p.CurrentDivergence.Div(p.EntryDivergence)
	if ratio.GreaterThanOrEqual(r.Threshold) {
		return core.ExitSignal{}
	}

	return core.ExitSignal{
		ShouldExit: true,
		Urgency:    core.UrgencyNormal,
		Reason:     fmt.Sprintf("%s: divergence %s is %s of entry %s", ReasonErosion, p.CurrentDivergence, ratio.Round(4), p.EntryDivergence),
	}
}

// FlipRule exits the moment the pair stops paying.
type FlipRule struct{}

func (r *FlipRule) Name() string { return ReasonFlip }

func (r *FlipRule) Evaluate(p *core.Position, now time.Time) core.ExitSignal {
	if p.CurrentDivergence.IsPositive() {
		return core.ExitSignal{}
	}
	return core.ExitSignal{
		ShouldExit: true,
		Urgency:    core.UrgencyUrgent,
		Reason:     fmt.Sprintf("%s: divergence %s", ReasonFlip, p.CurrentDivergence),
	}
}

// AgeRule exits positions older than a maximum holding period.
type AgeRule struct {
	MaxAge time.Duration
}

func (r *AgeRule) Name() string { return ReasonAge }

func (r *AgeRule) Evaluate(p *core.Position, now time.Time) core.ExitSignal {
	held := now.Sub(p.OpenedAt)
	if held <= r.MaxAge {
		return core.ExitSignal{}
	}
	return core.ExitSignal{
		ShouldExit: true,
		Urgency:    core.UrgencyNormal,
		Reason:     fmt.Sprintf("%s: held %s exceeds %s", ReasonAge, held.Round(time.Minute), r.MaxAge),
	}
}

// CombinedRule OR-combines rules. The highest urgency among triggered
// rules wins; among equal urgency, the first rule in configured order.
type CombinedRule struct {
	Rules []core.IRebalanceRule
}

func (r *CombinedRule) Name() string { return "combined" }

func (r *CombinedRule) Evaluate(p *core.Position, now time.Time) core.ExitSignal {
	best := core.ExitSignal{}
	for _, rule := range r.Rules {
		sig := rule.Evaluate(p, now)
		if !sig.ShouldExit {
			continue
		}
		if !best.ShouldExit || sig.Urgency > best.Urgency {
			best = sig
		}
	}
	return best
}

// NewRule constructs the configured rule set. name is one of erosion,
// flip, age, combined.
func NewRule(name string, erosionThreshold decimal.Decimal, maxAge time.Duration) (core.IRebalanceRule, error) {
	switch name {
	case "erosion":
		return &ErosionRule{Threshold: erosionThreshold}, nil
	case "flip":
		return &FlipRule{}, nil
	case "age":
		return &AgeRule{MaxAge: maxAge}, nil
	case "combined":
		return &CombinedRule{Rules: []core.IRebalanceRule{
			&ErosionRule{Threshold: erosionThreshold},
			&FlipRule{},
			&AgeRule{MaxAge: maxAge},
		}}, nil
	}
	return nil, fmt.Errorf("unknown rebalance rule %q", name)
}
