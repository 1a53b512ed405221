package strategy

import (
	"testing"
	"time"

	"funding_arb/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rulePosition(entry, current string, age time.Duration, now time.Time) *core.Position {
	return &core.Position{
		ID:                "pos-1",
		Symbol:            "BTC",
		EntryDivergence:   decimal.RequireFromString(entry),
		CurrentDivergence: decimal.RequireFromString(current),
		OpenedAt:          now.Add(-age),
		Status:            core.StatusOpen,
	}
}

func TestErosionRuleFiresBelowThreshold(t *testing.T) {
	now := time.Now().UTC()
	rule := &ErosionRule{Threshold: decimal.RequireFromString("0.5")}

	// 0.0006 / 0.0014 is roughly 0.43, below the 0.5 threshold.
	sig := rule.Evaluate(rulePosition("0.0014", "0.0006", time.Hour, now), now)
	require.True(t, sig.ShouldExit)
	assert.Equal(t, core.UrgencyNormal, sig.Urgency)
	assert.Contains(t, sig.Reason, ReasonErosion)

	// 0.0008 / 0.0014 is above the threshold.
	sig = rule.Evaluate(rulePosition("0.0014", "0.0008", time.Hour, now), now)
	assert.False(t, sig.ShouldExit)
}

func TestErosionRuleIgnoresNonPositiveEntry(t *testing.T) {
	now := time.Now().UTC()
	rule := &ErosionRule{Threshold: decimal.RequireFromString("0.5")}

	sig := rule.Evaluate(rulePosition("0", "0.0001", time.Hour, now), now)
	assert.False(t, sig.ShouldExit)
}

func TestFlipRuleIsUrgent(t *testing.T) {
	now := time.Now().UTC()
	rule := &FlipRule{}

	sig := rule.Evaluate(rulePosition("0.0014", "-0.0004", time.Hour, now), now)
	require.True(t, sig.ShouldExit)
	assert.Equal(t, core.UrgencyUrgent, sig.Urgency)

	// Exactly zero divergence no longer pays either.
	sig = rule.Evaluate(rulePosition("0.0014", "0", time.Hour, now), now)
	assert.True(t, sig.ShouldExit)

	sig = rule.Evaluate(rulePosition("0.0014", "0.0010", time.Hour, now), now)
	assert.False(t, sig.ShouldExit)
}

func TestAgeRuleFiresPastMaxAge(t *testing.T) {
	now := time.Now().UTC()
	rule := &AgeRule{MaxAge: 168 * time.Hour}

	sig := rule.Evaluate(rulePosition("0.0014", "0.0014", 169*time.Hour, now), now)
	require.True(t, sig.ShouldExit)
	assert.Equal(t, core.UrgencyNormal, sig.Urgency)
	assert.Contains(t, sig.Reason, ReasonAge)

	sig = rule.Evaluate(rulePosition("0.0014", "0.0014", 167*time.Hour, now), now)
	assert.False(t, sig.ShouldExit)
}

func TestCombinedRuleUrgencyWins(t *testing.T) {
	now := time.Now().UTC()
	rule, err := NewRule("combined", decimal.RequireFromString("0.5"), 168*time.Hour)
	require.NoError(t, err)

	// Erosion (normal) and flip (urgent) both trigger; urgent wins even
	// though erosion is evaluated first.
	sig := rule.Evaluate(rulePosition("0.0014", "-0.0004", time.Hour, now), now)
	require.True(t, sig.ShouldExit)
	assert.Equal(t, core.UrgencyUrgent, sig.Urgency)
	assert.Contains(t, sig.Reason, ReasonFlip)

	// Erosion and age both normal; the first configured rule wins.
	sig = rule.Evaluate(rulePosition("0.0014", "0.0006", 169*time.Hour, now), now)
	require.True(t, sig.ShouldExit)
	assert.Contains(t, sig.Reason, ReasonErosion)
}

func TestCombinedRuleDeterministic(t *testing.T) {
	now := time.Now().UTC()
	rule, err := NewRule("combined", decimal.RequireFromString("0.5"), 168*time.Hour)
	require.NoError(t, err)

	p := rulePosition("0.0014", "0.0006", 169*time.Hour, now)
	first := rule.Evaluate(p, now)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, rule.Evaluate(p, now))
	}
}

func TestNewRuleUnknownName(t *testing.T) {
	_, err := NewRule("bogus", decimal.RequireFromString("0.5"), time.Hour)
	assert.Error(t, err)
}
