package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arbd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalYAML = `
app:
  whitelisted_venues: ["v1", "v2"]
  database_path: "arb.db"
  rate_database_path: "rates.db"
venues:
  v1:
    maker_fee_rate: "0.0002"
    taker_fee_rate: "0.0005"
  v2:
    maker_fee_rate: "0.0002"
    taker_fee_rate: "0.0005"
trading:
  target_exposure_per_side_usd: "1000"
  max_total_exposure_usd: "10000"
  max_positions: 5
`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "combined", cfg.Rebalance.Rule)
	assert.True(t, cfg.Rebalance.Erosion.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, 168, cfg.Rebalance.MaxAgeHours)
	assert.Equal(t, "escalate", cfg.Rebalance.OnCloseLegFailure)
	assert.Equal(t, 60*time.Second, cfg.Timing.CycleInterval())
	assert.Equal(t, 30*time.Second, cfg.Timing.OrderTimeout())
	assert.Equal(t, 5*time.Second, cfg.Timing.PriceCacheTTL())
	assert.Equal(t, 500*time.Millisecond, cfg.Timing.PollInterval())
	assert.Equal(t, 10*time.Second, cfg.Timing.RollbackTimeout())
	assert.Equal(t, 1, cfg.Trading.MaxNewPositionsPerCycle)
	assert.Equal(t, 20, cfg.Trading.DepthLevels)
	assert.True(t, cfg.Venues["v1"].LimitOffset.Equal(decimal.NewFromInt(1)))
}

func TestLoadConfigParsesDecimals(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.True(t, cfg.Trading.TargetExposure.Equal(decimal.NewFromInt(1000)))
	assert.True(t, cfg.Trading.MaxTotalExposure.Equal(decimal.NewFromInt(10000)))
	assert.True(t, cfg.Venues["v2"].TakerFee.Equal(decimal.RequireFromString("0.0005")))
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("TEST_ARB_DB", "from-env.db")
	yaml := `
app:
  whitelisted_venues: ["v1", "v2"]
  database_path: "${TEST_ARB_DB}"
  rate_database_path: "rates.db"
venues:
  v1: {}
  v2: {}
trading:
  target_exposure_per_side_usd: "1000"
  max_total_exposure_usd: "10000"
  max_positions: 5
`
	cfg, err := LoadConfig(writeConfig(t, yaml))
	require.NoError(t, err)
	assert.Equal(t, "from-env.db", cfg.App.DatabasePath)
}

func TestValidateRejectsSingleVenue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.WhitelistedVenues = []string{"v1"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least two venues")
}

func TestValidateRejectsBadErosionThreshold(t *testing.T) {
	for _, bad := range []string{"0", "1", "1.5", "-0.2"} {
		cfg := DefaultConfig()
		cfg.Rebalance.ErosionThreshold = bad
		assert.Error(t, cfg.Validate(), "threshold %s", bad)
	}
}

func TestValidateRejectsUnknownRule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rebalance.Rule = "martingale"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsMissingExposure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trading.TargetExposurePerSideUSD = ""
	cfg.Trading.TargetExposure = decimal.Zero
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnlistedPrimaryVenue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.PrimaryVenue = "elsewhere"
	require.Error(t, cfg.Validate())
}

func TestStringMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	out := cfg.String()
	assert.NotContains(t, out, "test_api_key")
	assert.NotContains(t, out, "test_secret_key")
}

func TestNegativeLimitOffsetAllowed(t *testing.T) {
	yaml := `
app:
  whitelisted_venues: ["v1", "v2"]
  database_path: "arb.db"
  rate_database_path: "rates.db"
venues:
  v1:
    limit_offset_bps: "-2"
  v2: {}
trading:
  target_exposure_per_side_usd: "1000"
  max_total_exposure_usd: "10000"
  max_positions: 5
`
	cfg, err := LoadConfig(writeConfig(t, yaml))
	require.NoError(t, err)
	// Negative offsets cross the spread for aggressive entries.
	assert.True(t, cfg.Venues["v1"].LimitOffset.Equal(decimal.NewFromInt(-2)))
}
