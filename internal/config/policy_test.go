package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBudgetPolicy(t *testing.T) {
	policy := DefaultBudgetPolicy()

	assert.True(t, policy.DefaultBudgetDecimal().Equal(decimal.RequireFromString("100.00")))
	assert.Equal(t, "USD", policy.Currency)
	assert.Equal(t, 5*time.Minute, policy.CatalogCacheTTL)
	for _, threshold := range []int{50, 80, 90, 100} {
		assert.True(t, policy.ThresholdEnabled(threshold), "threshold %d", threshold)
	}
	assert.False(t, policy.ThresholdEnabled(75))
}

func TestDefaultBudgetDecimalFallsBackOnGarbage(t *testing.T) {
	policy := DefaultBudgetPolicy()
	policy.DefaultMonthlyBudget = "not-a-number"

	assert.True(t, policy.DefaultBudgetDecimal().Equal(decimal.RequireFromString("100.00")))
}

func TestValidateBudgetPolicy(t *testing.T) {
	require.NoError(t, validateBudgetPolicy(DefaultBudgetPolicy()))

	bad := DefaultBudgetPolicy()
	bad.DefaultMonthlyBudget = "-5.00"
	require.Error(t, validateBudgetPolicy(bad))

	bad = DefaultBudgetPolicy()
	bad.Currency = "  "
	require.Error(t, validateBudgetPolicy(bad))

	bad = DefaultBudgetPolicy()
	bad.CatalogCacheTTL = 0
	require.Error(t, validateBudgetPolicy(bad))

	bad = DefaultBudgetPolicy()
	bad.AlertThresholds = []int{50, 75}
	require.Error(t, validateBudgetPolicy(bad))
}

func TestStaticHolderServesFixedPolicy(t *testing.T) {
	policy := DefaultBudgetPolicy()
	policy.AlertThresholds = []int{80, 100}

	holder := NewStaticBudgetPolicyHolder(policy)
	got := holder.Get()

	assert.False(t, got.ThresholdEnabled(50))
	assert.True(t, got.ThresholdEnabled(80))
	assert.True(t, got.ThresholdEnabled(100))
}
