package envelope

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestForecastCountsMonthBoundaries(t *testing.T) {
	env := testBudget("env-1", 100, RolloverAccumulate)
	now := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	// Jan 15 to Mar 20 crosses two month boundaries.
	target := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	proj := Forecast(env, target, nil, now)
	assert.Equal(t, 2, proj.Periods)
	assert.True(t, proj.ProjectedBalance.Equal(decimal.NewFromInt(900)))

	// Same month: no allocations.
	proj = Forecast(env, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), nil, now)
	assert.Equal(t, 0, proj.Periods)
	assert.True(t, proj.ProjectedBalance.Equal(decimal.NewFromInt(100)))

	// Past target: no allocations either.
	proj = Forecast(env, now.AddDate(0, 0, -10), nil, now)
	assert.Equal(t, 0, proj.Periods)
}

func TestForecastRolloverPolicies(t *testing.T) {
	now := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	target := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	reset := testBudget("env-reset", 250, RolloverReset)
	proj := Forecast(reset, target, nil, now)
	assert.True(t, proj.ProjectedBalance.Equal(decimal.NewFromInt(400)), "reset lands on the allocation no matter how many periods")

	capped := testBudget("env-cap", 450, RolloverCap)
	proj = Forecast(capped, target, nil, now)
	assert.True(t, proj.ProjectedBalance.Equal(decimal.NewFromInt(600)), "cap clamps every period")
}

func TestForecastSubtractsScheduledExpenses(t *testing.T) {
	env := testBudget("env-1", 100, RolloverAccumulate)
	now := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	target := time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)

	scheduled := []decimal.Decimal{decimal.NewFromInt(120), decimal.RequireFromString("35.50")}
	proj := Forecast(env, target, scheduled, now)
	assert.True(t, proj.ScheduledTotal.Equal(decimal.RequireFromString("155.50")))
	// 100 + 400 - 155.50
	assert.True(t, proj.ProjectedBalance.Equal(decimal.RequireFromString("344.50")))
	assert.Equal(t, "env-1", proj.EnvelopeID)
	assert.Equal(t, target, proj.TargetDate)
}

func TestForecastNeverMutatesEnvelope(t *testing.T) {
	env := testBudget("env-1", 100, RolloverAccumulate)
	Forecast(env, time.Now().AddDate(1, 0, 0), []decimal.Decimal{decimal.NewFromInt(50)}, time.Now())
	assert.True(t, env.Balance.Equal(decimal.NewFromInt(100)))
}
