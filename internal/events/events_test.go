package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarioCalculated_JSONShape(t *testing.T) {
	ev := ScenarioCalculated{
		ScenarioID:       "s1",
		CompanyID:        "co1",
		ExitAmount:       decimal.NewFromInt(400),
		Currency:         "USD",
		EquityTotal:      decimal.NewFromInt(200),
		ConvertibleTotal: decimal.NewFromInt(200),
		Unallocated:      decimal.Zero,
		PayoutCount:      2,
		CalculatedAt:     time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	body, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "s1", decoded["scenario_id"])
	assert.Equal(t, "200", decoded["convertible_total"])
	assert.Equal(t, float64(2), decoded["payout_count"])
	assert.Equal(t, "2025-01-02T03:04:05Z", decoded["calculated_at"])
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.PublishScenarioCalculated(context.Background(), ScenarioCalculated{}))
	assert.NoError(t, p.Close())
}
