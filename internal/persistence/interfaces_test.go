package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusfeed/nexusfeed/internal/domain"
)

func TestTimeRange_Ordering(t *testing.T) {
	tr := TimeRange{
		From: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 7, 1, 11, 0, 0, 0, time.UTC),
	}
	assert.True(t, tr.To.After(tr.From))
}

func TestTradeFromDomain(t *testing.T) {
	dt := domain.Trade{
		Venue:     "kraken",
		Symbol:    "BTC-USD",
		Side:      domain.SideBuy,
		Price:     50000.0,
		Quantity:  0.1,
		Timestamp: time.Now(),
		TradeID:   "order123",
		Attributes: map[string]string{"taker": "true"},
	}

	row := TradeFromDomain(dt)

	assert.Equal(t, "BTC-USD", row.Symbol)
	assert.Equal(t, "kraken", row.Venue)
	assert.Greater(t, row.Price, 0.0)
	assert.Greater(t, row.Qty, 0.0)
	require.NotNil(t, row.TradeID)
	assert.Equal(t, "order123", *row.TradeID)
}

func TestTradeFromDomain_EmptyTradeIDStaysNil(t *testing.T) {
	row := TradeFromDomain(domain.Trade{Symbol: "ETH-USD"})
	assert.Nil(t, row.TradeID)
}

func TestHealthCheck_Structure(t *testing.T) {
	healthCheck := HealthCheck{
		Healthy: true,
		Errors:  []string{},
		ConnectionPool: map[string]int{
			"active": 5,
			"idle":   10,
			"max":    20,
		},
		LastCheck:      time.Now(),
		ResponseTimeMS: 45,
	}

	assert.True(t, healthCheck.Healthy)
	assert.Empty(t, healthCheck.Errors)
	assert.Contains(t, healthCheck.ConnectionPool, "active")
	assert.Greater(t, healthCheck.ResponseTimeMS, int64(0))
}
