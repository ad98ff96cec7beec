package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/harveybc/lts/internal/models"
)

func liveConfig(url string) Config {
	return Config{
		APIURL:       url,
		APIToken:     "test-token",
		AccountID:    "acct-1",
		MaxRetries:   3,
		RetryBackoff: 0.01, // keep the test fast; doubling behavior is unchanged
	}
}

func TestLive_OpenOrderSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"order_id":"O-1","position_id":"P-1","status":"filled","fill_price":1.1001}`)
	}))
	defer server.Close()

	b, err := NewLive(liveConfig(server.URL), nil)
	assert.NoError(t, err)

	res := b.OpenOrder(context.Background(), OrderParams{
		Symbol: "EUR/USD", Side: models.SideBuy, Type: models.OrderTypeMarket, Lots: 0.1,
	})

	assert.True(t, res.Success)
	assert.Equal(t, "O-1", res.OrderID)
	assert.Equal(t, "P-1", res.PositionID)
	assert.Equal(t, models.OrderStatusFilled, res.Status)
	assert.InDelta(t, 1.1001, res.FillPrice, 1e-9)
}

func TestLive_RetryBound(t *testing.T) {
	var attempts atomic.Int64
	var stamps []time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		stamps = append(stamps, time.Now())
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	b, err := NewLive(liveConfig(server.URL), nil)
	assert.NoError(t, err)

	res := b.OpenOrder(context.Background(), OrderParams{
		Symbol: "EUR/USD", Side: models.SideBuy, Lots: 0.1,
	})

	// Exactly max_retries attempts, then a structured failure.
	assert.False(t, res.Success)
	assert.Equal(t, int64(3), attempts.Load())
	assert.True(t, IsTransient(res.Err))

	// Backoff doubles: the second wait must be longer than the first.
	if assert.Len(t, stamps, 3) {
		first := stamps[1].Sub(stamps[0])
		second := stamps[2].Sub(stamps[1])
		assert.GreaterOrEqual(t, first, 10*time.Millisecond)
		assert.GreaterOrEqual(t, second, 20*time.Millisecond)
	}
}

func TestLive_PermanentErrorSkipsRetry(t *testing.T) {
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	b, err := NewLive(liveConfig(server.URL), nil)
	assert.NoError(t, err)

	res := b.OpenOrder(context.Background(), OrderParams{
		Symbol: "EUR/USD", Side: models.SideBuy, Lots: 0.1,
	})

	assert.False(t, res.Success)
	assert.Equal(t, int64(1), attempts.Load())
	assert.True(t, IsPermanent(res.Err))
	assert.False(t, IsTransient(res.Err))
}

func TestLive_CloseOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/positions/P-7/close", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"order_id":"O-9","close_price":1.0950,"realized_pnl":-51.7}`)
	}))
	defer server.Close()

	b, err := NewLive(liveConfig(server.URL), nil)
	assert.NoError(t, err)

	res := b.CloseOrder(context.Background(), OrderParams{PositionID: "P-7"})
	assert.True(t, res.Success)
	assert.InDelta(t, 1.0950, res.ClosePrice, 1e-9)
	assert.InDelta(t, -51.7, res.RealizedPnL, 1e-9)

	res = b.CloseOrder(context.Background(), OrderParams{})
	assert.False(t, res.Success)
}

func TestLive_Quote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/prices/EUR%2FUSD", r.URL.EscapedPath())
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"symbol":"EUR/USD","bid":1.1000,"ask":1.1002}`)
	}))
	defer server.Close()

	b, err := NewLive(liveConfig(server.URL), nil)
	assert.NoError(t, err)

	bid, ask, err := b.Quote(context.Background(), "EUR/USD")
	assert.NoError(t, err)
	assert.InDelta(t, 1.1000, bid, 1e-9)
	assert.InDelta(t, 1.1002, ask, 1e-9)
}

func TestLive_QuoteRejectsEmptyPrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"symbol":"EUR/USD","bid":0,"ask":0}`)
	}))
	defer server.Close()

	b, err := NewLive(liveConfig(server.URL), nil)
	assert.NoError(t, err)

	_, _, err = b.Quote(context.Background(), "EUR/USD")
	assert.Error(t, err)
}

func TestLive_OpenOrders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/positions/open", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"positions":[{"id":"P-1","symbol":"EUR/USD","side":"buy","quantity":0.1,"entry_price":1.1001}]}`)
	}))
	defer server.Close()

	b, err := NewLive(liveConfig(server.URL), nil)
	assert.NoError(t, err)

	orders, err := b.OpenOrders(context.Background())
	assert.NoError(t, err)
	assert.Len(t, orders, 1)
	assert.Equal(t, models.SideBuy, orders[0].Side)
}

func TestRegistry(t *testing.T) {
	b, err := New("simulated", Config{}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "simulated", b.Name())

	_, err = New("nonexistent", Config{}, nil)
	assert.Error(t, err)

	assert.Contains(t, Names(), "live")
	assert.Contains(t, Names(), "simulated")
}
