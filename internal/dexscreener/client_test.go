package dexscreener

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const tokensBody = `{
  "schemaVersion": "1.0.0",
  "pairs": [
    {"chainId":"solana","dexId":"raydium","pairAddress":"P1",
     "baseToken":{"address":"AAA","name":"Alpha","symbol":"A"},
     "priceUsd":"0.0012","fdv":120000,"marketCap":110000,"liquidity":{"usd":5000}},
    {"chainId":"solana","dexId":"pumpswap","pairAddress":"P2",
     "baseToken":{"address":"AAA","name":"Alpha","symbol":"A"},
     "priceUsd":"0.0013","fdv":130000,"marketCap":125000,"liquidity":{"usd":9000}},
    {"chainId":"solana","dexId":"raydium","pairAddress":"P3",
     "baseToken":{"address":"BBB","name":"Beta","symbol":"B"},
     "priceUsd":"oops","fdv":null,"liquidity":{"usd":100}}
  ]
}`

func TestFetchTokens(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(tokensBody))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	ticks, err := c.FetchTokens(context.Background(), []string{"AAA", "BBB"})
	if err != nil {
		t.Fatalf("FetchTokens: %v", err)
	}
	if gotPath != "/latest/dex/tokens/AAA,BBB" {
		t.Errorf("path = %q", gotPath)
	}
	if len(ticks) != 2 {
		t.Fatalf("ticks = %d, want 2", len(ticks))
	}

	a := ticks[0]
	if a.Token != "AAA" || a.Price == nil || *a.Price != 0.0013 {
		t.Errorf("AAA should use the deeper pair: %+v", a)
	}
	if a.MarketCap == nil || *a.MarketCap != 125000 || a.FDV == nil || *a.FDV != 130000 {
		t.Errorf("AAA aux values wrong: fdv=%v mc=%v", a.FDV, a.MarketCap)
	}
	if !a.TS.Equal(now) {
		t.Errorf("ts = %v", a.TS)
	}

	b := ticks[1]
	if b.Token != "BBB" || b.Price != nil || b.FDV != nil || b.MarketCap != nil {
		t.Errorf("BBB should have no parsable values: %+v", b)
	}
}

func TestFetchTokensRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := New(srv.URL).FetchTokens(context.Background(), []string{"AAA"})
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestFetchTokensServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL).FetchTokens(context.Background(), []string{"AAA"})
	if err == nil || errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want non-rate-limit error", err)
	}
}

func TestFetchTokensEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"pairs":null}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	ticks, err := c.FetchTokens(context.Background(), []string{"AAA"})
	if err != nil || len(ticks) != 0 {
		t.Errorf("ticks = %v, err = %v", ticks, err)
	}
	if ticks, err := c.FetchTokens(context.Background(), nil); ticks != nil || err != nil {
		t.Errorf("no addrs: ticks = %v, err = %v", ticks, err)
	}
}
