// Package storetest is the behaviour suite every model.Store backend must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"memecoin-sniper/internal/model"
	"memecoin-sniper/internal/store"
)

// Store is a model.Store whose clock can be pinned.
type Store interface {
	model.Store
	SetClock(now func() time.Time)
}

// Run runs the suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"Bars", testBars},
		{"IndicatorRows", testIndicatorRows},
		{"Tokens", testTokens},
		{"WatchableTokens", testWatchable},
		{"Prune", testPrune},
		{"Positions", testPositions},
		{"Trades", testTrades},
		{"Blacklist", testBlacklist},
		{"Purge", testPurge},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tc.fn(t, s)
		})
	}
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock(ts time.Time) func() time.Time { return func() time.Time { return ts } }

func bar(token string, ws int64, c float64) model.Bar {
	return model.Bar{Token: token, WindowStart: ws, Open: c, High: c + 1, Low: c - 1, Close: c, Samples: model.BarSamples}
}

func testBars(t *testing.T, s Store) {
	ctx := context.Background()
	for i := int64(0); i < 5; i++ {
		b := bar("A", i*60, float64(10+i))
		if i == 4 {
			b.FDV = model.Float(1000)
			b.MarketCap = model.Float(900)
		}
		if err := s.SaveBar(ctx, b); err != nil {
			t.Fatalf("SaveBar: %v", err)
		}
	}
	_ = s.SaveBar(ctx, bar("B", 0, 99))

	got, err := s.RecentBars(ctx, "A", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 bars, got %d", len(got))
	}
	for i, ws := range []int64{240, 180, 120} {
		if got[i].WindowStart != ws || got[i].Token != "A" {
			t.Errorf("bar %d: expected A@%d, got %s@%d", i, ws, got[i].Token, got[i].WindowStart)
		}
	}
	if got[0].MarketCap == nil || *got[0].MarketCap != 900 || got[0].FDV == nil || *got[0].FDV != 1000 {
		t.Errorf("aux values not round-tripped: %+v", got[0])
	}
	if got[1].MarketCap != nil || got[1].FDV != nil {
		t.Errorf("absent aux values must stay nil: %+v", got[1])
	}
	if got[0].Samples != model.BarSamples || got[0].High != 15 || got[0].Low != 13 {
		t.Errorf("unexpected bar fields: %+v", got[0])
	}

	// Same window_start replaces.
	if err := s.SaveBar(ctx, bar("A", 240, 50)); err != nil {
		t.Fatal(err)
	}
	got, _ = s.RecentBars(ctx, "A", 10)
	if len(got) != 5 || got[0].Close != 50 {
		t.Errorf("expected replace of head bar, got %d bars head close %v", len(got), got[0].Close)
	}

	if none, err := s.RecentBars(ctx, "nobody", 4); err != nil || len(none) != 0 {
		t.Errorf("unknown token: expected no bars, got %v (%v)", none, err)
	}
}

func testIndicatorRows(t *testing.T, s Store) {
	ctx := context.Background()
	ema := []model.IndicatorRow{
		{Token: "A", WindowStart: 60, Kind: model.KindEMA, Length: 5, Source: model.SourceLow, Value: 1.1},
		{Token: "A", WindowStart: 60, Kind: model.KindEMA, Length: 20, Source: model.SourceLow, Value: 1.2},
	}
	atr := []model.IndicatorRow{{Token: "A", WindowStart: 60, Kind: model.KindATR, Length: 14, Value: 0.05}}
	if err := s.SaveIndicatorRows(ctx, ema, atr); err != nil {
		t.Fatalf("SaveIndicatorRows: %v", err)
	}
	if err := s.SaveIndicatorRows(ctx, ema, atr); err != nil {
		t.Fatalf("SaveIndicatorRows replay: %v", err)
	}
	if err := s.SaveIndicatorRows(ctx, nil, nil); err != nil {
		t.Fatalf("SaveIndicatorRows empty: %v", err)
	}
}

func testTokens(t *testing.T, s Store) {
	ctx := context.Background()
	s.SetClock(fixedClock(t0))

	tok := model.Token{
		Token: "MintA", Name: "Alpha", Symbol: "ALP", Venue: "raydium",
		RiskScore: 7, Signature: "sig1", RiskReport: []byte(`{"score":7}`),
	}
	if err := s.UpsertToken(ctx, tok); err != nil {
		t.Fatalf("UpsertToken: %v", err)
	}

	got, err := s.TokenMeta(ctx, "MintA")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Alpha" || got.Symbol != "ALP" || got.Venue != "raydium" || got.RiskScore != 7 || got.Signature != "sig1" {
		t.Errorf("unexpected token: %+v", got)
	}
	if string(got.RiskReport) != `{"score":7}` {
		t.Errorf("unexpected report %q", got.RiskReport)
	}
	if !got.CreatedAt.Equal(t0) || !got.LastSeen.Equal(t0) {
		t.Errorf("unexpected times: created=%v seen=%v", got.CreatedAt, got.LastSeen)
	}

	later := t0.Add(time.Hour)
	s.SetClock(fixedClock(later))
	tok.RiskScore = 9
	if err := s.UpsertToken(ctx, tok); err != nil {
		t.Fatal(err)
	}
	got, _ = s.TokenMeta(ctx, "MintA")
	if got.RiskScore != 9 || !got.CreatedAt.Equal(t0) || !got.LastSeen.Equal(later) {
		t.Errorf("upsert should refresh risk and last_seen only: %+v", got)
	}

	if _, err := s.TokenMeta(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testWatchable(t *testing.T, s Store) {
	ctx := context.Background()
	for i, addr := range []string{"A", "B", "C", "D"} {
		s.SetClock(fixedClock(t0.Add(time.Duration(i) * time.Minute)))
		if err := s.UpsertToken(ctx, model.Token{Token: addr}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.AddBlacklist(ctx, model.BlacklistEntry{Token: "C", Reason: "test"}); err != nil {
		t.Fatal(err)
	}

	all, err := s.WatchableTokens(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"D", "B", "A"}
	if len(all) != len(want) {
		t.Fatalf("expected %v, got %v", want, all)
	}
	for i := range want {
		if all[i] != want[i] {
			t.Errorf("watchable[%d]: expected %s, got %s", i, want[i], all[i])
		}
	}

	two, _ := s.WatchableTokens(ctx, 2)
	if len(two) != 2 || two[0] != "D" {
		t.Errorf("expected limit 2 starting at D, got %v", two)
	}

	price := 0.0012
	if err := s.SavePrices(ctx, []model.PriceTick{
		{Token: "A", Price: &price, MarketCap: model.Float(12000), TS: t0},
		{Token: "B", Price: &price},
	}); err != nil {
		t.Fatalf("SavePrices: %v", err)
	}
	if err := s.SavePrices(ctx, nil); err != nil {
		t.Fatalf("SavePrices empty: %v", err)
	}
}

func testPrune(t *testing.T, s Store) {
	ctx := context.Background()
	s.SetClock(fixedClock(t0))
	_ = s.UpsertToken(ctx, model.Token{Token: "old"})
	s.SetClock(fixedClock(t0.Add(10 * 24 * time.Hour)))
	_ = s.UpsertToken(ctx, model.Token{Token: "fresh"})

	pruned, err := s.PruneStaleTokens(ctx, t0.Add(7*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(pruned) != 1 || pruned[0] != "old" {
		t.Errorf("expected [old] pruned, got %v", pruned)
	}
	if _, err := s.TokenMeta(ctx, "old"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("old token should be gone, got %v", err)
	}
	if _, err := s.TokenMeta(ctx, "fresh"); err != nil {
		t.Errorf("fresh token should survive: %v", err)
	}
}

func testPositions(t *testing.T, s Store) {
	ctx := context.Background()
	if _, err := s.Position(ctx, "A"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	pos := model.Position{
		Token: "A", Status: model.StatusLong, EntryWindowStart: 120,
		EntryPrice: 1.1, StopPrice: 1.08, HighSinceEntry: 1.12,
		EntryMarketCap: model.Float(50000),
	}
	if err := s.SavePosition(ctx, pos); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}
	got, err := s.Position(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusLong || got.EntryPrice != 1.1 || got.StopPrice != 1.08 ||
		got.HighSinceEntry != 1.12 || got.EntryWindowStart != 120 || got.HalfSold {
		t.Errorf("unexpected position: %+v", got)
	}
	if got.BreakevenPrice != nil {
		t.Errorf("breakeven should be nil, got %v", *got.BreakevenPrice)
	}
	if got.EntryMarketCap == nil || *got.EntryMarketCap != 50000 {
		t.Errorf("entry market cap not round-tripped: %v", got.EntryMarketCap)
	}

	be := 1.1
	pos.Status = model.StatusEnded
	pos.HalfSold = true
	pos.BreakevenPrice = &be
	pos.StopPrice = 2.28
	if err := s.SavePosition(ctx, pos); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Position(ctx, "A")
	if got.Status != model.StatusEnded || !got.HalfSold || got.BreakevenPrice == nil || *got.BreakevenPrice != 1.1 || got.StopPrice != 2.28 {
		t.Errorf("upsert not applied: %+v", got)
	}
}

func testTrades(t *testing.T, s Store) {
	ctx := context.Background()
	recs := []model.TradeRecord{
		{Token: "A", Side: model.SideBuy, Qty: 1, Price: 1.1, WindowStart: 120, Note: "entry"},
		{Token: "A", Side: model.SideSell, Qty: 0.5, Price: 2.3, WindowStart: 180, Note: "take_profit_2x"},
		{Token: "B", Side: model.SideBuy, Qty: 1, Price: 3, WindowStart: 60, Note: "entry"},
		{Token: "A", Side: model.SideSell, Qty: 0.5, Price: 2.0, WindowStart: 240, Note: "stop"},
	}
	for _, r := range recs {
		if err := s.LogTrade(ctx, r); err != nil {
			t.Fatalf("LogTrade: %v", err)
		}
	}
	got, err := s.Trades(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 trades for A, got %d", len(got))
	}
	if got[0].Note != "entry" || got[1].Qty != 0.5 || got[2].Note != "stop" || got[2].Side != model.SideSell {
		t.Errorf("unexpected trade log: %+v", got)
	}
}

func testBlacklist(t *testing.T, s Store) {
	ctx := context.Background()
	s.SetClock(fixedClock(t0))
	if err := s.AddBlacklist(ctx, model.BlacklistEntry{Token: "A", Reason: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddBlacklist(ctx, model.BlacklistEntry{Token: "B", Reason: "dump>=80%_first10m", CreatedAt: t0.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddBlacklist(ctx, model.BlacklistEntry{Token: "A", Reason: "second"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Blacklisted(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Token != "A" || got[0].Reason != "second" || !got[0].CreatedAt.Equal(t0) {
		t.Errorf("expected replaced entry for A, got %+v", got[0])
	}
	if got[1].Token != "B" || got[1].Reason != "dump>=80%_first10m" {
		t.Errorf("unexpected entry %+v", got[1])
	}
}

func testPurge(t *testing.T, s Store) {
	ctx := context.Background()
	price := 1.0
	_ = s.UpsertToken(ctx, model.Token{Token: "A", Name: "Alpha"})
	_ = s.UpsertToken(ctx, model.Token{Token: "B", Name: "Beta"})
	_ = s.SavePrices(ctx, []model.PriceTick{{Token: "A", Price: &price}})
	_ = s.SaveBar(ctx, bar("A", 0, 1))
	_ = s.SaveBar(ctx, bar("B", 0, 1))
	_ = s.SaveIndicatorRows(ctx,
		[]model.IndicatorRow{{Token: "A", Kind: model.KindEMA, Length: 5, Source: model.SourceLow, Value: 1}},
		[]model.IndicatorRow{{Token: "A", Kind: model.KindATR, Length: 14, Value: 0}})
	_ = s.SavePosition(ctx, model.Position{Token: "A", Status: model.StatusLong, EntryPrice: 1})
	_ = s.LogTrade(ctx, model.TradeRecord{Token: "A", Side: model.SideBuy, Qty: 1, Price: 1})
	_ = s.AddBlacklist(ctx, model.BlacklistEntry{Token: "A", Reason: "dump>=80%_first10m"})

	if err := s.PurgeToken(ctx, "A"); err != nil {
		t.Fatalf("PurgeToken: %v", err)
	}

	if bars, _ := s.RecentBars(ctx, "A", 10); len(bars) != 0 {
		t.Errorf("bars not purged: %d left", len(bars))
	}
	if _, err := s.Position(ctx, "A"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("position not purged: %v", err)
	}
	if trades, _ := s.Trades(ctx, "A"); len(trades) != 0 {
		t.Errorf("trades not purged: %d left", len(trades))
	}
	if _, err := s.TokenMeta(ctx, "A"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("token record not purged: %v", err)
	}

	bl, _ := s.Blacklisted(ctx)
	if len(bl) != 1 || bl[0].Token != "A" {
		t.Errorf("blacklist entry must survive purge, got %+v", bl)
	}
	if bars, _ := s.RecentBars(ctx, "B", 10); len(bars) != 1 {
		t.Errorf("other tokens must be untouched, got %d bars for B", len(bars))
	}
	if _, err := s.TokenMeta(ctx, "B"); err != nil {
		t.Errorf("B should survive: %v", err)
	}
}
