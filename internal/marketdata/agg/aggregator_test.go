package agg

import (
	"sync"
	"testing"
	"time"

	"memecoin-sniper/internal/model"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 17, 0, time.UTC)

func tick(token string, price float64, ts time.Time) model.PriceTick {
	return model.PriceTick{Token: token, Price: model.Float(price), TS: ts}
}

func TestAggregator_WindowInvariant(t *testing.T) {
	agg := New()
	var bars []model.Bar

	const n = 95
	for i := 0; i < n; i++ {
		if bar, ok := agg.Add(tick("MINT", float64(i+1), t0.Add(time.Duration(i)*2*time.Second))); ok {
			bars = append(bars, bar)
		}
	}

	if len(bars) != n/model.BarSamples {
		t.Fatalf("expected %d bars, got %d", n/model.BarSamples, len(bars))
	}
	if got := agg.Pending("MINT"); got != n%model.BarSamples {
		t.Errorf("expected %d pending samples, got %d", n%model.BarSamples, got)
	}

	// Each bar covers a disjoint contiguous slice: prices 1..30, 31..60, 61..90
	for i, bar := range bars {
		wantOpen := float64(i*model.BarSamples + 1)
		wantClose := float64((i + 1) * model.BarSamples)
		if bar.Open != wantOpen || bar.Close != wantClose {
			t.Errorf("bar %d: expected open=%v close=%v, got open=%v close=%v", i, wantOpen, wantClose, bar.Open, bar.Close)
		}
		if bar.Samples != model.BarSamples {
			t.Errorf("bar %d: expected samples=%d, got %d", i, model.BarSamples, bar.Samples)
		}
	}
}

func TestAggregator_OHLC(t *testing.T) {
	agg := New()
	prices := []float64{1.0, 1.4, 0.7, 1.2}
	var bar model.Bar
	var ok bool
	for i := 0; i < model.BarSamples; i++ {
		bar, ok = agg.Add(tick("MINT", prices[i%len(prices)], t0.Add(time.Duration(i)*time.Second)))
	}
	if !ok {
		t.Fatal("expected a bar on the 30th sample")
	}

	if bar.Open != 1.0 {
		t.Errorf("expected open=1.0, got %v", bar.Open)
	}
	if bar.High != 1.4 {
		t.Errorf("expected high=1.4, got %v", bar.High)
	}
	if bar.Low != 0.7 {
		t.Errorf("expected low=0.7, got %v", bar.Low)
	}
	// 29 % 4 == 1
	if bar.Close != 1.4 {
		t.Errorf("expected close=1.4, got %v", bar.Close)
	}
	if bar.Low > bar.Open || bar.Low > bar.Close || bar.High < bar.Open || bar.High < bar.Close {
		t.Errorf("OHLC invariant violated: %+v", bar)
	}
}

func TestAggregator_WindowStartFloor(t *testing.T) {
	agg := New()
	var bar model.Bar
	for i := 0; i < model.BarSamples; i++ {
		bar, _ = agg.Add(tick("MINT", 1, t0.Add(time.Duration(i)*2*time.Second)))
	}
	want := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC).Unix()
	if bar.WindowStart != want {
		t.Errorf("expected window_start=%d, got %d", want, bar.WindowStart)
	}
}

func TestAggregator_MissingPriceNotCounted(t *testing.T) {
	agg := New()
	var reasons []string
	agg.OnDroppedSample = func(reason string) { reasons = append(reasons, reason) }

	for i := 0; i < model.BarSamples-1; i++ {
		agg.Add(tick("MINT", 1, t0.Add(time.Duration(i)*time.Second)))
	}
	if _, ok := agg.Add(model.PriceTick{Token: "MINT", TS: t0.Add(time.Minute)}); ok {
		t.Fatal("sample without price must not complete a bar")
	}
	if got := agg.Pending("MINT"); got != model.BarSamples-1 {
		t.Errorf("expected %d pending, got %d", model.BarSamples-1, got)
	}
	if len(reasons) != 1 || reasons[0] != DropNoPrice {
		t.Errorf("expected one %q drop, got %v", DropNoPrice, reasons)
	}

	if _, ok := agg.Add(tick("MINT", 1, t0.Add(time.Minute))); !ok {
		t.Error("expected the 30th priced sample to complete the bar")
	}
}

func TestAggregator_AuxLastNonNil(t *testing.T) {
	agg := New()
	var bar model.Bar
	for i := 0; i < model.BarSamples; i++ {
		tk := tick("MINT", 1, t0.Add(time.Duration(i)*time.Second))
		if i < 20 {
			tk.MarketCap = model.Float(float64(1000 + i))
		}
		bar, _ = agg.Add(tk)
	}
	if bar.FDV != nil {
		t.Errorf("expected nil FDV when no sample carried one, got %v", *bar.FDV)
	}
	if bar.MarketCap == nil || *bar.MarketCap != 1019 {
		t.Errorf("expected market cap 1019, got %v", bar.MarketCap)
	}
}

func TestAggregator_OutOfOrderDropped(t *testing.T) {
	agg := New()
	dropped := 0
	agg.OnDroppedSample = func(reason string) {
		if reason == DropOutOfOrder {
			dropped++
		}
	}

	agg.Add(tick("MINT", 1, t0))
	agg.Add(tick("MINT", 1, t0.Add(-time.Second)))
	agg.Add(tick("MINT", 1, t0)) // equal timestamps are fine

	if dropped != 1 {
		t.Errorf("expected 1 out-of-order drop, got %d", dropped)
	}
	if got := agg.Pending("MINT"); got != 2 {
		t.Errorf("expected 2 pending, got %d", got)
	}
}

func TestAggregator_TokensIndependent(t *testing.T) {
	agg := New()
	var wg sync.WaitGroup
	results := make([]int, 4)
	tokens := []string{"A", "B", "C", "D"}

	for i, tok := range tokens {
		wg.Add(1)
		go func(i int, tok string) {
			defer wg.Done()
			for j := 0; j < 2*model.BarSamples+7; j++ {
				if _, ok := agg.Add(tick(tok, float64(j), t0.Add(time.Duration(j)*time.Second))); ok {
					results[i]++
				}
			}
		}(i, tok)
	}
	wg.Wait()

	for i, tok := range tokens {
		if results[i] != 2 {
			t.Errorf("token %s: expected 2 bars, got %d", tok, results[i])
		}
		if got := agg.Pending(tok); got != 7 {
			t.Errorf("token %s: expected 7 pending, got %d", tok, got)
		}
	}
}

func TestAggregator_Reset(t *testing.T) {
	agg := New()
	for i := 0; i < 10; i++ {
		agg.Add(tick("A", 1, t0))
		agg.Add(tick("B", 1, t0))
	}
	agg.Reset("A")
	if agg.Pending("A") != 0 || agg.Pending("B") != 10 {
		t.Errorf("Reset(A) should only clear A: A=%d B=%d", agg.Pending("A"), agg.Pending("B"))
	}
	agg.ResetAll()
	if agg.Pending("B") != 0 {
		t.Errorf("ResetAll should clear B, got %d", agg.Pending("B"))
	}
}

func TestAggregator_DefaultClock(t *testing.T) {
	agg := New()
	agg.now = func() time.Time { return t0 }
	var bar model.Bar
	for i := 0; i < model.BarSamples; i++ {
		bar, _ = agg.Add(model.PriceTick{Token: "MINT", Price: model.Float(2)})
	}
	if bar.WindowStart != t0.Unix()/60*60 {
		t.Errorf("expected window_start from injected clock, got %d", bar.WindowStart)
	}
}

func TestAggregator_AcceptedHook(t *testing.T) {
	agg := New()
	accepted := map[string]int{}
	agg.OnAcceptedSample = func(token string) { accepted[token]++ }

	for i := 0; i < model.BarSamples+2; i++ {
		agg.Add(tick("A", 1, t0.Add(time.Duration(i)*time.Second)))
	}
	agg.Add(model.PriceTick{Token: "A", TS: t0.Add(time.Hour)})
	agg.Add(tick("A", 1, t0))

	if accepted["A"] != model.BarSamples+2 {
		t.Errorf("accepted = %d, want %d", accepted["A"], model.BarSamples+2)
	}
}
