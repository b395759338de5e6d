package strategy

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"memecoin-sniper/internal/model"
)

const tok = "MINT"

func newEM(t *testing.T) *EarlyMomentum {
	t.Helper()
	s, err := NewEarlyMomentum(DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func mkBar(ws int64, o, h, l, c float64) model.Bar {
	return model.Bar{Token: tok, WindowStart: ws, Open: o, High: h, Low: l, Close: c, Samples: model.BarSamples}
}

func withIndicators(b model.Bar, ema5, atr14 float64) model.BarEvent {
	return model.BarEvent{
		Bar: b,
		EMA: []model.IndicatorRow{
			{Token: b.Token, WindowStart: b.WindowStart, Kind: model.KindEMA, Length: 20, Source: model.SourceLow, Value: 999},
			{Token: b.Token, WindowStart: b.WindowStart, Kind: model.KindEMA, Length: 5, Source: model.SourceLow, Value: ema5},
		},
		ATR: []model.IndicatorRow{
			{Token: b.Token, WindowStart: b.WindowStart, Kind: model.KindATR, Length: 14, Value: atr14},
		},
	}
}

// feed stores the bar like the pipeline does, then dispatches it.
func feed(t *testing.T, s *EarlyMomentum, env *fakeEnv, ev model.BarEvent) {
	t.Helper()
	env.addBar(ev.Bar)
	if err := s.OnBar(context.Background(), env, ev); err != nil {
		t.Fatalf("OnBar(%d): %v", ev.Bar.WindowStart, err)
	}
}

// ────────────────────────────────────────────────────────────
// Early-dump rule
// ────────────────────────────────────────────────────────────

func runDumpScenario(t *testing.T, dumpAt int, dumpClose float64) *fakeEnv {
	t.Helper()
	s := newEM(t)
	env := newFakeEnv()
	_ = s.OnNewToken(context.Background(), env, model.Token{Token: tok})

	for i := 0; i < dumpAt; i++ {
		feed(t, s, env, model.BarEvent{Bar: mkBar(int64(i*60), 1.0, 1.0, 1.0, 1.0)})
	}
	feed(t, s, env, model.BarEvent{Bar: mkBar(int64(dumpAt*60), 1.0, 1.0, dumpClose, dumpClose)})
	return env
}

func TestEarlyDump_ExactBoundaryOnTenthBar(t *testing.T) {
	env := runDumpScenario(t, 9, 0.2) // bars_seen == 9

	if reason := env.blacklist[tok]; reason != DumpReason {
		t.Fatalf("expected blacklist reason %q, got %q", DumpReason, reason)
	}
	if len(env.purged) != 1 || env.purged[0] != tok {
		t.Errorf("expected one purge of %s, got %v", tok, env.purged)
	}
	titles := env.alertTitles()
	if len(titles) != 1 || titles[0] != AlertDropPurge {
		t.Errorf("expected a single %q alert, got %v", AlertDropPurge, titles)
	}
}

func TestEarlyDump_JustAboveThresholdSurvives(t *testing.T) {
	env := runDumpScenario(t, 9, 0.2+1e-9)
	if len(env.blacklist) != 0 || len(env.purged) != 0 {
		t.Errorf("close above 20%% of first open must not drop: blacklist=%v purged=%v", env.blacklist, env.purged)
	}
}

func TestEarlyDump_NotAppliedAfterTenBars(t *testing.T) {
	env := runDumpScenario(t, 10, 0.1) // bars_seen == 10
	if len(env.blacklist) != 0 {
		t.Errorf("dump rule must not apply at bars_seen=10, got %v", env.blacklist)
	}
}

func TestEarlyDump_FirstBarItself(t *testing.T) {
	s := newEM(t)
	env := newFakeEnv()
	// first_open is this bar's open, close is an 85% drop within the bar
	feed(t, s, env, model.BarEvent{Bar: mkBar(0, 1.0, 1.0, 0.15, 0.15)})
	if env.blacklist[tok] != DumpReason {
		t.Errorf("expected drop on the first bar, got %v", env.blacklist)
	}
}

func TestEarlyDump_LaterBarsIgnored(t *testing.T) {
	s := newEM(t)
	env := newFakeEnv()
	env.blacklistErr = errors.New("store down")

	ev := model.BarEvent{Bar: mkBar(0, 1.0, 1.0, 0.1, 0.1)}
	env.addBar(ev.Bar)
	if err := s.OnBar(context.Background(), env, ev); err == nil {
		t.Error("expected the blacklist failure to be reported")
	}

	// Not blacklisted in the env, but the dropped flag must still stop processing.
	for i := 1; i < 5; i++ {
		feed(t, s, env, withIndicators(mkBar(int64(i*60), 5, 6, 5, 6), 1, 0.1))
	}
	if len(env.positions) != 0 || len(env.trades) != 0 {
		t.Errorf("dropped token must never trade: positions=%d trades=%d", len(env.positions), len(env.trades))
	}
}

func TestOnBar_BlacklistedTokenIsNoop(t *testing.T) {
	s := newEM(t)
	env := newFakeEnv()
	env.blacklist[tok] = "manual"

	feed(t, s, env, withIndicators(mkBar(0, 1, 2, 1, 2), 1, 0.1))
	if len(env.alerts) != 0 || len(env.positions) != 0 {
		t.Errorf("blacklisted token must be ignored, got alerts=%v", env.alertTitles())
	}
	if _, ok := s.Position(tok); ok {
		t.Error("blacklisted token should have no position slot")
	}
}

// ────────────────────────────────────────────────────────────
// Entry
// ────────────────────────────────────────────────────────────

func seedHistory(env *fakeEnv) {
	env.addBar(mkBar(0, 1.00, 1.02, 0.99, 1.01))
	env.addBar(mkBar(60, 1.01, 1.08, 1.00, 1.03))
	env.addBar(mkBar(120, 1.03, 1.05, 1.01, 1.04))
}

func TestEntry_BreakoutAboveEMAAndRecentHigh(t *testing.T) {
	s := newEM(t)
	env := newFakeEnv()
	seedHistory(env)

	feed(t, s, env, withIndicators(mkBar(180, 1.04, 1.12, 1.03, 1.10), 1.05, 0.01))

	pos, ok := s.Position(tok)
	if !ok || pos.Status != model.StatusLong {
		t.Fatalf("expected long position, got %+v", pos)
	}
	if pos.EntryPrice != 1.10 || pos.EntryWindowStart != 180 {
		t.Errorf("unexpected entry: %+v", pos)
	}
	if math.Abs(pos.StopPrice-(1.10-2*0.01)) > 1e-12 {
		t.Errorf("expected stop 1.08, got %v", pos.StopPrice)
	}
	if pos.HighSinceEntry != 1.12 || pos.HalfSold || pos.BreakevenPrice != nil {
		t.Errorf("unexpected fresh position state: %+v", pos)
	}
	if titles := env.alertTitles(); len(titles) != 1 || titles[0] != AlertEntry {
		t.Errorf("expected ENTRY alert, got %v", titles)
	}
	if len(env.trades) != 1 || env.trades[0].Side != model.SideBuy || env.trades[0].Qty != 1 {
		t.Errorf("expected one full buy, got %+v", env.trades)
	}
}

func TestEntry_RejectedBelowRecentHigh(t *testing.T) {
	s := newEM(t)
	env := newFakeEnv()
	seedHistory(env)

	// 1.07 > EMA5 low 1.05 but not above the 1.08 lookback high
	feed(t, s, env, withIndicators(mkBar(180, 1.04, 1.075, 1.03, 1.07), 1.05, 0.01))

	if _, ok := s.Position(tok); ok {
		t.Error("expected no position")
	}
	if len(env.alerts) != 0 || len(env.trades) != 0 {
		t.Errorf("expected no side effects, got alerts=%v trades=%v", env.alertTitles(), env.trades)
	}
}

func TestEntry_RejectedBelowEMA(t *testing.T) {
	s := newEM(t)
	env := newFakeEnv()
	seedHistory(env)

	feed(t, s, env, withIndicators(mkBar(180, 1.04, 1.12, 1.03, 1.10), 1.11, 0.01))
	if _, ok := s.Position(tok); ok {
		t.Error("close below EMA5 low must not enter")
	}
}

func TestEntry_SkippedWithoutIndicators(t *testing.T) {
	s := newEM(t)
	env := newFakeEnv()
	seedHistory(env)

	ev := withIndicators(mkBar(180, 1.04, 1.12, 1.03, 1.10), 1.05, 0.01)
	ev.ATR = nil
	feed(t, s, env, ev)
	if _, ok := s.Position(tok); ok {
		t.Error("missing ATR14 must skip entry")
	}

	ev = withIndicators(mkBar(240, 1.04, 1.12, 1.03, 1.10), 1.05, 0.01)
	ev.EMA[1].Source = model.SourceClose
	feed(t, s, env, ev)
	if _, ok := s.Position(tok); ok {
		t.Error("EMA5 over close is not EMA5 over low")
	}
}

func TestRecentHigh(t *testing.T) {
	cur := mkBar(300, 1.0, 9.0, 1.0, 1.0)
	cases := []struct {
		name string
		hist []model.Bar
		want float64
	}{
		{"empty uses open", nil, 1.0},
		{"only current uses open", []model.Bar{cur}, 1.0},
		{
			"skips head when it is the current bar",
			[]model.Bar{cur, mkBar(240, 1, 1.5, 1, 1), mkBar(180, 1, 1.7, 1, 1), mkBar(120, 1, 1.2, 1, 1)},
			1.7,
		},
		{
			"keeps head when current bar was not stored",
			[]model.Bar{mkBar(240, 1, 1.5, 1, 1), mkBar(180, 1, 1.7, 1, 1), mkBar(120, 1, 1.2, 1, 1), mkBar(60, 1, 3.0, 1, 1)},
			1.7,
		},
	}
	for _, tc := range cases {
		if got := recentHigh(tc.hist, cur, 3); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

// ────────────────────────────────────────────────────────────
// Position management
// ────────────────────────────────────────────────────────────

func enterAt110(t *testing.T) (*EarlyMomentum, *fakeEnv) {
	t.Helper()
	s := newEM(t)
	env := newFakeEnv()
	env.meta[tok] = model.Token{Token: tok, Name: "Moon", Symbol: "MOON"}
	seedHistory(env)
	b := mkBar(180, 1.04, 1.12, 1.03, 1.10)
	b.MarketCap = model.Float(50_000)
	feed(t, s, env, withIndicators(b, 1.05, 0.01))
	if pos, _ := s.Position(tok); pos.Status != model.StatusLong {
		t.Fatalf("setup: expected entry, got %+v", pos)
	}
	return s, env
}

func TestManage_TakeProfitMovesToBreakeven(t *testing.T) {
	s, env := enterAt110(t)

	feed(t, s, env, withIndicators(mkBar(240, 1.5, 2.4, 1.5, 2.3), 1.5, 0.01))

	pos, _ := s.Position(tok)
	if !pos.HalfSold || pos.BreakevenPrice == nil || *pos.BreakevenPrice != 1.10 {
		t.Fatalf("expected half sold with breakeven 1.10, got %+v", pos)
	}
	// max(atr 2.28, trail 1.92, breakeven 1.10)
	if math.Abs(pos.StopPrice-2.28) > 1e-9 {
		t.Errorf("expected stop 2.28, got %v", pos.StopPrice)
	}
	if pos.Status != model.StatusLong || pos.HighSinceEntry != 2.4 {
		t.Errorf("unexpected state: %+v", pos)
	}
	titles := env.alertTitles()
	if titles[len(titles)-1] != AlertTakeProfit {
		t.Errorf("expected take-profit alert, got %v", titles)
	}
	last := env.trades[len(env.trades)-1]
	if last.Side != model.SideSell || last.Qty != 0.5 {
		t.Errorf("expected half sell, got %+v", last)
	}
}

func TestManage_ExitOnStop(t *testing.T) {
	s, env := enterAt110(t)
	feed(t, s, env, withIndicators(mkBar(240, 1.5, 2.4, 1.5, 2.3), 1.5, 0.01))

	exitBar := mkBar(300, 2.3, 2.3, 1.9, 2.0)
	exitBar.MarketCap = model.Float(1_250_000)
	feed(t, s, env, withIndicators(exitBar, 1.8, 0.01))

	pos, _ := s.Position(tok)
	if pos.Status != model.StatusEnded {
		t.Fatalf("expected ended, got %+v", pos)
	}
	if math.Abs(pos.StopPrice-2.28) > 1e-9 {
		t.Errorf("stop must not loosen on exit, got %v", pos.StopPrice)
	}

	a := env.alerts[len(env.alerts)-1]
	if a.title != AlertExit {
		t.Fatalf("expected exit alert, got %q", a.title)
	}
	if a.fields["pnl"] != "81.82%" {
		t.Errorf("expected pnl 81.82%%, got %v", a.fields["pnl"])
	}
	if a.fields["mc_entry"] != "$50.00K" || a.fields["mc_exit"] != "$1.25M" {
		t.Errorf("unexpected market caps: %v / %v", a.fields["mc_entry"], a.fields["mc_exit"])
	}
	if a.fields["label"] != "Moon (MOON)" {
		t.Errorf("unexpected label %v", a.fields["label"])
	}

	last := env.trades[len(env.trades)-1]
	if last.Side != model.SideSell || last.Qty != 0.5 || last.Note != "stop" {
		t.Errorf("expected remaining half sold on stop, got %+v", last)
	}
	saved := env.positions[len(env.positions)-1]
	if saved.Status != model.StatusEnded {
		t.Errorf("final persisted status should be ended, got %s", saved.Status)
	}
}

func TestOnNewToken_KeepsOpenPosition(t *testing.T) {
	s, env := enterAt110(t)
	before, _ := s.Position(tok)

	// A second pool for the same mint passes discovery again.
	if err := s.OnNewToken(context.Background(), env, model.Token{Token: tok}); err != nil {
		t.Fatalf("OnNewToken: %v", err)
	}
	after, ok := s.Position(tok)
	if !ok || after.Status != model.StatusLong || after.EntryPrice != before.EntryPrice || after.StopPrice != before.StopPrice {
		t.Fatalf("re-announce changed the position: before %+v after %+v (ok=%v)", before, after, ok)
	}

	feed(t, s, env, withIndicators(mkBar(240, 1.05, 1.06, 0.44, 0.45), 1.0, 0.01))

	pos, _ := s.Position(tok)
	if pos.Status != model.StatusEnded {
		t.Fatalf("stop should have been hit, got %+v", pos)
	}
	titles := env.alertTitles()
	if titles[len(titles)-1] != AlertExit {
		t.Errorf("expected exit alert last, got %v", titles)
	}
	if _, banned := env.blacklist[tok]; banned {
		t.Error("a fresh dump window must not treat the first bar after re-announce as a dump")
	}
}

func TestForgetDropsSlot(t *testing.T) {
	s, _ := enterAt110(t)
	eng := NewEngine(s, &stubStrategy{name: "stub"})
	eng.Forget(tok)
	if _, ok := s.Position(tok); ok {
		t.Error("slot should be gone after Forget")
	}
	s.mu.Lock()
	n := len(s.tokens)
	s.mu.Unlock()
	if n != 0 {
		t.Errorf("expected no tracked tokens, got %d", n)
	}
}

func TestManage_ReentryAfterEnded(t *testing.T) {
	s, env := enterAt110(t)
	// immediate stop-out: close at the initial stop
	feed(t, s, env, withIndicators(mkBar(240, 1.10, 1.10, 1.0, 1.05), 1.0, 0.01))
	if pos, _ := s.Position(tok); pos.Status != model.StatusEnded {
		t.Fatalf("expected ended, got %+v", pos)
	}

	feed(t, s, env, withIndicators(mkBar(300, 1.05, 1.30, 1.05, 1.25), 1.05, 0.01))
	pos, _ := s.Position(tok)
	if pos.Status != model.StatusLong || pos.EntryPrice != 1.25 {
		t.Errorf("expected a fresh entry at 1.25, got %+v", pos)
	}
}

func TestManage_StopNeverLoosens(t *testing.T) {
	s, env := enterAt110(t)
	rng := rand.New(rand.NewSource(7))

	px := 1.10
	for i := 0; i < 200; i++ {
		if pos, _ := s.Position(tok); pos.Status != model.StatusLong {
			break
		}
		px *= 1 + (rng.Float64()-0.45)*0.08
		hi := px * (1 + rng.Float64()*0.03)
		lo := px * (1 - rng.Float64()*0.03)
		atr := 0.001 + rng.Float64()*0.2
		feed(t, s, env, withIndicators(mkBar(int64(240+i*60), px, hi, lo, px), lo, atr))
	}

	prev := math.Inf(-1)
	for i, p := range env.positions {
		if p.StopPrice < prev {
			t.Fatalf("stop loosened at save %d: %v -> %v", i, prev, p.StopPrice)
		}
		prev = p.StopPrice
	}
}

func TestCandidateStop_Sentinels(t *testing.T) {
	s := newEM(t)
	pos := &model.Position{HighSinceEntry: 10}
	got := s.candidateStop(pos, mkBar(0, 9, 10, 9, 9), 0, false)
	if got != 8 {
		t.Errorf("without ATR or breakeven only the 20%% trail applies, got %v", got)
	}
	be := 9.5
	pos.BreakevenPrice = &be
	if got := s.candidateStop(pos, mkBar(0, 9, 10, 9, 9), 0, false); got != 9.5 {
		t.Errorf("breakeven should dominate, got %v", got)
	}
}

func TestNewEarlyMomentum_InvalidParams(t *testing.T) {
	bad := []Params{
		{Lookback: 0, ATRK: 2, TrailPct: 0.2},
		{Lookback: 3, ATRK: 0, TrailPct: 0.2},
		{Lookback: 3, ATRK: 2, TrailPct: 1.5},
	}
	for _, p := range bad {
		if _, err := NewEarlyMomentum(p); err == nil {
			t.Errorf("expected error for %+v", p)
		}
	}
}

func TestFormatUSD(t *testing.T) {
	cases := []struct {
		in   *float64
		want string
	}{
		{nil, "N/A"},
		{model.Float(12.5), "$12.50"},
		{model.Float(4_200), "$4.20K"},
		{model.Float(3_100_000), "$3.10M"},
		{model.Float(2_000_000_000), "$2.00B"},
	}
	for _, tc := range cases {
		if got := FormatUSD(tc.in); got != tc.want {
			t.Errorf("FormatUSD: got %q, want %q", got, tc.want)
		}
	}
}
