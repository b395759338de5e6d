package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"memecoin-sniper/internal/logger"
	"memecoin-sniper/internal/model"
)

// EarlyMomentumName is the configuration name of EarlyMomentum.
const EarlyMomentumName = "early_momentum"

// Alert titles.
const (
	AlertDropPurge  = "DROP & PURGE"
	AlertEntry      = "ENTRY"
	AlertTakeProfit = "TAKE 50% & MOVE TO BREAKEVEN"
	AlertExit       = "EXIT (stop hit)"
)

// DumpReason is the blacklist reason of the early-dump rule.
const DumpReason = "dump>=80%_first10m"

const (
	dumpWindowBars = 10  // early-dump rule applies while bars_seen < dumpWindowBars
	dumpRatio      = 0.2 // close <= dumpRatio * first_open triggers the drop
	takeProfitMult = 2.0 // half the position is sold at this multiple of entry

	entryEMALength = 5
	entryEMASource = model.SourceLow
	stopATRLength  = 14
)

// noStop stands in for an unavailable stop candidate.
var noStop = math.Inf(-1)

// tracking is the per-token supervisory state guarding the early-dump rule.
// It is never persisted.
type tracking struct {
	firstOpen        float64
	firstWindowStart int64
	hasFirst         bool
	barsSeen         int
	dropped          bool
}

type emToken struct {
	mu  sync.Mutex
	tr  tracking
	pos model.Position
}

// EarlyMomentum buys breakouts above both EMA(5) of lows and the recent high,
// manages the position with a half take-profit at 2x and a ratcheting hybrid
// stop, and bans tokens that dump 80% within their first ten bars.
//
// It needs an EMA of length 5 over lows and an ATR of length 14 in the
// indicator set; without them it never enters.
type EarlyMomentum struct {
	p Params

	mu     sync.Mutex
	tokens map[string]*emToken
}

// NewEarlyMomentum creates the strategy.
func NewEarlyMomentum(p Params) (*EarlyMomentum, error) {
	if p.Lookback <= 0 {
		return nil, fmt.Errorf("early_momentum: lookback %d must be positive", p.Lookback)
	}
	if p.ATRK <= 0 {
		return nil, fmt.Errorf("early_momentum: atr multiplier %v must be positive", p.ATRK)
	}
	if p.TrailPct <= 0 || p.TrailPct >= 1 {
		return nil, fmt.Errorf("early_momentum: trail pct %v must be in (0,1)", p.TrailPct)
	}
	return &EarlyMomentum{p: p, tokens: make(map[string]*emToken)}, nil
}

func (s *EarlyMomentum) Name() string { return EarlyMomentumName }

// Position returns the in-memory position slot of token.
func (s *EarlyMomentum) Position(token string) (model.Position, bool) {
	s.mu.Lock()
	st, ok := s.tokens[token]
	s.mu.Unlock()
	if !ok {
		return model.Position{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.pos, st.pos.Status != ""
}

func (s *EarlyMomentum) OnNewToken(_ context.Context, env Env, tok model.Token) error {
	if env.IsBlacklisted(tok.Token) {
		return nil
	}
	s.mu.Lock()
	st, seen := s.tokens[tok.Token]
	if !seen {
		s.tokens[tok.Token] = &emToken{}
	}
	s.mu.Unlock()

	// A re-announced token restarts its dump window; the position slot stays.
	if seen {
		st.mu.Lock()
		st.tr = tracking{}
		st.mu.Unlock()
	}
	return nil
}

// Forget drops the in-memory slot of token.
func (s *EarlyMomentum) Forget(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

func (s *EarlyMomentum) OnShutdown(_ context.Context, _ Env) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := 0
	for _, st := range s.tokens {
		st.mu.Lock()
		if st.pos.Status == model.StatusLong {
			open++
		}
		st.mu.Unlock()
	}
	slog.Info("early_momentum shutdown", slog.Int("tokens", len(s.tokens)), slog.Int("open_positions", open))
	return nil
}

func (s *EarlyMomentum) state(token string) *emToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tokens[token]
	if !ok {
		st = &emToken{}
		s.tokens[token] = st
	}
	return st
}

func (s *EarlyMomentum) OnBar(ctx context.Context, env Env, ev model.BarEvent) error {
	bar := ev.Bar
	if env.IsBlacklisted(bar.Token) {
		return nil
	}

	st := s.state(bar.Token)
	st.mu.Lock()
	defer st.mu.Unlock()

	tr := &st.tr
	if !tr.hasFirst {
		tr.firstOpen = bar.Open
		tr.firstWindowStart = bar.WindowStart
		tr.hasFirst = true
		tr.barsSeen = 0
	}

	if !tr.dropped && tr.barsSeen < dumpWindowBars && bar.Close <= dumpRatio*tr.firstOpen {
		tr.dropped = true
		st.pos = model.Position{}
		return s.dropAndPurge(ctx, env, bar)
	}
	tr.barsSeen++
	if tr.dropped {
		return nil
	}

	ema5, hasEMA := findRow(ev.EMA, entryEMALength, entryEMASource)
	atr14, hasATR := findRow(ev.ATR, stopATRLength, "")

	if st.pos.Flat() && hasEMA && hasATR {
		entered, err := s.tryEntry(ctx, env, st, bar, ema5, atr14)
		if err != nil || entered {
			return err
		}
	}

	if st.pos.Status == model.StatusLong {
		s.manage(ctx, env, st, bar, atr14, hasATR)
	}
	return nil
}

func (s *EarlyMomentum) dropAndPurge(ctx context.Context, env Env, bar model.Bar) error {
	var firstErr error
	if err := env.Blacklist(ctx, bar.Token, DumpReason); err != nil {
		firstErr = fmt.Errorf("blacklist %s: %w", bar.Token, err)
	}
	if err := env.Purge(ctx, bar.Token); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("purge %s: %w", bar.Token, err)
	}
	slog.Warn("early dump, token dropped",
		append(logger.LogWithTrace(ctx),
			slog.String("token", bar.Token),
			slog.Float64("close", bar.Close))...)
	env.EmitAlert(ctx, AlertDropPurge, map[string]any{
		"token":  bar.Token,
		"ts":     bar.WindowStart,
		"close":  bar.Close,
		"reason": DumpReason,
	})
	return firstErr
}

// tryEntry evaluates the breakout rule and opens a long on success.
func (s *EarlyMomentum) tryEntry(ctx context.Context, env Env, st *emToken, bar model.Bar, ema5, atr14 float64) (bool, error) {
	hist, err := env.RecentBars(ctx, bar.Token, s.p.Lookback+1)
	if err != nil {
		return false, fmt.Errorf("recent bars %s: %w", bar.Token, err)
	}
	recentHigh := recentHigh(hist, bar, s.p.Lookback)

	if !(bar.Close > ema5 && bar.Close > recentHigh) {
		slog.Debug("entry rejected",
			append(logger.LogWithTrace(ctx),
				slog.String("token", bar.Token),
				slog.Float64("close", bar.Close),
				slog.Float64("ema5_low", ema5),
				slog.Float64("recent_high", recentHigh))...)
		return false, nil
	}

	st.pos = model.Position{
		Token:            bar.Token,
		Status:           model.StatusLong,
		EntryWindowStart: bar.WindowStart,
		EntryPrice:       bar.Close,
		StopPrice:        bar.Close - s.p.ATRK*atr14,
		HighSinceEntry:   bar.High,
		EntryMarketCap:   bar.MarketCap,
	}
	s.persist(ctx, env, st.pos)
	s.trade(ctx, env, model.TradeRecord{
		Token: bar.Token, Side: model.SideBuy, Qty: 1, Price: bar.Close,
		WindowStart: bar.WindowStart, Note: "entry",
	})

	slog.Info("paper entry",
		append(logger.LogWithTrace(ctx),
			slog.String("token", bar.Token),
			slog.Float64("entry", st.pos.EntryPrice),
			slog.Float64("stop", st.pos.StopPrice))...)
	env.EmitAlert(ctx, AlertEntry, map[string]any{
		"token": bar.Token,
		"ts":    bar.WindowStart,
		"entry": st.pos.EntryPrice,
		"stop":  st.pos.StopPrice,
	})
	return true, nil
}

// recentHigh is the max high of the lookback bars preceding bar. hist is
// most-recent-first; its head is skipped when it is bar itself. With fewer
// than two stored bars the current open is used.
func recentHigh(hist []model.Bar, bar model.Bar, lookback int) float64 {
	if len(hist) < 2 {
		return bar.Open
	}
	prev := hist
	if prev[0].WindowStart == bar.WindowStart {
		prev = prev[1:]
	}
	if len(prev) > lookback {
		prev = prev[:lookback]
	}
	if len(prev) == 0 {
		return bar.Open
	}
	hi := prev[0].High
	for _, b := range prev[1:] {
		hi = math.Max(hi, b.High)
	}
	return hi
}

// manage runs take-profit, the stop ratchet and the exit check for a long.
func (s *EarlyMomentum) manage(ctx context.Context, env Env, st *emToken, bar model.Bar, atr14 float64, hasATR bool) {
	pos := &st.pos
	pos.HighSinceEntry = math.Max(pos.HighSinceEntry, bar.High)

	if !pos.HalfSold && bar.Close >= takeProfitMult*pos.EntryPrice {
		pos.HalfSold = true
		be := pos.EntryPrice
		pos.BreakevenPrice = &be
		pos.StopPrice = math.Max(pos.StopPrice, pos.EntryPrice)
		s.trade(ctx, env, model.TradeRecord{
			Token: bar.Token, Side: model.SideSell, Qty: 0.5, Price: bar.Close,
			WindowStart: bar.WindowStart, Note: "take_profit_2x",
		})
		env.EmitAlert(ctx, AlertTakeProfit, map[string]any{
			"token":     bar.Token,
			"ts":        bar.WindowStart,
			"price":     bar.Close,
			"breakeven": be,
		})
	}

	pos.StopPrice = math.Max(pos.StopPrice, s.candidateStop(pos, bar, atr14, hasATR))

	if bar.Close > pos.StopPrice {
		s.persist(ctx, env, *pos)
		return
	}

	pos.Status = model.StatusEnded
	s.persist(ctx, env, *pos)
	qty := 1.0
	if pos.HalfSold {
		qty = 0.5
	}
	s.trade(ctx, env, model.TradeRecord{
		Token: bar.Token, Side: model.SideSell, Qty: qty, Price: bar.Close,
		WindowStart: bar.WindowStart, Note: "stop",
	})

	label := bar.Token
	if meta, err := env.TokenMeta(ctx, bar.Token); err == nil {
		label = meta.Label()
	}
	pnl, ok := pos.PnLPct(bar.Close)
	pnlText := "N/A"
	if ok {
		pnlText = fmt.Sprintf("%.2f%%", pnl)
	}
	slog.Info("paper trade completed",
		append(logger.LogWithTrace(ctx),
			slog.String("token", bar.Token),
			slog.String("label", label),
			slog.String("pnl", pnlText),
			slog.String("mc_start", FormatUSD(pos.EntryMarketCap)),
			slog.String("mc_end", FormatUSD(bar.MarketCap)))...)
	env.EmitAlert(ctx, AlertExit, map[string]any{
		"token":    bar.Token,
		"label":    label,
		"ts":       bar.WindowStart,
		"exit":     bar.Close,
		"stop":     pos.StopPrice,
		"pnl":      pnlText,
		"mc_entry": FormatUSD(pos.EntryMarketCap),
		"mc_exit":  FormatUSD(bar.MarketCap),
	})
}

// candidateStop is the tightest of the ATR, percentage-trail and breakeven stops.
func (s *EarlyMomentum) candidateStop(pos *model.Position, bar model.Bar, atr14 float64, hasATR bool) float64 {
	atrStop := noStop
	if hasATR {
		atrStop = bar.Close - s.p.ATRK*atr14
	}
	pctStop := pos.HighSinceEntry * (1.0 - s.p.TrailPct)
	beStop := noStop
	if pos.BreakevenPrice != nil {
		beStop = *pos.BreakevenPrice
	}
	return math.Max(atrStop, math.Max(pctStop, beStop))
}

func (s *EarlyMomentum) persist(ctx context.Context, env Env, pos model.Position) {
	if err := env.SavePosition(ctx, pos); err != nil {
		slog.Error("save position failed",
			append(logger.LogWithTrace(ctx), slog.String("token", pos.Token), slog.Any("err", err))...)
	}
}

func (s *EarlyMomentum) trade(ctx context.Context, env Env, rec model.TradeRecord) {
	if err := env.LogTrade(ctx, rec); err != nil {
		slog.Error("log trade failed",
			append(logger.LogWithTrace(ctx), slog.String("token", rec.Token), slog.Any("err", err))...)
	}
}

// findRow returns the value of the row with the given length. An empty
// source matches any row (ATR rows carry none).
func findRow(rows []model.IndicatorRow, length int, source model.Source) (float64, bool) {
	for _, r := range rows {
		if r.Length == length && (source == "" || r.Source == source) {
			return r.Value, true
		}
	}
	return 0, false
}

// FormatUSD renders a compact dollar amount ("$1.25M"), or "N/A" for nil.
func FormatUSD(v *float64) string {
	if v == nil {
		return "N/A"
	}
	x := *v
	switch ax := math.Abs(x); {
	case ax >= 1e9:
		return fmt.Sprintf("$%.2fB", x/1e9)
	case ax >= 1e6:
		return fmt.Sprintf("$%.2fM", x/1e6)
	case ax >= 1e3:
		return fmt.Sprintf("$%.2fK", x/1e3)
	default:
		return fmt.Sprintf("$%.2f", x)
	}
}
