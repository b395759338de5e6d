// Package pipeline is the single evaluation path of the sniper: price
// samples in, bars and indicator rows persisted, strategies dispatched.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	"memecoin-sniper/internal/indicator"
	"memecoin-sniper/internal/logger"
	"memecoin-sniper/internal/marketdata/agg"
	"memecoin-sniper/internal/metrics"
	"memecoin-sniper/internal/model"
	"memecoin-sniper/internal/notification"
	"memecoin-sniper/internal/strategy"
)

// Sample drop reason for ticks of blacklisted tokens.
const DropBlacklisted = "blacklisted"

// AlertSink receives strategy alerts. *notification.Dispatcher implements it.
type AlertSink interface {
	Emit(alert notification.Alert) bool
}

// Config wires a Processor.
type Config struct {
	Store    model.Store
	Registry *indicator.Registry
	Engine   *strategy.Engine

	// Alerts may be nil; alerts are then only logged.
	Alerts AlertSink
	// Metrics may be nil.
	Metrics *metrics.Metrics
	// StreamBuffer > 0 enables the BarEvent stream returned by Events.
	StreamBuffer int
}

// Processor turns price ticks into bars, indicator rows and strategy calls.
// Work for one token runs under that token's lock, so a bar, its indicator
// update and its strategy evaluation form one unit. Different tokens proceed
// in parallel.
type Processor struct {
	store    model.Store
	agg      *agg.Aggregator
	registry *indicator.Registry
	engine   *strategy.Engine
	alerts   AlertSink
	prom     *metrics.Metrics

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	blMu      sync.RWMutex
	blacklist map[string]string

	streamMu sync.RWMutex
	events   chan model.BarEvent
	closed   bool

	now func() time.Time
}

// New creates a Processor. Registry, Engine and Store are required.
func New(cfg Config) (*Processor, error) {
	if cfg.Store == nil || cfg.Registry == nil || cfg.Engine == nil {
		return nil, fmt.Errorf("pipeline: store, registry and engine are required")
	}
	p := &Processor{
		store:     cfg.Store,
		agg:       agg.New(),
		registry:  cfg.Registry,
		engine:    cfg.Engine,
		alerts:    cfg.Alerts,
		prom:      cfg.Metrics,
		locks:     make(map[string]*sync.Mutex),
		blacklist: make(map[string]string),
		now:       time.Now,
	}
	if cfg.StreamBuffer > 0 {
		p.events = make(chan model.BarEvent, cfg.StreamBuffer)
	}
	if p.prom != nil {
		p.agg.OnDroppedSample = func(reason string) {
			p.prom.SamplesDropped.WithLabelValues(reason).Inc()
		}
		p.agg.OnAcceptedSample = func(string) { p.prom.SamplesAccepted.Inc() }
		p.engine.OnError = func(name, event string, err error) {
			p.prom.StrategyErrors.WithLabelValues(name, event).Inc()
		}
	}
	return p, nil
}

// LoadBlacklist warm-starts the in-memory blacklist from the store.
func (p *Processor) LoadBlacklist(ctx context.Context) (int, error) {
	entries, err := p.store.Blacklisted(ctx)
	if err != nil {
		p.storeErr("blacklisted", err)
		return 0, fmt.Errorf("load blacklist: %w", err)
	}
	p.blMu.Lock()
	for _, e := range entries {
		p.blacklist[e.Token] = e.Reason
	}
	p.blMu.Unlock()
	log.Printf("[pipeline] loaded %d blacklisted tokens", len(entries))
	return len(entries), nil
}

// Events returns the BarEvent stream, or nil when streaming is disabled.
// The channel is closed by Close.
func (p *Processor) Events() <-chan model.BarEvent {
	if p.events == nil {
		return nil
	}
	return p.events
}

// Pending returns the number of samples in token's open window.
func (p *Processor) Pending(token string) int { return p.agg.Pending(token) }

// HandleTick feeds one price sample. When it completes a bar the bar is
// persisted, indicators are updated and persisted, and every strategy is
// evaluated before HandleTick returns.
func (p *Processor) HandleTick(ctx context.Context, tick model.PriceTick) {
	if p.IsBlacklisted(tick.Token) {
		if p.prom != nil {
			p.prom.SamplesDropped.WithLabelValues(DropBlacklisted).Inc()
		}
		return
	}

	mu := p.acquire(tick.Token)
	defer p.release(tick.Token, mu)

	// A purge may have happened while this tick waited for the lock.
	if p.IsBlacklisted(tick.Token) {
		return
	}

	bar, ok := p.agg.Add(tick)
	if !ok {
		return
	}
	p.processBar(ctx, bar)
}

func (p *Processor) processBar(ctx context.Context, bar model.Bar) {
	start := time.Now()
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(bar.Token, bar.WindowStart))
	if p.prom != nil {
		p.prom.BarsTotal.Inc()
	}

	slog.Debug("bar closed",
		append(logger.LogWithTrace(ctx),
			slog.String("token", bar.Token),
			slog.Int64("ts", bar.WindowStart),
			slog.Float64("open", bar.Open),
			slog.Float64("high", bar.High),
			slog.Float64("low", bar.Low),
			slog.Float64("close", bar.Close))...)

	// The bar must be stored before strategies look back over history.
	if err := p.store.SaveBar(ctx, bar); err != nil {
		log.Printf("[pipeline] save bar %s: %v", bar.TraceKey(), err)
		p.storeErr("save_bar", err)
	}

	emaRows, atrRows := p.registry.UpdateAllForBar(bar)
	if p.prom != nil {
		p.prom.IndicatorRows.Add(float64(len(emaRows) + len(atrRows)))
	}
	if err := p.store.SaveIndicatorRows(ctx, emaRows, atrRows); err != nil {
		log.Printf("[pipeline] save indicators %s: %v", bar.TraceKey(), err)
		p.storeErr("save_indicators", err)
	}

	ev := model.BarEvent{Bar: bar, EMA: emaRows, ATR: atrRows}
	p.publish(ev)
	p.engine.DispatchBar(ctx, p, ev)

	if p.prom != nil {
		p.prom.PipelineDur.Observe(time.Since(start).Seconds())
	}
}

// publish hands ev to the stream sink without blocking.
func (p *Processor) publish(ev model.BarEvent) {
	p.streamMu.RLock()
	defer p.streamMu.RUnlock()
	if p.events == nil || p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		log.Printf("[pipeline] event stream full, dropping %s", ev.Bar.TraceKey())
	}
}

// HandleNewToken announces a screened token to every strategy.
func (p *Processor) HandleNewToken(ctx context.Context, tok model.Token) {
	if p.IsBlacklisted(tok.Token) {
		return
	}
	mu := p.acquire(tok.Token)
	defer p.release(tok.Token, mu)
	p.engine.DispatchNewToken(ctx, p, tok)
}

// Forget releases every in-memory trace of tokens: sample window, indicator
// instances, strategy slots and the token lock. Stored rows are untouched.
func (p *Processor) Forget(tokens ...string) {
	for _, token := range tokens {
		mu := p.acquire(token)
		p.agg.Reset(token)
		p.registry.Reset(token)
		p.engine.Forget(token)
		p.dropLock(token, mu)
	}
}

// Shutdown calls OnShutdown on every strategy.
func (p *Processor) Shutdown(ctx context.Context) {
	p.engine.Shutdown(ctx, p)
}

// Close stops the BarEvent stream. HandleTick remains safe to call.
func (p *Processor) Close() {
	p.streamMu.Lock()
	defer p.streamMu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.events != nil {
		close(p.events)
	}
}

// acquire locks token's mutex. A lock dropped while this caller waited is
// retried against the current one, so at most one holder exists per token.
func (p *Processor) acquire(token string) *sync.Mutex {
	for {
		mu := p.lockFor(token)
		mu.Lock()
		p.locksMu.Lock()
		cur := p.locks[token]
		p.locksMu.Unlock()
		if cur == mu {
			return mu
		}
		mu.Unlock()
	}
}

// release unlocks token. The lock entry of a blacklisted token is dropped,
// since no further work for it is admitted.
func (p *Processor) release(token string, mu *sync.Mutex) {
	if p.IsBlacklisted(token) {
		p.dropLock(token, mu)
		return
	}
	mu.Unlock()
}

// dropLock deletes token's lock entry and unlocks mu, which the caller holds.
func (p *Processor) dropLock(token string, mu *sync.Mutex) {
	p.locksMu.Lock()
	if p.locks[token] == mu {
		delete(p.locks, token)
	}
	p.locksMu.Unlock()
	mu.Unlock()
}

// Locks returns the number of live per-token locks.
func (p *Processor) Locks() int {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	return len(p.locks)
}

func (p *Processor) lockFor(token string) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	mu, ok := p.locks[token]
	if !ok {
		mu = &sync.Mutex{}
		p.locks[token] = mu
	}
	return mu
}

func (p *Processor) storeErr(op string, err error) {
	if p.prom != nil && err != nil {
		p.prom.StoreErrors.WithLabelValues(op).Inc()
	}
}

// ── strategy.Env ──

var _ strategy.Env = (*Processor)(nil)

func (p *Processor) RecentBars(ctx context.Context, token string, limit int) ([]model.Bar, error) {
	bars, err := p.store.RecentBars(ctx, token, limit)
	p.storeErr("recent_bars", err)
	return bars, err
}

func (p *Processor) SavePosition(ctx context.Context, pos model.Position) error {
	err := p.store.SavePosition(ctx, pos)
	p.storeErr("save_position", err)
	return err
}

func (p *Processor) LogTrade(ctx context.Context, rec model.TradeRecord) error {
	err := p.store.LogTrade(ctx, rec)
	p.storeErr("log_trade", err)
	return err
}

func (p *Processor) TokenMeta(ctx context.Context, token string) (model.Token, error) {
	return p.store.TokenMeta(ctx, token)
}

// Blacklist bans token in memory immediately and then persists the ban.
// The in-memory ban stands even when the store write fails.
func (p *Processor) Blacklist(ctx context.Context, token, reason string) error {
	p.blMu.Lock()
	p.blacklist[token] = reason
	p.blMu.Unlock()

	err := p.store.AddBlacklist(ctx, model.BlacklistEntry{Token: token, Reason: reason, CreatedAt: p.now()})
	if err != nil {
		p.storeErr("add_blacklist", err)
		return err
	}
	log.Printf("[pipeline] blacklisted %s: %s", token, reason)
	return nil
}

func (p *Processor) IsBlacklisted(token string) bool {
	p.blMu.RLock()
	_, ok := p.blacklist[token]
	p.blMu.RUnlock()
	return ok
}

// BlacklistReason returns the recorded ban reason of token.
func (p *Processor) BlacklistReason(token string) (string, bool) {
	p.blMu.RLock()
	defer p.blMu.RUnlock()
	r, ok := p.blacklist[token]
	return r, ok
}

// Purge drops token's stored rows, indicator state and open sample window.
// It is called from inside strategy dispatch, so it must not take the
// token lock.
func (p *Processor) Purge(ctx context.Context, token string) error {
	p.registry.Reset(token)
	p.agg.Reset(token)
	if err := p.store.PurgeToken(ctx, token); err != nil {
		p.storeErr("purge", err)
		return err
	}
	log.Printf("[pipeline] purged %s", token)
	return nil
}

// EmitAlert forwards a strategy alert to the alert sink.
func (p *Processor) EmitAlert(ctx context.Context, title string, fields map[string]any) {
	alert := notification.Alert{
		Level:  alertLevel(title),
		Title:  title,
		Fields: fields,
		TS:     p.now(),
	}
	if tok, ok := fields["token"].(string); ok {
		alert.Token = tok
	}
	if p.prom != nil {
		p.prom.AlertsTotal.WithLabelValues(title).Inc()
	}
	if p.alerts == nil {
		log.Printf("[PAPER][ALERT] %s | %s", title, alert.Message())
		return
	}
	if !p.alerts.Emit(alert) && p.prom != nil {
		p.prom.AlertsDropped.Inc()
	}
}

func alertLevel(title string) notification.AlertLevel {
	switch title {
	case strategy.AlertDropPurge, strategy.AlertExit:
		return notification.AlertWarning
	default:
		return notification.AlertInfo
	}
}
