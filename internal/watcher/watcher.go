// Package watcher polls price quotes for every watchable token and feeds
// them into the bar pipeline.
package watcher

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"memecoin-sniper/internal/dexscreener"
	"memecoin-sniper/internal/model"
)

// Poll error reasons, also used as metric labels.
const (
	ReasonRateLimited = "rate_limited"
	ReasonFetch       = "fetch"
	ReasonList        = "list"
	ReasonSave        = "save"
)

// Fetcher returns one quote per known token of a batch. *dexscreener.Client implements it.
type Fetcher interface {
	FetchTokens(ctx context.Context, addrs []string) ([]model.PriceTick, error)
}

// TokenSource lists the tokens to watch and stores their latest quotes.
type TokenSource interface {
	WatchableTokens(ctx context.Context, limit int) ([]string, error)
	SavePrices(ctx context.Context, ticks []model.PriceTick) error
}

// TickHandler consumes quotes. *pipeline.Processor implements it.
type TickHandler interface {
	HandleTick(ctx context.Context, tick model.PriceTick)
}

// Config tunes the poll loop.
type Config struct {
	Interval         time.Duration // between ticks, default 2s
	Refresh          time.Duration // watch-list refresh, default 10s
	BatchSize        int           // addresses per request, default 30
	MaxReqPerMin     int           // request budget, default 300
	RateLimitBackoff time.Duration // default 1.5s
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.Refresh <= 0 {
		c.Refresh = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 30
	}
	if c.MaxReqPerMin <= 0 {
		c.MaxReqPerMin = 300
	}
	if c.RateLimitBackoff <= 0 {
		c.RateLimitBackoff = 1500 * time.Millisecond
	}
}

// Watcher round-robins the watch list through the fetcher within the
// request budget.
type Watcher struct {
	cfg     Config
	fetch   Fetcher
	tokens  TokenSource
	handler TickHandler

	perTick     int
	batches     [][]string
	watched     int
	next        int
	lastRefresh time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)

	// Optional hooks for metrics and health.
	OnPoll      func(watched, requests int, took time.Duration)
	OnPollError func(reason string)
}

// New creates a watcher.
func New(cfg Config, fetch Fetcher, tokens TokenSource, handler TickHandler) *Watcher {
	cfg.defaults()
	return &Watcher{
		cfg:     cfg,
		fetch:   fetch,
		tokens:  tokens,
		handler: handler,
		perTick: BatchesPerTick(cfg.MaxReqPerMin, cfg.Interval),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// BatchesPerTick is how many requests fit into one interval under a
// per-minute budget, never less than one.
func BatchesPerTick(maxReqPerMin int, interval time.Duration) int {
	n := int(float64(maxReqPerMin) / 60.0 * interval.Seconds())
	if n < 1 {
		return 1
	}
	return n
}

// Run polls every Interval until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	log.Printf("[watcher] polling every %s, batch=%d, %d requests per tick", w.cfg.Interval, w.cfg.BatchSize, w.perTick)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		w.Tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick refreshes the watch list when due and polls the next round of batches.
func (w *Watcher) Tick(ctx context.Context) {
	start := w.now()
	if w.batches == nil || start.Sub(w.lastRefresh) >= w.cfg.Refresh {
		w.refresh(ctx)
		w.lastRefresh = start
	}
	if len(w.batches) == 0 {
		return
	}

	var cur [][]string
	cur, w.next = selectBatches(w.batches, w.next, w.perTick)
	w.poll(ctx, cur)

	if w.OnPoll != nil {
		w.OnPoll(w.watched, len(cur), w.now().Sub(start))
	}
}

func (w *Watcher) refresh(ctx context.Context) {
	addrs, err := w.tokens.WatchableTokens(ctx, 0)
	if err != nil {
		log.Printf("[watcher] list tokens: %v", err)
		w.failed(ReasonList)
		return
	}
	w.batches = chunk(addrs, w.cfg.BatchSize)
	w.watched = len(addrs)
	if w.next >= len(w.batches) {
		w.next = 0
	}
}

// poll fetches batches concurrently.
func (w *Watcher) poll(ctx context.Context, batches [][]string) {
	var wg sync.WaitGroup
	for _, b := range batches {
		wg.Add(1)
		go func(batch []string) {
			defer wg.Done()
			w.pollBatch(ctx, batch)
		}(b)
	}
	wg.Wait()
}

func (w *Watcher) pollBatch(ctx context.Context, batch []string) {
	ticks, err := w.fetch.FetchTokens(ctx, batch)
	if errors.Is(err, dexscreener.ErrRateLimited) {
		log.Printf("[watcher] rate limited, backing off %s", w.cfg.RateLimitBackoff)
		w.failed(ReasonRateLimited)
		w.sleep(ctx, w.cfg.RateLimitBackoff)
		return
	}
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[watcher] fetch %d tokens: %v", len(batch), err)
			w.failed(ReasonFetch)
		}
		return
	}
	if len(ticks) == 0 {
		return
	}

	if err := w.tokens.SavePrices(ctx, ticks); err != nil {
		log.Printf("[watcher] save prices: %v", err)
		w.failed(ReasonSave)
	}
	for _, t := range ticks {
		w.handler.HandleTick(ctx, t)
	}
}

func (w *Watcher) failed(reason string) {
	if w.OnPollError != nil {
		w.OnPollError(reason)
	}
}

// selectBatches takes up to n batches starting at idx, wrapping around
// without repeating one, and returns the next start index.
func selectBatches(all [][]string, idx, n int) ([][]string, int) {
	if n > len(all) {
		n = len(all)
	}
	out := make([][]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, all[(idx+i)%len(all)])
	}
	return out, (idx + n) % len(all)
}

func chunk(addrs []string, size int) [][]string {
	var out [][]string
	for len(addrs) > 0 {
		n := size
		if n > len(addrs) {
			n = len(addrs)
		}
		out = append(out, addrs[:n:n])
		addrs = addrs[n:]
	}
	if out == nil {
		out = [][]string{}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
