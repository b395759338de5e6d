// Package agg turns a per-token stream of price samples into fixed-count,
// non-overlapping OHLC bars.
package agg

import (
	"sync"
	"time"

	"memecoin-sniper/internal/model"
)

// Drop reasons reported through OnDroppedSample.
const (
	DropNoPrice    = "no_price"
	DropOutOfOrder = "out_of_order"
)

// sample is one accepted price sample waiting in a token's open window.
type sample struct {
	ts    time.Time
	price float64
	fdv   *float64
	mc    *float64
}

// tokenBuffer holds the open window of one token.
type tokenBuffer struct {
	samples []sample
	lastTS  time.Time // timestamp of the last accepted sample, survives drains
}

// Aggregator builds one bar from every model.BarSamples accepted samples of a
// token. Tokens are fully independent; idle tokens keep their partial window
// indefinitely.
//
// Samples of one token must arrive with non-decreasing timestamps. A sample
// older than the previously accepted one is dropped rather than allowed to
// leak into a window it does not belong to.
type Aggregator struct {
	mu      sync.Mutex
	buffers map[string]*tokenBuffer

	now func() time.Time

	// OnDroppedSample is called (outside the lock) for every rejected sample.
	OnDroppedSample func(reason string)
	// OnAcceptedSample is called (outside the lock) for every counted sample.
	OnAcceptedSample func(token string)
}

// New creates an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{
		buffers: make(map[string]*tokenBuffer),
		now:     time.Now,
	}
}

// Add feeds one sample. It returns the completed bar and true when this
// sample is the model.BarSamples-th accepted sample since the last bar.
// A tick without a price is not counted and never completes a bar.
func (a *Aggregator) Add(tick model.PriceTick) (model.Bar, bool) {
	if tick.Price == nil {
		a.dropped(DropNoPrice)
		return model.Bar{}, false
	}

	ts := tick.TS
	if ts.IsZero() {
		ts = a.now()
	}

	a.mu.Lock()
	buf, ok := a.buffers[tick.Token]
	if !ok {
		buf = &tokenBuffer{samples: make([]sample, 0, model.BarSamples)}
		a.buffers[tick.Token] = buf
	}

	if !buf.lastTS.IsZero() && ts.Before(buf.lastTS) {
		a.mu.Unlock()
		a.dropped(DropOutOfOrder)
		return model.Bar{}, false
	}
	buf.lastTS = ts
	buf.samples = append(buf.samples, sample{ts: ts, price: *tick.Price, fdv: tick.FDV, mc: tick.MarketCap})

	if len(buf.samples) < model.BarSamples {
		a.mu.Unlock()
		a.accepted(tick.Token)
		return model.Bar{}, false
	}

	window := buf.samples[:model.BarSamples]
	bar := buildBar(tick.Token, window)
	// Anything beyond the window starts the next one.
	rest := make([]sample, 0, model.BarSamples)
	buf.samples = append(rest, buf.samples[model.BarSamples:]...)
	a.mu.Unlock()
	a.accepted(tick.Token)

	return bar, true
}

// Pending returns the number of samples in token's open window.
func (a *Aggregator) Pending(token string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if buf, ok := a.buffers[token]; ok {
		return len(buf.samples)
	}
	return 0
}

// Reset discards the open window of one token.
func (a *Aggregator) Reset(token string) {
	a.mu.Lock()
	delete(a.buffers, token)
	a.mu.Unlock()
}

// ResetAll discards every open window.
func (a *Aggregator) ResetAll() {
	a.mu.Lock()
	a.buffers = make(map[string]*tokenBuffer)
	a.mu.Unlock()
}

func (a *Aggregator) dropped(reason string) {
	if a.OnDroppedSample != nil {
		a.OnDroppedSample(reason)
	}
}

func (a *Aggregator) accepted(token string) {
	if a.OnAcceptedSample != nil {
		a.OnAcceptedSample(token)
	}
}

// buildBar folds a full window, oldest first, into a bar.
func buildBar(token string, window []sample) model.Bar {
	first := window[0]
	bar := model.Bar{
		Token:       token,
		WindowStart: first.ts.Unix() / 60 * 60,
		Open:        first.price,
		High:        first.price,
		Low:         first.price,
		Close:       window[len(window)-1].price,
		Samples:     len(window),
	}
	for _, s := range window {
		if s.price > bar.High {
			bar.High = s.price
		}
		if s.price < bar.Low {
			bar.Low = s.price
		}
		if s.fdv != nil {
			bar.FDV = model.Float(*s.fdv)
		}
		if s.mc != nil {
			bar.MarketCap = model.Float(*s.mc)
		}
	}
	return bar
}
