package indicator

import (
	"fmt"
	"log"
	"sync"

	"memecoin-sniper/internal/model"
)

// Config is the process-wide indicator set shared by all tokens.
type Config struct {
	EMALengths []int
	EMASource  model.Source
	ATRLengths []int
}

// Validate rejects non-positive lengths and unknown sources.
func (c Config) Validate() error {
	for _, n := range c.EMALengths {
		if n <= 0 {
			return fmt.Errorf("ema length %d: %w", n, ErrInvalidLength)
		}
	}
	for _, n := range c.ATRLengths {
		if n <= 0 {
			return fmt.Errorf("atr length %d: %w", n, ErrInvalidLength)
		}
	}
	if !c.EMASource.Valid() {
		return fmt.Errorf("ema source %q: %w", c.EMASource, ErrInvalidSource)
	}
	return nil
}

// tokenIndicators holds live indicator instances for one token, in config order.
type tokenIndicators struct {
	mu  sync.Mutex
	ema []*EMA
	atr []*ATR
}

// Registry owns the indicator instances of every token. Instances are created
// lazily on a token's first bar and dropped on Reset.
//
// UpdateAllForBar for one token must not run concurrently with itself; calls
// for different tokens may run in parallel.
type Registry struct {
	cfg Config

	mu    sync.RWMutex
	state map[string]*tokenIndicators
}

// NewRegistry creates a registry for the given indicator set.
func NewRegistry(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		cfg:   cfg,
		state: make(map[string]*tokenIndicators, 64),
	}, nil
}

// Config returns the registry's indicator set.
func (r *Registry) Config() Config { return r.cfg }

// UpdateAllForBar updates every configured instance of bar's token and returns
// one row per instance, in configured length order.
func (r *Registry) UpdateAllForBar(bar model.Bar) (emaRows, atrRows []model.IndicatorRow) {
	ti := r.ensure(bar.Token)

	ti.mu.Lock()
	defer ti.mu.Unlock()

	emaRows = make([]model.IndicatorRow, 0, len(ti.ema))
	for _, ema := range ti.ema {
		emaRows = append(emaRows, model.IndicatorRow{
			Token:       bar.Token,
			WindowStart: bar.WindowStart,
			Kind:        model.KindEMA,
			Length:      ema.Length(),
			Source:      ema.Source(),
			Value:       ema.Update(bar),
		})
	}

	atrRows = make([]model.IndicatorRow, 0, len(ti.atr))
	for _, atr := range ti.atr {
		atrRows = append(atrRows, model.IndicatorRow{
			Token:       bar.Token,
			WindowStart: bar.WindowStart,
			Kind:        model.KindATR,
			Length:      atr.Length(),
			Value:       atr.Update(bar),
		})
	}
	return emaRows, atrRows
}

// Value returns the last value of one instance, or false if the token or
// instance is unknown or has not seen a bar yet.
func (r *Registry) Value(token string, kind model.IndicatorKind, length int) (float64, bool) {
	r.mu.RLock()
	ti, ok := r.state[token]
	r.mu.RUnlock()
	if !ok {
		return 0, false
	}

	ti.mu.Lock()
	defer ti.mu.Unlock()
	switch kind {
	case model.KindEMA:
		for _, ema := range ti.ema {
			if ema.Length() == length {
				return ema.Value()
			}
		}
	case model.KindATR:
		for _, atr := range ti.atr {
			if atr.Length() == length {
				return atr.Value()
			}
		}
	}
	return 0, false
}

// Reset drops all instances of one token.
func (r *Registry) Reset(token string) {
	r.mu.Lock()
	delete(r.state, token)
	r.mu.Unlock()
}

// ResetAll drops all instances of every token.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	r.state = make(map[string]*tokenIndicators, 64)
	r.mu.Unlock()
	log.Println("[registry] all indicator state cleared")
}

// Tokens returns the number of tokens with live indicator state.
func (r *Registry) Tokens() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.state)
}

// ensure returns the token's instances, creating them on first encounter.
func (r *Registry) ensure(token string) *tokenIndicators {
	r.mu.RLock()
	ti, ok := r.state[token]
	r.mu.RUnlock()
	if ok {
		return ti
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ti, ok := r.state[token]; ok {
		return ti
	}
	ti = &tokenIndicators{
		ema: make([]*EMA, 0, len(r.cfg.EMALengths)),
		atr: make([]*ATR, 0, len(r.cfg.ATRLengths)),
	}
	// Config was validated in NewRegistry, constructors cannot fail here.
	for _, n := range r.cfg.EMALengths {
		ema, _ := NewEMA(n, r.cfg.EMASource)
		ti.ema = append(ti.ema, ema)
	}
	for _, n := range r.cfg.ATRLengths {
		atr, _ := NewATR(n)
		ti.atr = append(ti.atr, atr)
	}
	r.state[token] = ti
	return ti
}
