// Package memory is an in-process Store used by tests and STORE_DRIVER=memory.
// Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"memecoin-sniper/internal/model"
	"memecoin-sniper/internal/store"
)

// Store implements model.Store with maps under one mutex.
type Store struct {
	mu sync.RWMutex

	tokens    map[string]model.Token
	prices    map[string]model.PriceTick
	bars      map[string]map[int64]model.Bar // token → window_start → bar
	ema       map[string][]model.IndicatorRow
	atr       map[string][]model.IndicatorRow
	positions map[string]model.Position
	trades    map[string][]model.TradeRecord
	blacklist map[string]model.BlacklistEntry

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		tokens:    make(map[string]model.Token),
		prices:    make(map[string]model.PriceTick),
		bars:      make(map[string]map[int64]model.Bar),
		ema:       make(map[string][]model.IndicatorRow),
		atr:       make(map[string][]model.IndicatorRow),
		positions: make(map[string]model.Position),
		trades:    make(map[string][]model.TradeRecord),
		blacklist: make(map[string]model.BlacklistEntry),
		now:       time.Now,
	}
}

// SetClock replaces the store clock.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) SaveBar(_ context.Context, b model.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.bars[b.Token]
	if !ok {
		m = make(map[int64]model.Bar)
		s.bars[b.Token] = m
	}
	m[b.WindowStart] = b
	return nil
}

func (s *Store) RecentBars(_ context.Context, token string, limit int) ([]model.Bar, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.bars[token]
	out := make([]model.Bar, 0, len(m))
	for _, b := range m {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowStart > out[j].WindowStart })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// IndicatorRows returns the stored EMA and ATR rows of a token.
func (s *Store) IndicatorRows(token string) (ema, atr []model.IndicatorRow) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.IndicatorRow(nil), s.ema[token]...), append([]model.IndicatorRow(nil), s.atr[token]...)
}

func (s *Store) SaveIndicatorRows(_ context.Context, ema, atr []model.IndicatorRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range ema {
		s.ema[r.Token] = append(s.ema[r.Token], r)
	}
	for _, r := range atr {
		s.atr[r.Token] = append(s.atr[r.Token], r)
	}
	return nil
}

func (s *Store) UpsertToken(_ context.Context, t model.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC().Truncate(time.Second)
	if prev, ok := s.tokens[t.Token]; ok {
		t.CreatedAt = prev.CreatedAt
	} else if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.LastSeen = now
	t.RiskReport = append([]byte(nil), t.RiskReport...)
	s.tokens[t.Token] = t
	return nil
}

func (s *Store) TokenMeta(_ context.Context, token string) (model.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.tokens[token]
	if !ok {
		return model.Token{}, fmt.Errorf("token %s: %w", token, store.ErrNotFound)
	}
	return row, nil
}

func (s *Store) WatchableTokens(_ context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	rows := make([]model.Token, 0, len(s.tokens))
	for addr, row := range s.tokens {
		if _, banned := s.blacklist[addr]; !banned {
			rows = append(rows, row)
		}
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].LastSeen.Equal(rows[j].LastSeen) {
			return rows[i].LastSeen.After(rows[j].LastSeen)
		}
		return rows[i].Token < rows[j].Token
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Token
	}
	return out, nil
}

func (s *Store) SavePrices(_ context.Context, ticks []model.PriceTick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range ticks {
		s.prices[t.Token] = t
	}
	return nil
}

// Price returns the latest stored price snapshot of a token.
func (s *Store) Price(token string) (model.PriceTick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.prices[token]
	return t, ok
}

func (s *Store) PruneStaleTokens(_ context.Context, before time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for addr, row := range s.tokens {
		if row.LastSeen.Before(before.Truncate(time.Second)) {
			delete(s.tokens, addr)
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) SavePosition(_ context.Context, p model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Status == "" {
		p.Status = model.StatusFlat
	}
	s.positions[p.Token] = p
	return nil
}

func (s *Store) Position(_ context.Context, token string) (model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[token]
	if !ok {
		return model.Position{}, fmt.Errorf("position %s: %w", token, store.ErrNotFound)
	}
	return p, nil
}

func (s *Store) LogTrade(_ context.Context, t model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[t.Token] = append(s.trades[t.Token], t)
	return nil
}

func (s *Store) Trades(_ context.Context, token string) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.TradeRecord(nil), s.trades[token]...), nil
}

func (s *Store) AddBlacklist(_ context.Context, e model.BlacklistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC().Truncate(time.Second)
	}
	s.blacklist[e.Token] = e
	return nil
}

func (s *Store) Blacklisted(_ context.Context) ([]model.BlacklistEntry, error) {
	s.mu.RLock()
	out := make([]model.BlacklistEntry, 0, len(s.blacklist))
	for _, e := range s.blacklist {
		out = append(out, e)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Token < out[j].Token
	})
	return out, nil
}

func (s *Store) PurgeToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prices, token)
	delete(s.bars, token)
	delete(s.ema, token)
	delete(s.atr, token)
	delete(s.positions, token)
	delete(s.trades, token)
	delete(s.tokens, token)
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }
