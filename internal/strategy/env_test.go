package strategy

import (
	"context"
	"fmt"
	"sync"

	"memecoin-sniper/internal/model"
	"memecoin-sniper/internal/store"
)

type alert struct {
	title  string
	fields map[string]any
}

// fakeEnv is an in-memory Env recording every side effect.
type fakeEnv struct {
	mu        sync.Mutex
	bars      map[string][]model.Bar // oldest first
	positions []model.Position
	trades    []model.TradeRecord
	blacklist map[string]string
	purged    []string
	alerts    []alert
	meta      map[string]model.Token

	blacklistErr error
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{
		bars:      make(map[string][]model.Bar),
		blacklist: make(map[string]string),
		meta:      make(map[string]model.Token),
	}
}

func (f *fakeEnv) addBar(b model.Bar) {
	f.mu.Lock()
	f.bars[b.Token] = append(f.bars[b.Token], b)
	f.mu.Unlock()
}

func (f *fakeEnv) RecentBars(_ context.Context, token string, limit int) ([]model.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := f.bars[token]
	out := make([]model.Bar, 0, limit)
	for i := len(src) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, src[i])
	}
	return out, nil
}

func (f *fakeEnv) SavePosition(_ context.Context, pos model.Position) error {
	f.mu.Lock()
	f.positions = append(f.positions, pos)
	f.mu.Unlock()
	return nil
}

func (f *fakeEnv) LogTrade(_ context.Context, rec model.TradeRecord) error {
	f.mu.Lock()
	f.trades = append(f.trades, rec)
	f.mu.Unlock()
	return nil
}

func (f *fakeEnv) Blacklist(_ context.Context, token, reason string) error {
	if f.blacklistErr != nil {
		return f.blacklistErr
	}
	f.mu.Lock()
	f.blacklist[token] = reason
	f.mu.Unlock()
	return nil
}

func (f *fakeEnv) IsBlacklisted(token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blacklist[token]
	return ok
}

func (f *fakeEnv) Purge(_ context.Context, token string) error {
	f.mu.Lock()
	f.purged = append(f.purged, token)
	delete(f.bars, token)
	f.mu.Unlock()
	return nil
}

func (f *fakeEnv) TokenMeta(_ context.Context, token string) (model.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.meta[token]
	if !ok {
		return model.Token{}, fmt.Errorf("token %s: %w", token, store.ErrNotFound)
	}
	return t, nil
}

func (f *fakeEnv) EmitAlert(_ context.Context, title string, fields map[string]any) {
	f.mu.Lock()
	f.alerts = append(f.alerts, alert{title: title, fields: fields})
	f.mu.Unlock()
}

func (f *fakeEnv) alertTitles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.alerts))
	for i, a := range f.alerts {
		out[i] = a.title
	}
	return out
}
