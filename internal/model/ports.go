package model

import (
	"context"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the bar pipeline from concrete storage
// implementations (SQLite, Postgres, memory).

// BarReader reads historical bars.
type BarReader interface {
	// RecentBars returns up to limit bars for token, most recent first.
	// Precondition: SaveBar for the bar being evaluated has returned before
	// RecentBars is called for it, so that bar is the head of the result.
	RecentBars(ctx context.Context, token string, limit int) ([]Bar, error)
}

// BarWriter persists bars and the indicator rows computed from them.
type BarWriter interface {
	// SaveBar inserts or replaces the bar keyed by (token, window_start).
	SaveBar(ctx context.Context, bar Bar) error

	// SaveIndicatorRows persists EMA and ATR rows of one bar.
	SaveIndicatorRows(ctx context.Context, ema, atr []IndicatorRow) error
}

// TokenStore persists discovered tokens and their latest price snapshot.
type TokenStore interface {
	UpsertToken(ctx context.Context, t Token) error
	// TokenMeta returns ErrNotFound-wrapped errors when the token is unknown.
	TokenMeta(ctx context.Context, token string) (Token, error)
	// WatchableTokens lists non-blacklisted tokens, most recently seen first.
	// limit <= 0 means no limit.
	WatchableTokens(ctx context.Context, limit int) ([]string, error)
	// SavePrices upserts the latest price snapshot of each tick's token.
	SavePrices(ctx context.Context, ticks []PriceTick) error
	// PruneStaleTokens deletes tokens last seen before the cutoff and
	// returns their addresses.
	PruneStaleTokens(ctx context.Context, before time.Time) ([]string, error)
}

// PaperStore persists paper-trading state.
type PaperStore interface {
	SavePosition(ctx context.Context, p Position) error
	// Position returns ErrNotFound-wrapped errors when no slot is stored.
	Position(ctx context.Context, token string) (Position, error)
	LogTrade(ctx context.Context, t TradeRecord) error
	// Trades returns a token's trade log in insertion order.
	Trades(ctx context.Context, token string) ([]TradeRecord, error)
	AddBlacklist(ctx context.Context, e BlacklistEntry) error
	Blacklisted(ctx context.Context) ([]BlacklistEntry, error)
	// PurgeToken removes every stored row of a token except its blacklist entry.
	PurgeToken(ctx context.Context, token string) error
}

// Store is the full persistence collaborator.
type Store interface {
	BarReader
	BarWriter
	TokenStore
	PaperStore

	Ping(ctx context.Context) error
	Close() error
}
