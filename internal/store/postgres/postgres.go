// Package postgres is the Store for deployments that share one database
// between several sniper processes or want server-side retention.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"memecoin-sniper/internal/model"
	"memecoin-sniper/internal/store"
)

// Compile-time interface check.
var _ model.Store = (*Store)(nil)

// Store implements model.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Open connects, verifies the connection and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}

	log.Printf("[postgres] connected to %s/%s", config.ConnConfig.Host, config.ConnConfig.Database)
	return &Store{pool: pool, now: time.Now}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS tokens (
	address    TEXT PRIMARY KEY,
	name       TEXT,
	symbol     TEXT,
	dex        TEXT,
	risk       INTEGER,
	signature  TEXT,
	rc_json    JSONB  NOT NULL DEFAULT '{}',
	created_at BIGINT NOT NULL,
	last_seen  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tokens_seen ON tokens(last_seen);

CREATE TABLE IF NOT EXISTS prices (
	address       TEXT PRIMARY KEY,
	price_usd     DOUBLE PRECISION,
	fdv_usd       DOUBLE PRECISION,
	marketcap_usd DOUBLE PRECISION,
	updated_at    BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS ohlc_1m (
	address       TEXT             NOT NULL,
	ts_start      BIGINT           NOT NULL,
	open          DOUBLE PRECISION NOT NULL,
	high          DOUBLE PRECISION NOT NULL,
	low           DOUBLE PRECISION NOT NULL,
	close         DOUBLE PRECISION NOT NULL,
	fdv_usd       DOUBLE PRECISION,
	marketcap_usd DOUBLE PRECISION,
	samples       INTEGER          NOT NULL,
	PRIMARY KEY (address, ts_start)
);

CREATE TABLE IF NOT EXISTS ema_1m (
	address  TEXT             NOT NULL,
	ts_start BIGINT           NOT NULL,
	length   INTEGER          NOT NULL,
	source   TEXT             NOT NULL,
	value    DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (address, ts_start, length, source)
);

CREATE TABLE IF NOT EXISTS atr_1m (
	address  TEXT             NOT NULL,
	ts_start BIGINT           NOT NULL,
	length   INTEGER          NOT NULL,
	value    DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (address, ts_start, length)
);

CREATE TABLE IF NOT EXISTS paper_blacklist (
	address    TEXT PRIMARY KEY,
	reason     TEXT,
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS paper_positions (
	address             TEXT PRIMARY KEY,
	status              TEXT    NOT NULL,
	entry_ts            BIGINT,
	entry_price         DOUBLE PRECISION,
	stop_price          DOUBLE PRECISION,
	breakeven_price     DOUBLE PRECISION,
	high_since_entry    DOUBLE PRECISION,
	half_sold           BOOLEAN NOT NULL DEFAULT FALSE,
	entry_marketcap_usd DOUBLE PRECISION,
	updated_at          BIGINT  NOT NULL
);

CREATE TABLE IF NOT EXISTS paper_trades (
	id         BIGSERIAL PRIMARY KEY,
	address    TEXT             NOT NULL,
	side       TEXT             NOT NULL,
	qty        DOUBLE PRECISION,
	price      DOUBLE PRECISION NOT NULL,
	ts_start   BIGINT           NOT NULL,
	note       TEXT,
	created_at BIGINT           NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_paper_trades_addr ON paper_trades(address);
`

// SetClock replaces the store clock used for created_at, last_seen and updated_at.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Ping checks the pool.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ── bars ──

func (s *Store) SaveBar(ctx context.Context, b model.Bar) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ohlc_1m (address, ts_start, open, high, low, close, fdv_usd, marketcap_usd, samples)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (address, ts_start) DO UPDATE SET
			open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low, close = EXCLUDED.close,
			fdv_usd = EXCLUDED.fdv_usd, marketcap_usd = EXCLUDED.marketcap_usd, samples = EXCLUDED.samples
	`, b.Token, b.WindowStart, b.Open, b.High, b.Low, b.Close, b.FDV, b.MarketCap, b.Samples)
	if err != nil {
		return fmt.Errorf("insert bar %s: %w", b.TraceKey(), err)
	}
	return nil
}

func (s *Store) RecentBars(ctx context.Context, token string, limit int) ([]model.Bar, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT ts_start, open, high, low, close, fdv_usd, marketcap_usd, samples
		FROM ohlc_1m WHERE address = $1
		ORDER BY ts_start DESC LIMIT $2
	`, token, limit)
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	bars := make([]model.Bar, 0, limit)
	for rows.Next() {
		b := model.Bar{Token: token}
		if err := rows.Scan(&b.WindowStart, &b.Open, &b.High, &b.Low, &b.Close, &b.FDV, &b.MarketCap, &b.Samples); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

func (s *Store) SaveIndicatorRows(ctx context.Context, ema, atr []model.IndicatorRow) error {
	if len(ema) == 0 && len(atr) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range ema {
		batch.Queue(`
			INSERT INTO ema_1m (address, ts_start, length, source, value) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (address, ts_start, length, source) DO UPDATE SET value = EXCLUDED.value
		`, r.Token, r.WindowStart, r.Length, string(r.Source), r.Value)
	}
	for _, r := range atr {
		batch.Queue(`
			INSERT INTO atr_1m (address, ts_start, length, value) VALUES ($1, $2, $3, $4)
			ON CONFLICT (address, ts_start, length) DO UPDATE SET value = EXCLUDED.value
		`, r.Token, r.WindowStart, r.Length, r.Value)
	}
	return s.sendBatch(ctx, batch, "indicator rows")
}

// sendBatch runs a batch inside one transaction.
func (s *Store) sendBatch(ctx context.Context, batch *pgx.Batch, what string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert %s: %w", what, err)
	}
	return tx.Commit(ctx)
}

// ── tokens ──

func (s *Store) UpsertToken(ctx context.Context, t model.Token) error {
	now := s.now().Unix()
	created := now
	if !t.CreatedAt.IsZero() {
		created = t.CreatedAt.Unix()
	}
	report := string(t.RiskReport)
	if report == "" {
		report = "{}"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tokens (address, name, symbol, dex, risk, signature, rc_json, created_at, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
		ON CONFLICT (address) DO UPDATE SET
			name = EXCLUDED.name, symbol = EXCLUDED.symbol, dex = EXCLUDED.dex,
			risk = EXCLUDED.risk, signature = EXCLUDED.signature,
			rc_json = EXCLUDED.rc_json, last_seen = EXCLUDED.last_seen
	`, t.Token, t.Name, t.Symbol, t.Venue, t.RiskScore, t.Signature, report, created, now)
	if err != nil {
		return fmt.Errorf("upsert token %s: %w", t.Token, err)
	}
	return nil
}

func (s *Store) TokenMeta(ctx context.Context, token string) (model.Token, error) {
	var (
		t                 model.Token
		name, sym, dex    *string
		sig               *string
		risk              *int32
		report            string
		created, lastSeen int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT address, name, symbol, dex, risk, signature, rc_json::text, created_at, last_seen
		FROM tokens WHERE address = $1
	`, token).Scan(&t.Token, &name, &sym, &dex, &risk, &sig, &report, &created, &lastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Token{}, fmt.Errorf("token %s: %w", token, store.ErrNotFound)
	}
	if err != nil {
		return model.Token{}, fmt.Errorf("read token %s: %w", token, err)
	}
	t.Name, t.Symbol, t.Venue, t.Signature = deref(name), deref(sym), deref(dex), deref(sig)
	if risk != nil {
		t.RiskScore = int(*risk)
	}
	t.RiskReport = []byte(report)
	t.CreatedAt = time.Unix(created, 0).UTC()
	t.LastSeen = time.Unix(lastSeen, 0).UTC()
	return t, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (s *Store) WatchableTokens(ctx context.Context, limit int) ([]string, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT address FROM tokens t
		WHERE NOT EXISTS (SELECT 1 FROM paper_blacklist b WHERE b.address = t.address)
		ORDER BY last_seen DESC, address
		LIMIT $1
	`, lim)
	if err != nil {
		return nil, fmt.Errorf("query watchable: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) SavePrices(ctx context.Context, ticks []model.PriceTick) error {
	if len(ticks) == 0 {
		return nil
	}
	now := s.now()
	batch := &pgx.Batch{}
	for _, t := range ticks {
		ts := t.TS
		if ts.IsZero() {
			ts = now
		}
		batch.Queue(`
			INSERT INTO prices (address, price_usd, fdv_usd, marketcap_usd, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (address) DO UPDATE SET
				price_usd = EXCLUDED.price_usd, fdv_usd = EXCLUDED.fdv_usd,
				marketcap_usd = EXCLUDED.marketcap_usd, updated_at = EXCLUDED.updated_at
		`, t.Token, t.Price, t.FDV, t.MarketCap, ts.Unix())
	}
	return s.sendBatch(ctx, batch, "prices")
}

func (s *Store) PruneStaleTokens(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `DELETE FROM tokens WHERE last_seen < $1 RETURNING address`, before.Unix())
	if err != nil {
		return nil, fmt.Errorf("prune tokens: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// ── paper trading ──

func (s *Store) SavePosition(ctx context.Context, p model.Position) error {
	status := p.Status
	if status == "" {
		status = model.StatusFlat
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO paper_positions
			(address, status, entry_ts, entry_price, stop_price, breakeven_price,
			 high_since_entry, half_sold, entry_marketcap_usd, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (address) DO UPDATE SET
			status = EXCLUDED.status, entry_ts = EXCLUDED.entry_ts,
			entry_price = EXCLUDED.entry_price, stop_price = EXCLUDED.stop_price,
			breakeven_price = EXCLUDED.breakeven_price, high_since_entry = EXCLUDED.high_since_entry,
			half_sold = EXCLUDED.half_sold, entry_marketcap_usd = EXCLUDED.entry_marketcap_usd,
			updated_at = EXCLUDED.updated_at
	`, p.Token, string(status), p.EntryWindowStart, p.EntryPrice, p.StopPrice, p.BreakevenPrice,
		p.HighSinceEntry, p.HalfSold, p.EntryMarketCap, s.now().Unix())
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", p.Token, err)
	}
	return nil
}

func (s *Store) Position(ctx context.Context, token string) (model.Position, error) {
	p := model.Position{Token: token}
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT status, entry_ts, entry_price, stop_price, breakeven_price,
		       high_since_entry, half_sold, entry_marketcap_usd
		FROM paper_positions WHERE address = $1
	`, token).Scan(&status, &p.EntryWindowStart, &p.EntryPrice, &p.StopPrice, &p.BreakevenPrice,
		&p.HighSinceEntry, &p.HalfSold, &p.EntryMarketCap)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Position{}, fmt.Errorf("position %s: %w", token, store.ErrNotFound)
	}
	if err != nil {
		return model.Position{}, fmt.Errorf("read position %s: %w", token, err)
	}
	p.Status = model.PositionStatus(status)
	return p, nil
}

func (s *Store) LogTrade(ctx context.Context, t model.TradeRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO paper_trades (address, side, qty, price, ts_start, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.Token, string(t.Side), t.Qty, t.Price, t.WindowStart, t.Note, s.now().Unix())
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.Token, err)
	}
	return nil
}

func (s *Store) Trades(ctx context.Context, token string) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT side, qty, price, ts_start, note FROM paper_trades
		WHERE address = $1 ORDER BY id
	`, token)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []model.TradeRecord
	for rows.Next() {
		r := model.TradeRecord{Token: token}
		var side string
		if err := rows.Scan(&side, &r.Qty, &r.Price, &r.WindowStart, &r.Note); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		r.Side = model.TradeSide(side)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) AddBlacklist(ctx context.Context, e model.BlacklistEntry) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO paper_blacklist (address, reason, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE SET reason = EXCLUDED.reason, created_at = EXCLUDED.created_at
	`, e.Token, e.Reason, created.Unix())
	if err != nil {
		return fmt.Errorf("blacklist %s: %w", e.Token, err)
	}
	return nil
}

func (s *Store) Blacklisted(ctx context.Context) ([]model.BlacklistEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT address, reason, created_at FROM paper_blacklist ORDER BY created_at, address`)
	if err != nil {
		return nil, fmt.Errorf("query blacklist: %w", err)
	}
	defer rows.Close()

	var out []model.BlacklistEntry
	for rows.Next() {
		var (
			e      model.BlacklistEntry
			reason *string
			ts     int64
		)
		if err := rows.Scan(&e.Token, &reason, &ts); err != nil {
			return nil, fmt.Errorf("scan blacklist: %w", err)
		}
		e.Reason = deref(reason)
		e.CreatedAt = time.Unix(ts, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) PurgeToken(ctx context.Context, token string) error {
	batch := &pgx.Batch{}
	for _, table := range store.PurgeTables {
		batch.Queue("DELETE FROM "+table+" WHERE address = $1", token)
	}
	return s.sendBatch(ctx, batch, "purge "+token)
}
