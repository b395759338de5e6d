package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"memecoin-sniper/internal/model"
	"memecoin-sniper/internal/store"
)

// SavePosition upserts the position slot of a token.
func (s *Store) SavePosition(ctx context.Context, p model.Position) error {
	status := p.Status
	if status == "" {
		status = model.StatusFlat
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paper_positions
			(address, status, entry_ts, entry_price, stop_price, breakeven_price,
			 high_since_entry, half_sold, entry_marketcap_usd, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			status              = excluded.status,
			entry_ts            = excluded.entry_ts,
			entry_price         = excluded.entry_price,
			stop_price          = excluded.stop_price,
			breakeven_price     = excluded.breakeven_price,
			high_since_entry    = excluded.high_since_entry,
			half_sold           = excluded.half_sold,
			entry_marketcap_usd = excluded.entry_marketcap_usd,
			updated_at          = excluded.updated_at
	`, p.Token, string(status), p.EntryWindowStart, p.EntryPrice, p.StopPrice, p.BreakevenPrice,
		p.HighSinceEntry, p.HalfSold, p.EntryMarketCap, s.now().Unix())
	if err != nil {
		return fmt.Errorf("sqlite upsert position %s: %w", p.Token, err)
	}
	return nil
}

// Position loads the stored position slot of a token.
func (s *Store) Position(ctx context.Context, token string) (model.Position, error) {
	var (
		p        model.Position
		status   string
		be, emc  sql.NullFloat64
		halfSold int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT status, entry_ts, entry_price, stop_price, breakeven_price,
		       high_since_entry, half_sold, entry_marketcap_usd
		FROM paper_positions WHERE address = ?
	`, token).Scan(&status, &p.EntryWindowStart, &p.EntryPrice, &p.StopPrice, &be,
		&p.HighSinceEntry, &halfSold, &emc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Position{}, fmt.Errorf("position %s: %w", token, store.ErrNotFound)
	}
	if err != nil {
		return model.Position{}, fmt.Errorf("sqlite read position %s: %w", token, err)
	}
	p.Token = token
	p.Status = model.PositionStatus(status)
	p.BreakevenPrice = nullFloat(be)
	p.EntryMarketCap = nullFloat(emc)
	p.HalfSold = halfSold != 0
	return p, nil
}

// LogTrade appends one paper fill.
func (s *Store) LogTrade(ctx context.Context, t model.TradeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paper_trades (address, side, qty, price, ts_start, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.Token, string(t.Side), t.Qty, t.Price, t.WindowStart, t.Note, s.now().Unix())
	if err != nil {
		return fmt.Errorf("sqlite insert trade %s: %w", t.Token, err)
	}
	return nil
}

// Trades returns the trade log of a token in insertion order.
func (s *Store) Trades(ctx context.Context, token string) ([]model.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT side, qty, price, ts_start, note FROM paper_trades
		WHERE address = ? ORDER BY id
	`, token)
	if err != nil {
		return nil, fmt.Errorf("sqlite query trades: %w", err)
	}
	defer rows.Close()

	var out []model.TradeRecord
	for rows.Next() {
		r := model.TradeRecord{Token: token}
		var side string
		if err := rows.Scan(&side, &r.Qty, &r.Price, &r.WindowStart, &r.Note); err != nil {
			return nil, fmt.Errorf("sqlite scan trades: %w", err)
		}
		r.Side = model.TradeSide(side)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddBlacklist inserts or replaces a blacklist entry.
func (s *Store) AddBlacklist(ctx context.Context, e model.BlacklistEntry) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO paper_blacklist (address, reason, created_at) VALUES (?, ?, ?)
	`, e.Token, e.Reason, created.Unix())
	if err != nil {
		return fmt.Errorf("sqlite blacklist %s: %w", e.Token, err)
	}
	return nil
}

// Blacklisted returns every blacklist entry.
func (s *Store) Blacklisted(ctx context.Context) ([]model.BlacklistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address, reason, created_at FROM paper_blacklist ORDER BY created_at, address`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query blacklist: %w", err)
	}
	defer rows.Close()

	var out []model.BlacklistEntry
	for rows.Next() {
		var (
			e  model.BlacklistEntry
			ts int64
		)
		if err := rows.Scan(&e.Token, &e.Reason, &ts); err != nil {
			return nil, fmt.Errorf("sqlite scan blacklist: %w", err)
		}
		e.CreatedAt = time.Unix(ts, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeToken deletes every per-token row except the blacklist entry, atomically.
func (s *Store) PurgeToken(ctx context.Context, token string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, table := range store.PurgeTables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE address = ?", token); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite purge %s from %s: %w", token, table, err)
		}
	}
	return tx.Commit()
}
