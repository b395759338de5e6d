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

// UpsertToken inserts a discovered token or refreshes its metadata and last_seen.
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (address, name, symbol, dex, risk, signature, rc_json, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			name      = excluded.name,
			symbol    = excluded.symbol,
			dex       = excluded.dex,
			risk      = excluded.risk,
			signature = excluded.signature,
			rc_json   = excluded.rc_json,
			last_seen = excluded.last_seen
	`, t.Token, t.Name, t.Symbol, t.Venue, t.RiskScore, t.Signature, report, created, now)
	if err != nil {
		return fmt.Errorf("sqlite upsert token %s: %w", t.Token, err)
	}
	return nil
}

// TokenMeta loads one token record.
func (s *Store) TokenMeta(ctx context.Context, token string) (model.Token, error) {
	var (
		t                 model.Token
		name, sym, dex    sql.NullString
		sig               sql.NullString
		risk              sql.NullInt64
		report            string
		created, lastSeen int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT address, name, symbol, dex, risk, signature, rc_json, created_at, last_seen
		FROM tokens WHERE address = ?
	`, token).Scan(&t.Token, &name, &sym, &dex, &risk, &sig, &report, &created, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Token{}, fmt.Errorf("token %s: %w", token, store.ErrNotFound)
	}
	if err != nil {
		return model.Token{}, fmt.Errorf("sqlite read token %s: %w", token, err)
	}
	t.Name, t.Symbol, t.Venue, t.Signature = name.String, sym.String, dex.String, sig.String
	t.RiskScore = int(risk.Int64)
	t.RiskReport = []byte(report)
	t.CreatedAt = time.Unix(created, 0).UTC()
	t.LastSeen = time.Unix(lastSeen, 0).UTC()
	return t, nil
}

// WatchableTokens lists non-blacklisted tokens, most recently seen first.
func (s *Store) WatchableTokens(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT address FROM tokens
		WHERE address NOT IN (SELECT address FROM paper_blacklist)
		ORDER BY last_seen DESC, address
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query watchable: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("sqlite scan watchable: %w", err)
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

// SavePrices upserts the latest price snapshot of each tick in one transaction.
func (s *Store) SavePrices(ctx context.Context, ticks []model.PriceTick) error {
	if len(ticks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO prices (address, price_usd, fdv_usd, marketcap_usd, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			price_usd     = excluded.price_usd,
			fdv_usd       = excluded.fdv_usd,
			marketcap_usd = excluded.marketcap_usd,
			updated_at    = excluded.updated_at
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	now := s.now()
	for _, t := range ticks {
		ts := t.TS
		if ts.IsZero() {
			ts = now
		}
		if _, err := stmt.ExecContext(ctx, t.Token, t.Price, t.FDV, t.MarketCap, ts.Unix()); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite upsert price %s: %w", t.Token, err)
		}
	}
	return tx.Commit()
}

// PruneStaleTokens deletes token records last seen before the cutoff.
func (s *Store) PruneStaleTokens(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `DELETE FROM tokens WHERE last_seen < ? RETURNING address`, before.Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite prune tokens: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("sqlite scan pruned: %w", err)
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}
