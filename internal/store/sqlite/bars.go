package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"memecoin-sniper/internal/model"
)

// SaveBar inserts or replaces the bar keyed by (token, window_start).
func (s *Store) SaveBar(ctx context.Context, b model.Bar) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO ohlc_1m
			(address, ts_start, open, high, low, close, fdv_usd, marketcap_usd, samples)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.Token, b.WindowStart, b.Open, b.High, b.Low, b.Close, b.FDV, b.MarketCap, b.Samples)
	if err != nil {
		return fmt.Errorf("sqlite insert bar %s: %w", b.TraceKey(), err)
	}
	return nil
}

// RecentBars returns up to limit bars of token, most recent first.
func (s *Store) RecentBars(ctx context.Context, token string, limit int) ([]model.Bar, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts_start, open, high, low, close, fdv_usd, marketcap_usd, samples
		FROM ohlc_1m
		WHERE address = ?
		ORDER BY ts_start DESC
		LIMIT ?
	`, token, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query ohlc_1m: %w", err)
	}
	defer rows.Close()

	bars := make([]model.Bar, 0, limit)
	for rows.Next() {
		b := model.Bar{Token: token}
		var fdv, mc sql.NullFloat64
		if err := rows.Scan(&b.WindowStart, &b.Open, &b.High, &b.Low, &b.Close, &fdv, &mc, &b.Samples); err != nil {
			return nil, fmt.Errorf("sqlite scan ohlc_1m: %w", err)
		}
		b.FDV = nullFloat(fdv)
		b.MarketCap = nullFloat(mc)
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// SaveIndicatorRows writes the EMA and ATR rows of one bar in a single transaction.
func (s *Store) SaveIndicatorRows(ctx context.Context, ema, atr []model.IndicatorRow) error {
	if len(ema) == 0 && len(atr) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	emaStmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO ema_1m (address, ts_start, length, source, value)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer emaStmt.Close()

	atrStmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO atr_1m (address, ts_start, length, value)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer atrStmt.Close()

	for _, r := range ema {
		if _, err := emaStmt.ExecContext(ctx, r.Token, r.WindowStart, r.Length, string(r.Source), r.Value); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite insert ema_1m: %w", err)
		}
	}
	for _, r := range atr {
		if _, err := atrStmt.ExecContext(ctx, r.Token, r.WindowStart, r.Length, r.Value); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite insert atr_1m: %w", err)
		}
	}
	return tx.Commit()
}
