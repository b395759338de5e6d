// Package sqlite is the default Store: one WAL-mode SQLite file holding
// tokens, price snapshots, bars, indicator rows and paper-trading state.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the SQLite store.
type Config struct {
	Path string // database file, e.g. "data/memecoin_sniper.db"
}

// Store implements model.Store on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Open opens (creating if needed) the database and applies the schema.
func Open(cfg Config) (*Store, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=off")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer connection; WAL lets readers proceed alongside it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.Path)
	return &Store{db: db, now: time.Now}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tokens (
			address    TEXT    PRIMARY KEY,
			name       TEXT,
			symbol     TEXT,
			dex        TEXT,
			risk       INTEGER,
			signature  TEXT,
			rc_json    TEXT    NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			last_seen  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tokens_seen ON tokens(last_seen);

		CREATE TABLE IF NOT EXISTS prices (
			address       TEXT    PRIMARY KEY,
			price_usd     REAL,
			fdv_usd       REAL,
			marketcap_usd REAL,
			updated_at    INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS ohlc_1m (
			address       TEXT    NOT NULL,
			ts_start      INTEGER NOT NULL,
			open          REAL    NOT NULL,
			high          REAL    NOT NULL,
			low           REAL    NOT NULL,
			close         REAL    NOT NULL,
			fdv_usd       REAL,
			marketcap_usd REAL,
			samples       INTEGER NOT NULL,
			PRIMARY KEY (address, ts_start)
		);

		CREATE TABLE IF NOT EXISTS ema_1m (
			address  TEXT    NOT NULL,
			ts_start INTEGER NOT NULL,
			length   INTEGER NOT NULL,
			source   TEXT    NOT NULL,
			value    REAL    NOT NULL,
			PRIMARY KEY (address, ts_start, length, source)
		);

		CREATE TABLE IF NOT EXISTS atr_1m (
			address  TEXT    NOT NULL,
			ts_start INTEGER NOT NULL,
			length   INTEGER NOT NULL,
			value    REAL    NOT NULL,
			PRIMARY KEY (address, ts_start, length)
		);

		CREATE TABLE IF NOT EXISTS paper_blacklist (
			address    TEXT    PRIMARY KEY,
			reason     TEXT,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS paper_positions (
			address             TEXT    PRIMARY KEY,
			status              TEXT    NOT NULL,
			entry_ts            INTEGER,
			entry_price         REAL,
			stop_price          REAL,
			breakeven_price     REAL,
			high_since_entry    REAL,
			half_sold           INTEGER NOT NULL DEFAULT 0,
			entry_marketcap_usd REAL,
			updated_at          INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS paper_trades (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			address    TEXT    NOT NULL,
			side       TEXT    NOT NULL,
			qty        REAL,
			price      REAL    NOT NULL,
			ts_start   INTEGER NOT NULL,
			note       TEXT,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_paper_trades_addr ON paper_trades(address);
	`)
	return err
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// SetClock replaces the store clock used for created_at, last_seen and updated_at.
func (s *Store) SetClock(now func() time.Time) { s.now = now }
