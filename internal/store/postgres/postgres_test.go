package postgres

import (
	"context"
	"os"
	"testing"

	"memecoin-sniper/internal/store/storetest"
)

// Set SNIPER_TEST_POSTGRES_DSN to run against a disposable database.
// Every subtest truncates all tables.
func TestStoreSuite(t *testing.T) {
	dsn := os.Getenv("SNIPER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SNIPER_TEST_POSTGRES_DSN not set")
	}

	storetest.Run(t, func(t *testing.T) storetest.Store {
		ctx := context.Background()
		s, err := Open(ctx, dsn)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		_, err = s.pool.Exec(ctx, `TRUNCATE tokens, prices, ohlc_1m, ema_1m, atr_1m,
			paper_blacklist, paper_positions, paper_trades RESTART IDENTITY`)
		if err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}
