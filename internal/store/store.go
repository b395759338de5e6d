// Package store holds what the storage backends share: sentinel errors and
// the list of per-token tables a purge clears.
package store

import "errors"

// ErrNotFound is returned by lookups of rows that do not exist.
var ErrNotFound = errors.New("not found")

// PurgeTables are the per-token tables emptied by PurgeToken, in delete
// order. The tokens table goes last; the blacklist is never purged.
var PurgeTables = []string{
	"prices",
	"ohlc_1m",
	"ema_1m",
	"atr_1m",
	"paper_positions",
	"paper_trades",
	"tokens",
}
