// Package indicator provides streaming technical indicators over completed bars.
//
// Every indicator keeps O(1) recurrence state and is updated once per bar.
// Bars for one instance must be fed in chronological order; an out-of-order
// bar silently corrupts the recurrence.
package indicator

import (
	"errors"

	"memecoin-sniper/internal/model"
)

var (
	// ErrInvalidLength is returned for a non-positive indicator length.
	ErrInvalidLength = errors.New("indicator length must be positive")

	// ErrInvalidSource is returned for an unknown EMA source.
	ErrInvalidSource = errors.New("unknown EMA source")
)

// Indicator is the interface for all streaming indicators.
type Indicator interface {
	// Kind returns the indicator family.
	Kind() model.IndicatorKind

	// Length returns the configured period.
	Length() int

	// Update feeds the next bar and returns the new value.
	Update(bar model.Bar) float64

	// Value returns the last value, or false before the first Update.
	Value() (float64, bool)
}
