package indicator

import (
	"math"

	"memecoin-sniper/internal/model"
)

// ATR calculates Average True Range with Wilder's smoothing.
// The first true range (high-low) seeds the average unsmoothed.
type ATR struct {
	length int

	prevATR   float64
	prevClose float64
	hasATR    bool
	hasClose  bool
}

// NewATR creates an ATR with the given length.
func NewATR(length int) (*ATR, error) {
	if length <= 0 {
		return nil, ErrInvalidLength
	}
	return &ATR{length: length}, nil
}

func (a *ATR) Kind() model.IndicatorKind { return model.KindATR }
func (a *ATR) Length() int               { return a.length }

func (a *ATR) Update(bar model.Bar) float64 {
	tr := bar.High - bar.Low
	if a.hasClose {
		tr = math.Max(tr, math.Max(math.Abs(bar.High-a.prevClose), math.Abs(bar.Low-a.prevClose)))
	}

	if !a.hasATR {
		a.prevATR = tr
		a.hasATR = true
	} else {
		n := float64(a.length)
		a.prevATR = (a.prevATR*(n-1) + tr) / n
	}

	a.prevClose = bar.Close
	a.hasClose = true
	return a.prevATR
}

func (a *ATR) Value() (float64, bool) { return a.prevATR, a.hasATR }
