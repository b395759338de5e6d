package indicator

import "memecoin-sniper/internal/model"

// EMA calculates an Exponential Moving Average over a configurable bar source.
// The first update seeds the average with the source value itself.
type EMA struct {
	length int
	source model.Source
	alpha  float64

	prev   float64
	seeded bool
}

// NewEMA creates an EMA with alpha = 2/(length+1).
func NewEMA(length int, source model.Source) (*EMA, error) {
	if length <= 0 {
		return nil, ErrInvalidLength
	}
	if !source.Valid() {
		return nil, ErrInvalidSource
	}
	return &EMA{
		length: length,
		source: source,
		alpha:  2.0 / float64(length+1),
	}, nil
}

func (e *EMA) Kind() model.IndicatorKind { return model.KindEMA }
func (e *EMA) Length() int               { return e.length }
func (e *EMA) Source() model.Source      { return e.source }

func (e *EMA) Update(bar model.Bar) float64 {
	x := e.source.Value(bar)
	if !e.seeded {
		e.prev = x
		e.seeded = true
		return e.prev
	}
	e.prev = e.prev + e.alpha*(x-e.prev)
	return e.prev
}

func (e *EMA) Value() (float64, bool) { return e.prev, e.seeded }
