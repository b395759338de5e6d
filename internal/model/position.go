package model

// PositionStatus is the paper position sub-state of a token.
type PositionStatus string

const (
	StatusFlat  PositionStatus = "flat"
	StatusLong  PositionStatus = "long"
	StatusEnded PositionStatus = "ended"
)

// Position is the single paper position slot of a token.
type Position struct {
	Token            string         `json:"token"`
	Status           PositionStatus `json:"status"`
	EntryWindowStart int64          `json:"entry_ts"`
	EntryPrice       float64        `json:"entry_price"`
	StopPrice        float64        `json:"stop_price"`
	BreakevenPrice   *float64       `json:"breakeven_price"`
	HighSinceEntry   float64        `json:"high_since_entry"`
	HalfSold         bool           `json:"half_sold"`
	EntryMarketCap   *float64       `json:"entry_marketcap_usd"`
}

// Flat reports whether a new entry may be evaluated for this slot.
func (p *Position) Flat() bool {
	return p.Status == "" || p.Status == StatusFlat || p.Status == StatusEnded
}

// PnLPct returns the realized return in percent at exit price px.
func (p *Position) PnLPct(px float64) (float64, bool) {
	if p.EntryPrice == 0 {
		return 0, false
	}
	return (px/p.EntryPrice - 1.0) * 100.0, true
}
