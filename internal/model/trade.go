package model

// TradeSide is the side of a paper fill.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// TradeRecord is one paper fill in the trade log.
// Qty is the fraction of the position (1 = full, 0.5 = half).
type TradeRecord struct {
	Token       string    `json:"address"`
	Side        TradeSide `json:"side"`
	Qty         float64   `json:"qty"`
	Price       float64   `json:"price"`
	WindowStart int64     `json:"ts_start"`
	Note        string    `json:"note"`
}
