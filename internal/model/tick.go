package model

import "time"

// PriceTick is one polled quote for a token. Price, FDV and MarketCap are nil
// when the upstream quote did not carry a parsable value.
type PriceTick struct {
	Token     string    `json:"token"`
	Price     *float64  `json:"price_usd"`
	FDV       *float64  `json:"fdv_usd"`       // fully diluted valuation
	MarketCap *float64  `json:"marketcap_usd"` // market cap
	TS        time.Time `json:"ts"`            // zero = aggregator clock
}

// Float returns a pointer to v. Used to build ticks and bars with optional fields.
func Float(v float64) *float64 {
	return &v
}
