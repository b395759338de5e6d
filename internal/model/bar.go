package model

import (
	"encoding/json"
	"strconv"
)

// BarSamples is the fixed number of accepted samples aggregated into one bar.
const BarSamples = 30

// Bar is a completed OHLC candle built from exactly BarSamples price samples.
// Invariant: Low <= min(Open, Close) <= max(Open, Close) <= High.
type Bar struct {
	Token       string   `json:"token"`
	WindowStart int64    `json:"ts_start"` // epoch seconds of the first sample, floored to 60s
	Open        float64  `json:"open"`
	High        float64  `json:"high"`
	Low         float64  `json:"low"`
	Close       float64  `json:"close"`
	FDV         *float64 `json:"fdv_usd"`       // last non-nil FDV in the window
	MarketCap   *float64 `json:"marketcap_usd"` // last non-nil market cap in the window
	Samples     int      `json:"samples"`
}

// StreamKey returns the Redis stream key: "bar:1m:{token}".
func (b *Bar) StreamKey() string {
	return "bar:1m:" + b.Token
}

// TraceKey identifies this bar in logs: "{token}@{window_start}".
func (b *Bar) TraceKey() string {
	return b.Token + "@" + strconv.FormatInt(b.WindowStart, 10)
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	data, _ := json.Marshal(b)
	return data
}

// BarEvent is a completed bar together with the indicator rows it produced.
type BarEvent struct {
	Bar Bar            `json:"bar"`
	EMA []IndicatorRow `json:"ema"`
	ATR []IndicatorRow `json:"atr"`
}
