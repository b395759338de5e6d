package model

import (
	"encoding/json"
	"strconv"
)

// IndicatorKind names a streaming indicator family.
type IndicatorKind string

const (
	KindEMA IndicatorKind = "ema"
	KindATR IndicatorKind = "atr"
)

// Source selects which bar price an EMA is computed over.
type Source string

const (
	SourceOpen  Source = "open"
	SourceHigh  Source = "high"
	SourceLow   Source = "low"
	SourceClose Source = "close"
	SourceHL2   Source = "hl2"
	SourceHLC3  Source = "hlc3"
	SourceOHLC4 Source = "ohlc4"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceOpen, SourceHigh, SourceLow, SourceClose, SourceHL2, SourceHLC3, SourceOHLC4:
		return true
	}
	return false
}

// Value extracts the source price from a bar.
func (s Source) Value(b Bar) float64 {
	switch s {
	case SourceOpen:
		return b.Open
	case SourceHigh:
		return b.High
	case SourceLow:
		return b.Low
	case SourceHL2:
		return (b.High + b.Low) / 2.0
	case SourceHLC3:
		return (b.High + b.Low + b.Close) / 3.0
	case SourceOHLC4:
		return (b.Open + b.High + b.Low + b.Close) / 4.0
	default:
		return b.Close
	}
}

// IndicatorRow is one indicator value produced for one bar.
// Source is empty for ATR rows.
type IndicatorRow struct {
	Token       string        `json:"token"`
	WindowStart int64         `json:"ts_start"`
	Kind        IndicatorKind `json:"kind"`
	Length      int           `json:"length"`
	Source      Source        `json:"source,omitempty"`
	Value       float64       `json:"value"`
}

// Name returns e.g. "ema_20" or "atr_14".
func (r *IndicatorRow) Name() string {
	return string(r.Kind) + "_" + strconv.Itoa(r.Length)
}

// StreamKey returns the Redis stream key: "ind:{name}:1m:{token}".
func (r *IndicatorRow) StreamKey() string {
	return "ind:" + r.Name() + ":1m:" + r.Token
}

// JSON returns the JSON-encoded row.
func (r *IndicatorRow) JSON() []byte {
	b, _ := json.Marshal(r)
	return b
}
