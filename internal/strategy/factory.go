package strategy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownStrategy is returned for a strategy name with no constructor.
var ErrUnknownStrategy = errors.New("unknown strategy")

// Params are the tunables shared by the built-in strategies.
type Params struct {
	Lookback int     // bars before the current one scanned for the breakout high
	ATRK     float64 // ATR stop multiplier
	TrailPct float64 // percentage trailing stop, 0.20 = 20% below the high
}

// DefaultParams returns the stock tunables.
func DefaultParams() Params {
	return Params{Lookback: 3, ATRK: 2, TrailPct: 0.20}
}

// Constructor builds a strategy from params.
type Constructor func(Params) (Strategy, error)

var constructors = map[string]Constructor{
	EarlyMomentumName: func(p Params) (Strategy, error) { return NewEarlyMomentum(p) },
}

// Available returns the names New accepts, sorted.
func Available() []string {
	names := make([]string, 0, len(constructors))
	for n := range constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New builds the strategy registered under name.
func New(name string, p Params) (Strategy, error) {
	ctor, ok := constructors[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("%q (have %s): %w", name, strings.Join(Available(), ","), ErrUnknownStrategy)
	}
	return ctor(p)
}

// Build creates one strategy per name, in order. Blank names are skipped.
func Build(names []string, p Params) ([]Strategy, error) {
	out := make([]Strategy, 0, len(names))
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		s, err := New(n, p)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
