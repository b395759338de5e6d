// Package strategy runs paper-trading strategies against completed bars.
//
// A Strategy reacts to new-token and bar events and acts on the world only
// through an Env: historical bar lookup, position and trade persistence,
// blacklist, purge and alerts. The Engine dispatches every event to every
// registered strategy, isolating each (strategy, event) call so one failing
// strategy cannot block the others.
package strategy

import (
	"context"
	"fmt"
	"log"

	"memecoin-sniper/internal/model"
)

// Event names passed to Engine.OnError.
const (
	EventNewToken = "on_new_token"
	EventBar      = "on_bar"
	EventShutdown = "on_shutdown"
)

// Env is everything a strategy may touch outside its own state.
type Env interface {
	// RecentBars returns up to limit stored bars, most recent first. The bar
	// being evaluated has already been written when OnBar runs.
	RecentBars(ctx context.Context, token string, limit int) ([]model.Bar, error)

	SavePosition(ctx context.Context, pos model.Position) error
	LogTrade(ctx context.Context, rec model.TradeRecord) error

	// Blacklist records token as banned for reason.
	Blacklist(ctx context.Context, token, reason string) error
	IsBlacklisted(token string) bool

	// Purge drops every stored and in-memory trace of token.
	Purge(ctx context.Context, token string) error

	TokenMeta(ctx context.Context, token string) (model.Token, error)
	EmitAlert(ctx context.Context, title string, fields map[string]any)
}

// Strategy is the interface every paper-trading strategy implements.
type Strategy interface {
	// Name returns the unique name of the strategy.
	Name() string

	// OnNewToken is called once when a token passes discovery.
	OnNewToken(ctx context.Context, env Env, tok model.Token) error

	// OnBar is called for every completed bar with that bar's indicator rows.
	OnBar(ctx context.Context, env Env, ev model.BarEvent) error

	// OnShutdown is called once before the process exits.
	OnShutdown(ctx context.Context, env Env) error
}

// Forgetter is implemented by strategies that keep per-token memory.
type Forgetter interface {
	Forget(token string)
}

// Engine routes events to registered strategies.
type Engine struct {
	strategies []Strategy

	// OnError, if set, is called after a strategy returns an error or panics.
	OnError func(strategy, event string, err error)
}

// NewEngine creates an engine with the given strategies.
func NewEngine(strategies ...Strategy) *Engine {
	return &Engine{strategies: strategies}
}

// Register adds a strategy to the engine. Not safe to call while dispatching.
func (e *Engine) Register(s Strategy) {
	e.strategies = append(e.strategies, s)
}

// Names returns the registered strategy names in dispatch order.
func (e *Engine) Names() []string {
	names := make([]string, len(e.strategies))
	for i, s := range e.strategies {
		names[i] = s.Name()
	}
	return names
}

// DispatchNewToken calls OnNewToken on every strategy.
func (e *Engine) DispatchNewToken(ctx context.Context, env Env, tok model.Token) {
	for _, s := range e.strategies {
		e.call(s.Name(), EventNewToken, func() error { return s.OnNewToken(ctx, env, tok) })
	}
}

// DispatchBar calls OnBar on every strategy.
func (e *Engine) DispatchBar(ctx context.Context, env Env, ev model.BarEvent) {
	for _, s := range e.strategies {
		e.call(s.Name(), EventBar, func() error { return s.OnBar(ctx, env, ev) })
	}
}

// Forget releases token's per-token memory in every strategy that keeps some.
func (e *Engine) Forget(token string) {
	for _, s := range e.strategies {
		if f, ok := s.(Forgetter); ok {
			f.Forget(token)
		}
	}
}

// Shutdown calls OnShutdown on every strategy.
func (e *Engine) Shutdown(ctx context.Context, env Env) {
	for _, s := range e.strategies {
		e.call(s.Name(), EventShutdown, func() error { return s.OnShutdown(ctx, env) })
	}
}

func (e *Engine) call(name, event string, fn func() error) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = fn()
	}()
	if err == nil {
		return
	}
	log.Printf("[paper] %s %s error: %v", name, event, err)
	if e.OnError != nil {
		e.OnError(name, event, err)
	}
}
