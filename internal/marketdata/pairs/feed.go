// Package pairs streams newly created Solana trading pairs from a
// SolanaStreaming-compatible JSON-RPC websocket.
package pairs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"memecoin-sniper/internal/model"
)

const DefaultURL = "wss://api.solanastreaming.com/"

// Config configures the new-pair feed.
type Config struct {
	URL    string
	APIKey string
	// DEXes lists the allowed source exchanges (case-insensitive). Empty allows all.
	DEXes []string

	Heartbeat      time.Duration // default 30s
	ReconnectDelay time.Duration // default 5s
	WriteTimeout   time.Duration // default 10s
}

// Feed is a reconnecting new-pair websocket client.
type Feed struct {
	cfg     Config
	allowed map[string]bool

	// Optional hooks for metrics and health.
	OnConnect    func()
	OnDisconnect func(err error)
	OnPair       func(p model.NewPair, accepted bool)
}

// New creates a feed; missing durations take their defaults.
func New(cfg Config) *Feed {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	allowed := make(map[string]bool, len(cfg.DEXes))
	for _, d := range cfg.DEXes {
		allowed[strings.ToLower(strings.TrimSpace(d))] = true
	}
	return &Feed{cfg: cfg, allowed: allowed}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Method  string `json:"method,omitempty"`
	Params  any    `json:"params,omitempty"`
	Result  any    `json:"result,omitempty"`
}

type message struct {
	ID        json.RawMessage `json:"id"`
	Method    string          `json:"method"`
	Signature string          `json:"signature"`
	Pair      *pairPayload    `json:"pair"`
	Result    *struct {
		Message        string `json:"message"`
		SubscriptionID any    `json:"subscription_id"`
	} `json:"result"`
}

type pairPayload struct {
	SourceExchange string `json:"sourceExchange"`
	BaseToken      struct {
		Account string `json:"account"`
		Info    *struct {
			Metadata *struct {
				Name   string `json:"name"`
				Symbol string `json:"symbol"`
			} `json:"metadata"`
		} `json:"info"`
	} `json:"baseToken"`
}

// Run connects, subscribes and forwards allowed pairs to out until ctx is
// cancelled, reconnecting after ReconnectDelay on any error.
func (f *Feed) Run(ctx context.Context, out chan<- model.NewPair) error {
	for {
		err := f.listen(ctx, out)
		if ctx.Err() != nil {
			return nil
		}
		log.Printf("[pairs] connection lost: %v, reconnecting in %s", err, f.cfg.ReconnectDelay)
		if f.OnDisconnect != nil {
			f.OnDisconnect(err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(f.cfg.ReconnectDelay):
		}
	}
}

func (f *Feed) listen(ctx context.Context, out chan<- model.NewPair) error {
	header := http.Header{}
	if f.cfg.APIKey != "" {
		header.Set("X-API-KEY", f.cfg.APIKey)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
		return conn.WriteJSON(v)
	}

	sub := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "newPairSubscribe",
		Params:  map[string]bool{"include_pumpfun": true},
	}
	if err := write(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	log.Printf("[pairs] connected to %s, subscribed to new pairs", f.cfg.URL)
	if f.OnConnect != nil {
		f.OnConnect()
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()
	go f.heartbeat(connCtx, write)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("[pairs] invalid JSON: %.100s", raw)
			continue
		}

		if msg.Method == "ping" {
			if err := write(rpcRequest{JSONRPC: "2.0", ID: msg.ID, Result: "pong"}); err != nil {
				return fmt.Errorf("pong: %w", err)
			}
			continue
		}

		if np, ok := parsePair(&msg); ok {
			accepted := f.allows(np.Venue)
			if f.OnPair != nil {
				f.OnPair(np, accepted)
			}
			if !accepted {
				continue
			}
			log.Printf("[pairs] new coin: %s (%s) mint=%s dex=%s", np.Name, np.Symbol, np.Mint, np.Venue)
			select {
			case out <- np:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if msg.Result != nil && msg.Result.Message != "" {
			log.Printf("[pairs] %s (subscription %v)", msg.Result.Message, msg.Result.SubscriptionID)
		}
	}
}

func (f *Feed) heartbeat(ctx context.Context, write func(any) error) {
	ticker := time.NewTicker(f.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := write(rpcRequest{JSONRPC: "2.0", ID: 999, Method: "heartbeat"}); err != nil {
				log.Printf("[pairs] heartbeat error: %v", err)
				return
			}
		}
	}
}

func (f *Feed) allows(dex string) bool {
	return len(f.allowed) == 0 || f.allowed[strings.ToLower(dex)]
}

// parsePair extracts a new pair from a notification carrying both a pair
// and a signature.
func parsePair(msg *message) (model.NewPair, bool) {
	if msg.Pair == nil || msg.Signature == "" {
		return model.NewPair{}, false
	}
	p := msg.Pair
	np := model.NewPair{
		Mint:      p.BaseToken.Account,
		Name:      "Unknown",
		Venue:     p.SourceExchange,
		Signature: msg.Signature,
	}
	if np.Venue == "" {
		np.Venue = "unknown"
	}
	if info := p.BaseToken.Info; info != nil && info.Metadata != nil {
		if info.Metadata.Name != "" {
			np.Name = info.Metadata.Name
		}
		np.Symbol = info.Metadata.Symbol
	}
	return np, np.Mint != ""
}
