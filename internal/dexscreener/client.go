// Package dexscreener fetches token price quotes from the DexScreener API.
package dexscreener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"memecoin-sniper/internal/model"
)

const DefaultBaseURL = "https://api.dexscreener.com"

// ErrRateLimited is returned when the API answers HTTP 429.
var ErrRateLimited = errors.New("dexscreener: rate limited")

// Client is a DexScreener HTTP client.
type Client struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// New creates a client. An empty baseURL uses DefaultBaseURL.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,
	}
}

type tokensResponse struct {
	Pairs []pair `json:"pairs"`
}

type pair struct {
	ChainID     string    `json:"chainId"`
	DexID       string    `json:"dexId"`
	PairAddress string    `json:"pairAddress"`
	BaseToken   baseToken `json:"baseToken"`
	PriceUsd    flexFloat `json:"priceUsd"`
	FDV         flexFloat `json:"fdv"`
	MarketCap   flexFloat `json:"marketCap"`
	Liquidity   struct {
		Usd flexFloat `json:"usd"`
	} `json:"liquidity"`
}

type baseToken struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

// flexFloat decodes a number or a numeric string. Anything else leaves it unset.
type flexFloat struct {
	v  float64
	ok bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	f.v, f.ok = v, true
	return nil
}

func (f flexFloat) ptr() *float64 {
	if !f.ok {
		return nil
	}
	return model.Float(f.v)
}

// FetchTokens requests quotes for up to 30 addresses in one call and
// returns one tick per base token, taken from its highest-liquidity pair.
// Tokens without any pair are absent from the result.
func (c *Client) FetchTokens(ctx context.Context, addrs []string) ([]model.PriceTick, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	url := fmt.Sprintf("%s/latest/dex/tokens/%s", c.baseURL, strings.Join(addrs, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dexscreener: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dexscreener: get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("dexscreener: unexpected status %d: %s", resp.StatusCode, body)
	}

	var out tokensResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("dexscreener: decode: %w", err)
	}
	return bestTicks(out.Pairs, c.now()), nil
}

// bestTicks keeps the highest-liquidity pair of each base token, in first-seen order.
func bestTicks(pairs []pair, ts time.Time) []model.PriceTick {
	best := make(map[string]pair, len(pairs))
	var order []string
	for _, p := range pairs {
		base := p.BaseToken.Address
		if base == "" {
			continue
		}
		cur, ok := best[base]
		if !ok {
			order = append(order, base)
			best[base] = p
			continue
		}
		if cur.Liquidity.Usd.v < p.Liquidity.Usd.v {
			best[base] = p
		}
	}

	ticks := make([]model.PriceTick, 0, len(order))
	for _, addr := range order {
		p := best[addr]
		ticks = append(ticks, model.PriceTick{
			Token:     addr,
			Price:     p.PriceUsd.ptr(),
			FDV:       p.FDV.ptr(),
			MarketCap: p.MarketCap.ptr(),
			TS:        ts,
		})
	}
	return ticks
}
