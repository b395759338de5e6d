// Package rugcheck looks up token risk scores from the RugCheck API.
package rugcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.rugcheck.xyz"

var (
	// ErrRateLimited is returned when every attempt was answered with HTTP 429.
	ErrRateLimited = errors.New("rugcheck: rate limited")
	// ErrNoReport means no report or score exists yet, which is normal for
	// tokens minted seconds ago.
	ErrNoReport = errors.New("rugcheck: no report")
)

// Report is a risk lookup result.
type Report struct {
	Score int
	Raw   []byte // report JSON as returned by the API
}

// Client is a RugCheck HTTP client.
type Client struct {
	baseURL string
	client  *http.Client
	retries int
	backoff time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a client with 2 retries and a 600ms linear backoff.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
		retries: 2,
		backoff: 600 * time.Millisecond,
		sleep:   sleepCtx,
	}
}

// WithRetries overrides the retry count and base backoff.
func (c *Client) WithRetries(n int, backoff time.Duration) *Client {
	c.retries = n
	c.backoff = backoff
	return c
}

type summary struct {
	ScoreNormalised *float64 `json:"score_normalised"`
	Score           *float64 `json:"score"`
	TrustScore      *struct {
		Value *float64 `json:"value"`
	} `json:"trustScore"`
}

// score picks score_normalised, then score, then trustScore.value.
func (s *summary) score() (int, bool) {
	switch {
	case s.ScoreNormalised != nil:
		return int(*s.ScoreNormalised), true
	case s.Score != nil:
		return int(*s.Score), true
	case s.TrustScore != nil && s.TrustScore.Value != nil:
		return int(math.Trunc(*s.TrustScore.Value)), true
	}
	return 0, false
}

// RiskScore fetches the report summary of mint. Rate-limited attempts back
// off linearly; transport and server errors are retried at the base backoff.
func (c *Client) RiskScore(ctx context.Context, mint string) (Report, error) {
	url := fmt.Sprintf("%s/v1/tokens/%s/report/summary", c.baseURL, mint)

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		rep, retryable, err := c.fetch(ctx, url)
		if err == nil || !retryable {
			return rep, err
		}
		lastErr = err
		if attempt == c.retries {
			break
		}

		wait := c.backoff
		if errors.Is(err, ErrRateLimited) {
			log.Printf("[rugcheck] rate limited on %s (attempt %d)", mint, attempt+1)
			wait = c.backoff * time.Duration(attempt+1)
		}
		if err := c.sleep(ctx, wait); err != nil {
			return Report{}, err
		}
	}
	return Report{}, lastErr
}

func (c *Client) fetch(ctx context.Context, url string) (Report, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Report{}, false, fmt.Errorf("rugcheck: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Report{}, false, ctx.Err()
		}
		return Report{}, true, fmt.Errorf("rugcheck: get: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Report{}, true, fmt.Errorf("rugcheck: read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Report{}, true, ErrRateLimited
	case resp.StatusCode == http.StatusNotFound,
		strings.Contains(string(body), "unable to generate report"):
		return Report{}, false, ErrNoReport
	case resp.StatusCode != http.StatusOK:
		return Report{}, true, fmt.Errorf("rugcheck: unexpected status %d", resp.StatusCode)
	}

	var s summary
	if err := json.Unmarshal(body, &s); err != nil {
		return Report{}, false, fmt.Errorf("rugcheck: decode: %w", err)
	}
	score, ok := s.score()
	if !ok {
		return Report{}, false, ErrNoReport
	}
	return Report{Score: score, Raw: body}, false, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
