// Package discovery screens freshly created pairs before their tokens are
// watched: mint validation, blacklist, and a risk-score ceiling.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mr-tron/base58"

	"memecoin-sniper/internal/model"
	"memecoin-sniper/internal/rugcheck"
)

// Rejection reasons, also used as metric labels.
const (
	RejectInvalidMint     = "invalid_mint"
	RejectBlacklisted     = "blacklisted"
	RejectRiskUnavailable = "risk_unavailable"
	RejectRiskTooHigh     = "risk_too_high"
	RejectStore           = "store_error"
)

// RejectedError explains why a pair was not admitted.
type RejectedError struct {
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Err == nil {
		return "rejected: " + e.Reason
	}
	return "rejected: " + e.Reason + ": " + e.Err.Error()
}

func (e *RejectedError) Unwrap() error { return e.Err }

// ReasonOf returns the rejection reason of err, or "" if err is not a rejection.
func ReasonOf(err error) string {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

// RiskChecker looks up a mint's risk report. *rugcheck.Client implements it.
type RiskChecker interface {
	RiskScore(ctx context.Context, mint string) (rugcheck.Report, error)
}

// TokenHandler receives admitted tokens. *pipeline.Processor implements it.
type TokenHandler interface {
	IsBlacklisted(token string) bool
	HandleNewToken(ctx context.Context, tok model.Token)
}

// TokenWriter persists admitted tokens.
type TokenWriter interface {
	UpsertToken(ctx context.Context, t model.Token) error
}

// Screener admits new pairs whose risk score is at most MaxRisk.
type Screener struct {
	risk    RiskChecker
	store   TokenWriter
	handler TokenHandler
	maxRisk float64
	now     func() time.Time

	OnAccepted func(tok model.Token)
	OnRejected func(p model.NewPair, reason string)
}

// NewScreener creates a screener.
func NewScreener(risk RiskChecker, store TokenWriter, handler TokenHandler, maxRisk float64) *Screener {
	return &Screener{
		risk:    risk,
		store:   store,
		handler: handler,
		maxRisk: maxRisk,
		now:     time.Now,
	}
}

// ValidMint reports whether s is a base58 string decoding to 32 bytes.
func ValidMint(s string) bool {
	if s == "" {
		return false
	}
	b, err := base58.Decode(s)
	return err == nil && len(b) == 32
}

// Run screens pairs from in until it is closed or ctx is cancelled.
func (s *Screener) Run(ctx context.Context, in <-chan model.NewPair) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-in:
			if !ok {
				return
			}
			if _, err := s.Screen(ctx, p); err != nil && ReasonOf(err) != RejectBlacklisted {
				log.Printf("[discovery] %s (%s): %v", p.Mint, p.Symbol, err)
			}
		}
	}
}

// Screen runs the admission checks for one pair and, on success, stores
// the token and announces it to the pipeline.
func (s *Screener) Screen(ctx context.Context, p model.NewPair) (model.Token, error) {
	if !ValidMint(p.Mint) {
		return model.Token{}, s.reject(p, RejectInvalidMint, nil)
	}
	if s.handler.IsBlacklisted(p.Mint) {
		return model.Token{}, s.reject(p, RejectBlacklisted, nil)
	}

	rep, err := s.risk.RiskScore(ctx, p.Mint)
	if err != nil {
		return model.Token{}, s.reject(p, RejectRiskUnavailable, err)
	}
	if float64(rep.Score) > s.maxRisk {
		return model.Token{}, s.reject(p, RejectRiskTooHigh, fmt.Errorf("score %d > %g", rep.Score, s.maxRisk))
	}

	now := s.now()
	tok := model.Token{
		Token:      p.Mint,
		Name:       p.Name,
		Symbol:     p.Symbol,
		Venue:      p.Venue,
		RiskScore:  rep.Score,
		Signature:  p.Signature,
		RiskReport: rep.Raw,
		CreatedAt:  now,
		LastSeen:   now,
	}
	if err := s.store.UpsertToken(ctx, tok); err != nil {
		return model.Token{}, s.reject(p, RejectStore, err)
	}

	log.Printf("[discovery] ✅ admitted %s (%s) risk=%d dex=%s", tok.Label(), tok.Token, tok.RiskScore, tok.Venue)
	if s.OnAccepted != nil {
		s.OnAccepted(tok)
	}
	s.handler.HandleNewToken(ctx, tok)
	return tok, nil
}

func (s *Screener) reject(p model.NewPair, reason string, err error) error {
	if s.OnRejected != nil {
		s.OnRejected(p, reason)
	}
	return &RejectedError{Reason: reason, Err: err}
}
