package model

import "time"

// NewPair is a freshly created trading pair announced by the pair feed.
type NewPair struct {
	Mint      string `json:"mint"`
	Name      string `json:"name"`
	Symbol    string `json:"symbol"`
	Venue     string `json:"dex"`
	Signature string `json:"signature"`
}

// Token is a discovered token that passed the risk filter.
type Token struct {
	Token      string    `json:"address"`
	Name       string    `json:"name"`
	Symbol     string    `json:"symbol"`
	Venue      string    `json:"dex"`
	RiskScore  int       `json:"risk"`
	Signature  string    `json:"signature"`
	RiskReport []byte    `json:"-"` // raw risk report JSON
	CreatedAt  time.Time `json:"created_at"`
	LastSeen   time.Time `json:"last_seen"`
}

// Label returns "Name (SYM)" when metadata is known, otherwise the address.
func (t *Token) Label() string {
	if t.Name == "" && t.Symbol == "" {
		return t.Token
	}
	return t.Name + " (" + t.Symbol + ")"
}

// BlacklistEntry marks a token as permanently excluded.
type BlacklistEntry struct {
	Token     string    `json:"address"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
