// Package notification delivers paper-trading alerts (entries, exits,
// take-profits, dropped tokens) to the log, Telegram and webhooks.
package notification

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert is one notification: a title plus a key/value payload.
type Alert struct {
	Level  AlertLevel     `json:"level"`
	Title  string         `json:"title"`
	Token  string         `json:"token,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
	TS     time.Time      `json:"ts"`
}

// Message renders Fields as "k=v" pairs sorted by key.
func (a Alert) Message() string {
	return a.render(" ", "=")
}

func (a Alert) render(sep, kv string) string {
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(sep)
		}
		b.WriteString(k)
		b.WriteString(kv)
		b.WriteString(formatValue(a.Fields[k]))
	}
	return b.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case float64:
		return fmt.Sprintf("%.8g", x)
	case *float64:
		if x == nil {
			return "N/A"
		}
		return fmt.Sprintf("%.8g", *x)
	default:
		return fmt.Sprint(v)
	}
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the standard logger.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(_ context.Context, alert Alert) error {
	log.Printf("[PAPER][ALERT] [%s] %s | %s", alert.Level, alert.Title, alert.Message())
	return nil
}
