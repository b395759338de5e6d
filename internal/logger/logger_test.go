package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestInitWriter_EmitsServiceAttr(t *testing.T) {
	var buf bytes.Buffer
	l := InitWriter(&buf, "sniper-test", slog.LevelInfo)
	l.Info("hello", slog.String("token", "MINT"))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if rec["service"] != "sniper-test" {
		t.Errorf("expected service attr, got %v", rec["service"])
	}
	if rec["token"] != "MINT" {
		t.Errorf("expected token attr, got %v", rec["token"])
	}
}

func TestInitWriter_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := InitWriter(&buf, "sniper-test", slog.LevelWarn)
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info line should be filtered at warn level, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if tid := TraceID(ctx); tid != "" {
		t.Errorf("expected empty trace id, got %q", tid)
	}
	ctx = WithTraceID(ctx, "MINT-1700000040")
	if tid := TraceID(ctx); tid != "MINT-1700000040" {
		t.Errorf("expected 'MINT-1700000040', got %q", tid)
	}
}

func TestGenerateTraceID(t *testing.T) {
	if got := GenerateTraceID("MINT", 1700000040); got != "MINT-1700000040" {
		t.Errorf("unexpected trace id %q", got)
	}
}

func TestLogWithTrace(t *testing.T) {
	if attrs := LogWithTrace(context.Background()); attrs != nil {
		t.Errorf("expected nil attrs when no trace id, got %v", attrs)
	}

	attrs := LogWithTrace(WithTraceID(context.Background(), "abc"))
	if len(attrs) != 1 {
		t.Fatalf("expected 1 attr, got %d", len(attrs))
	}
	a, ok := attrs[0].(slog.Attr)
	if !ok || a.Key != "trace_id" || a.Value.String() != "abc" {
		t.Errorf("unexpected attr %v", attrs[0])
	}
}
