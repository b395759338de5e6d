package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func sampleAlert() Alert {
	return Alert{
		Level: AlertInfo,
		Title: "ENTRY",
		Token: "MINT",
		Fields: map[string]any{
			"token": "MINT",
			"entry": 1.1,
			"stop":  1.08,
		},
		TS: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestAlert_MessageSortedByKey(t *testing.T) {
	got := sampleAlert().Message()
	want := "entry=1.1 stop=1.08 token=MINT"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestEscapeMarkdown(t *testing.T) {
	got := escapeMarkdown("EXIT (stop hit) 81.82%_x")
	want := `EXIT \(stop hit\) 81\.82%\_x`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestTelegramNotifier_Send(t *testing.T) {
	var (
		gotPath string
		gotBody map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN123", "-100").WithBaseURL(srv.URL + "/")
	if err := n.Send(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/botTOKEN123/sendMessage" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotBody["chat_id"] != "-100" || gotBody["parse_mode"] != "MarkdownV2" {
		t.Errorf("unexpected body %v", gotBody)
	}
	text, _ := gotBody["text"].(string)
	if !strings.Contains(text, "*ENTRY*") || !strings.Contains(text, `stop: 1\.08`) {
		t.Errorf("unexpected text %q", text)
	}
}

func TestTelegramNotifier_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewTelegramNotifier("T", "1").WithBaseURL(srv.URL).Send(context.Background(), sampleAlert())
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("expected status error, got %v", err)
	}
}

func TestWebhookNotifier_Send(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL).Send(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["title"] != "ENTRY" || got["token"] != "MINT" || got["level"] != "INFO" {
		t.Errorf("unexpected payload %v", got)
	}
	if got["ts"] != "2025-03-01T12:00:00Z" {
		t.Errorf("unexpected ts %v", got["ts"])
	}
	fields, _ := got["fields"].(map[string]any)
	if fields["stop"] != 1.08 {
		t.Errorf("unexpected fields %v", fields)
	}
}

func TestWebhookNotifier_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	if err := NewWebhookNotifier(srv.URL).Send(context.Background(), sampleAlert()); err == nil {
		t.Error("expected error on 502")
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (r *recordingNotifier) Send(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, a.Title)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.titles)
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewDispatcher(2, rec)
	var dropped int
	d.OnDrop = func(Alert) { dropped++ }

	for i := 0; i < 5; i++ {
		d.Emit(Alert{Title: "A"})
	}
	if d.Pending() != 2 || dropped != 3 {
		t.Errorf("expected 2 queued and 3 dropped, got %d / %d", d.Pending(), dropped)
	}
}

func TestDispatcher_DeliversToAllAndDrainsOnCancel(t *testing.T) {
	a := &recordingNotifier{}
	b := &recordingNotifier{err: errors.New("down")}
	d := NewDispatcher(16, a, b)
	var sendErrors int
	var mu sync.Mutex
	d.OnSendError = func(Notifier, Alert, error) { mu.Lock(); sendErrors++; mu.Unlock() }

	for _, title := range []string{"ENTRY", "TAKE 50% & MOVE TO BREAKEVEN", "EXIT (stop hit)"} {
		d.Emit(Alert{Title: title})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Run must still drain what is queued
	d.Run(ctx)

	if a.count() != 3 || b.count() != 3 {
		t.Errorf("expected 3 deliveries per backend, got %d and %d", a.count(), b.count())
	}
	if sendErrors != 3 {
		t.Errorf("expected 3 send errors from the failing backend, got %d", sendErrors)
	}
	if a.titles[2] != "EXIT (stop hit)" {
		t.Errorf("expected FIFO delivery, got %v", a.titles)
	}
}
