package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestNewRegistersOnIsolatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SamplesAccepted.Add(3)
	m.SamplesDropped.WithLabelValues("no_price").Inc()
	m.AlertsTotal.WithLabelValues("EXIT (stop hit)").Inc()
	m.StoreErrors.WithLabelValues("save_bar").Inc()

	if got := testutil.ToFloat64(m.SamplesAccepted); got != 3 {
		t.Errorf("samples accepted = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.SamplesDropped.WithLabelValues("no_price")); got != 1 {
		t.Errorf("samples dropped{no_price} = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"sniper_samples_accepted_total",
		"sniper_samples_dropped_total",
		"sniper_alerts_total",
		"sniper_store_errors_total",
	} {
		if !names[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}

	// A second registry must accept the same collectors without panicking.
	New(prometheus.NewRegistry())
}

func getHealth(t *testing.T, h *HealthStatus) (int, healthReport) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var rep healthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode health: %v (%s)", err, rec.Body.String())
	}
	return rec.Code, rep
}

func TestHealthStatusStates(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewHealthStatus()
	h.now = func() time.Time { return now }
	h.StartedAt = now.Add(-time.Hour)

	code, rep := getHealth(t, h)
	if code != http.StatusServiceUnavailable || rep.Status != "unhealthy" {
		t.Errorf("fresh status = %d %q, want 503 unhealthy", code, rep.Status)
	}

	h.SetStoreOK(true)
	h.SetFeedEnabled(true)
	h.SetLastPoll(now.Add(-5*time.Second), 12)
	if _, rep = getHealth(t, h); rep.Status != "degraded" {
		t.Errorf("feed enabled but down: status = %q, want degraded", rep.Status)
	}
	h.SetFeedConnected(true)
	h.SetStrategies([]string{"early_momentum"})

	code, rep = getHealth(t, h)
	if code != http.StatusOK || rep.Status != "healthy" {
		t.Errorf("status = %d %q, want 200 healthy", code, rep.Status)
	}
	if rep.WatchedTokens != 12 {
		t.Errorf("watched = %d, want 12", rep.WatchedTokens)
	}
	if rep.Uptime != "1h0m0s" {
		t.Errorf("uptime = %q", rep.Uptime)
	}
	if len(rep.Strategies) != 1 || rep.Strategies[0] != "early_momentum" {
		t.Errorf("strategies = %v", rep.Strategies)
	}

	h.SetRedisEnabled(true)
	if _, rep = getHealth(t, h); rep.Status != "degraded" {
		t.Errorf("redis enabled but down: status = %q, want degraded", rep.Status)
	}
	h.SetRedisConnected(true)

	h.SetLastPoll(now.Add(-2*time.Minute), 12)
	code, rep = getHealth(t, h)
	if code != http.StatusServiceUnavailable || rep.Status != "degraded" {
		t.Errorf("stale poll: status = %d %q, want 503 degraded", code, rep.Status)
	}
}

func TestCheckStoreRecordsResult(t *testing.T) {
	h := NewHealthStatus()

	h.CheckStore(context.Background(), pingFunc(func(context.Context) error { return nil }))
	if !h.StoreOK || h.LastCheckAt.IsZero() {
		t.Errorf("store ok = %v, last check = %v", h.StoreOK, h.LastCheckAt)
	}

	h.CheckStore(context.Background(), pingFunc(func(context.Context) error { return errors.New("closed") }))
	if h.StoreOK {
		t.Error("store should be unhealthy after failed ping")
	}

	h.CheckRedis(context.Background(), pingFunc(func(context.Context) error { return nil }))
	if !h.RedisConnected {
		t.Error("redis should be connected after successful ping")
	}
}

func TestServerRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.BarsTotal.Inc()

	h := NewHealthStatus()
	h.SetStoreOK(true)
	h.SetFeedConnected(true)

	srv := httptest.NewServer(NewServer(":0", h, reg).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "sniper_bars_total 1") {
		t.Errorf("metrics body missing sniper_bars_total:\n%s", body)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz code = %d, want 200", resp.StatusCode)
	}
}
