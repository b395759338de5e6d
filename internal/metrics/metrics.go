package metrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the sniper process.
type Metrics struct {
	// Sample aggregation
	SamplesAccepted prometheus.Counter
	SamplesDropped  *prometheus.CounterVec // labels: reason
	BarsTotal       prometheus.Counter

	// Indicator + strategy pipeline
	IndicatorRows  prometheus.Counter
	PipelineDur    prometheus.Histogram
	StrategyErrors *prometheus.CounterVec // labels: strategy, event
	StoreErrors    *prometheus.CounterVec // labels: op

	// Bar event fan-out
	FanoutDropsTotal     *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name

	// Alerts
	AlertsTotal   *prometheus.CounterVec // labels: title
	AlertsDropped prometheus.Counter

	// Price watcher
	PollsTotal  prometheus.Counter
	PollErrors  *prometheus.CounterVec // labels: reason
	PollDur     prometheus.Histogram
	WatchedSize prometheus.Gauge

	// New-pair discovery
	PairsSeen      prometheus.Counter
	PairsAccepted  prometheus.Counter
	PairsRejected  *prometheus.CounterVec // labels: reason
	FeedReconnects prometheus.Counter

	// Stream publisher circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
}

// New creates all collectors and registers them on reg. A nil reg uses the
// default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		SamplesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sniper_samples_accepted_total",
			Help: "Price samples accepted into a 30-sample window",
		}),
		SamplesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sniper_samples_dropped_total",
			Help: "Price samples dropped by the aggregator",
		}, []string{"reason"}),
		BarsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sniper_bars_total",
			Help: "Bars emitted by the aggregator",
		}),
		IndicatorRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sniper_indicator_rows_total",
			Help: "Indicator rows produced for completed bars",
		}),
		PipelineDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sniper_bar_pipeline_duration_seconds",
			Help:    "Time from bar completion to end of strategy dispatch",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		StrategyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sniper_strategy_errors_total",
			Help: "Strategy callback errors and recovered panics",
		}, []string{"strategy", "event"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sniper_store_errors_total",
			Help: "Failed store operations",
		}, []string{"op"}),
		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sniper_fanout_drops_total",
			Help: "Bar events dropped for a slow fan-out subscriber",
		}, []string{"subscriber"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sniper_channel_saturation_pct",
			Help: "Fill level of internal channels in percent",
		}, []string{"channel_name"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sniper_alerts_total",
			Help: "Alerts emitted by strategies",
		}, []string{"title"}),
		AlertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sniper_alerts_dropped_total",
			Help: "Alerts dropped because the delivery queue was full",
		}),
		PollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sniper_price_polls_total",
			Help: "Price quote batches requested",
		}),
		PollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sniper_price_poll_errors_total",
			Help: "Price quote batches that failed",
		}, []string{"reason"}),
		PollDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sniper_price_poll_duration_seconds",
			Help:    "Duration of one watcher tick",
			Buckets: prometheus.DefBuckets,
		}),
		WatchedSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sniper_watched_tokens",
			Help: "Tokens currently on the watch list",
		}),
		PairsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sniper_pairs_seen_total",
			Help: "New-pair notifications received from the feed",
		}),
		PairsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sniper_pairs_accepted_total",
			Help: "New pairs that passed screening",
		}),
		PairsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sniper_pairs_rejected_total",
			Help: "New pairs rejected by screening",
		}, []string{"reason"}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sniper_feed_reconnects_total",
			Help: "New-pair websocket reconnection attempts",
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sniper_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sniper_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker opened",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sniper_redis_buffered_writes_total",
			Help: "Bar events buffered while Redis was unavailable",
		}),
	}

	reg.MustRegister(
		m.SamplesAccepted, m.SamplesDropped, m.BarsTotal,
		m.IndicatorRows, m.PipelineDur, m.StrategyErrors, m.StoreErrors,
		m.FanoutDropsTotal, m.ChannelSaturationPct,
		m.AlertsTotal, m.AlertsDropped,
		m.PollsTotal, m.PollErrors, m.PollDur, m.WatchedSize,
		m.PairsSeen, m.PairsAccepted, m.PairsRejected, m.FeedReconnects,
		m.RedisCircuitBreakerState, m.RedisCircuitBreakerTrips, m.RedisBufferedWrites,
	)
	return m
}

// Pinger is anything whose liveness can be checked, e.g. a store or a redis client wrapper.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus tracks component health for the /healthz endpoint.
type HealthStatus struct {
	mu sync.RWMutex

	FeedEnabled    bool
	FeedConnected  bool
	LastPairTime   time.Time
	LastBarTime    time.Time
	LastPollTime   time.Time
	WatchedTokens  int
	StoreOK        bool
	StoreLatencyMs float64
	RedisEnabled   bool
	RedisConnected bool
	RedisLatencyMs float64
	Strategies     []string
	StartedAt      time.Time
	LastCheckAt    time.Time

	// MaxPollAge marks the process degraded when the last successful poll is older.
	MaxPollAge time.Duration
	now        func() time.Time
}

// NewHealthStatus creates a health tracker.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt:  time.Now(),
		MaxPollAge: time.Minute,
		now:        time.Now,
	}
}

func (h *HealthStatus) SetFeedEnabled(v bool) {
	h.mu.Lock()
	h.FeedEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastBar(t time.Time) {
	h.mu.Lock()
	h.LastBarTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastPair(t time.Time) {
	h.mu.Lock()
	h.LastPairTime = t
	h.mu.Unlock()
}

// SetLastPoll records a completed watcher tick and the size of the watch list.
func (h *HealthStatus) SetLastPoll(t time.Time, watched int) {
	h.mu.Lock()
	h.LastPollTime = t
	h.WatchedTokens = watched
	h.mu.Unlock()
}

func (h *HealthStatus) SetStoreOK(v bool) {
	h.mu.Lock()
	h.StoreOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetStrategies(names []string) {
	h.mu.Lock()
	h.Strategies = append([]string(nil), names...)
	h.mu.Unlock()
}

// CheckStore pings the store and records latency + health.
func (h *HealthStatus) CheckStore(ctx context.Context, p Pinger) {
	ok, latency := ping(ctx, p)
	h.mu.Lock()
	h.StoreOK = ok
	h.StoreLatencyMs = latency
	h.LastCheckAt = h.now()
	h.mu.Unlock()
}

// CheckRedis pings redis and records latency + health.
func (h *HealthStatus) CheckRedis(ctx context.Context, p Pinger) {
	ok, latency := ping(ctx, p)
	h.mu.Lock()
	h.RedisConnected = ok
	h.RedisLatencyMs = latency
	h.LastCheckAt = h.now()
	h.mu.Unlock()
}

func ping(ctx context.Context, p Pinger) (bool, float64) {
	start := time.Now()
	err := p.Ping(ctx)
	return err == nil, float64(time.Since(start).Microseconds()) / 1000.0
}

// StartLivenessChecker runs periodic dependency checks. redis may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, store, redis Pinger, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if store != nil {
					h.CheckStore(checkCtx, store)
				}
				if redis != nil {
					h.CheckRedis(checkCtx, redis)
				}
				cancel()
			}
		}
	}()
}

type healthReport struct {
	Status         string   `json:"status"`
	Uptime         string   `json:"uptime"`
	FeedEnabled    bool     `json:"feed_enabled"`
	FeedConnected  bool     `json:"feed_connected"`
	LastPairTime   string   `json:"last_pair_time,omitempty"`
	LastBarTime    string   `json:"last_bar_time,omitempty"`
	LastPollTime   string   `json:"last_poll_time,omitempty"`
	PollAge        string   `json:"poll_age,omitempty"`
	WatchedTokens  int      `json:"watched_tokens"`
	StoreOK        bool     `json:"store_ok"`
	StoreLatencyMs float64  `json:"store_latency_ms"`
	RedisEnabled   bool     `json:"redis_enabled"`
	RedisConnected bool     `json:"redis_connected"`
	RedisLatencyMs float64  `json:"redis_latency_ms"`
	Strategies     []string `json:"strategies"`
	LastCheckAt    string   `json:"last_check_at,omitempty"`
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := h.now()
	overall := "healthy"
	code := http.StatusOK

	pollStale := !h.LastPollTime.IsZero() && h.MaxPollAge > 0 && now.Sub(h.LastPollTime) > h.MaxPollAge
	if (h.FeedEnabled && !h.FeedConnected) || pollStale || (h.RedisEnabled && !h.RedisConnected) {
		overall = "degraded"
	}
	if !h.StoreOK {
		overall = "unhealthy"
	}
	if overall != "healthy" {
		code = http.StatusServiceUnavailable
	}

	rep := healthReport{
		Status:         overall,
		Uptime:         now.Sub(h.StartedAt).Round(time.Second).String(),
		FeedEnabled:    h.FeedEnabled,
		FeedConnected:  h.FeedConnected,
		WatchedTokens:  h.WatchedTokens,
		StoreOK:        h.StoreOK,
		StoreLatencyMs: h.StoreLatencyMs,
		RedisEnabled:   h.RedisEnabled,
		RedisConnected: h.RedisConnected,
		RedisLatencyMs: h.RedisLatencyMs,
		Strategies:     h.Strategies,
	}
	if !h.LastPairTime.IsZero() {
		rep.LastPairTime = h.LastPairTime.Format(time.RFC3339)
	}
	if !h.LastBarTime.IsZero() {
		rep.LastBarTime = h.LastBarTime.Format(time.RFC3339)
	}
	if !h.LastPollTime.IsZero() {
		rep.LastPollTime = h.LastPollTime.Format(time.RFC3339)
		rep.PollAge = now.Sub(h.LastPollTime).Round(time.Millisecond).String()
	}
	if !h.LastCheckAt.IsZero() {
		rep.LastCheckAt = h.LastCheckAt.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(rep)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server. gatherer selects the
// registry served on /metrics; nil serves the default one.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	if gatherer == nil {
		mux.Handle("/metrics", promhttp.Handler())
	} else {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's mux.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
