// Package sniper wires the new-pair feed, screener, price watcher, bar
// pipeline and alert sinks into one process and owns their lifecycle.
package sniper

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"memecoin-sniper/config"
	"memecoin-sniper/internal/dexscreener"
	"memecoin-sniper/internal/discovery"
	"memecoin-sniper/internal/indicator"
	"memecoin-sniper/internal/logger"
	"memecoin-sniper/internal/marketdata/bus"
	"memecoin-sniper/internal/marketdata/pairs"
	"memecoin-sniper/internal/metrics"
	"memecoin-sniper/internal/model"
	"memecoin-sniper/internal/notification"
	"memecoin-sniper/internal/pipeline"
	"memecoin-sniper/internal/rugcheck"
	"memecoin-sniper/internal/store/memory"
	"memecoin-sniper/internal/store/postgres"
	redisstore "memecoin-sniper/internal/store/redis"
	"memecoin-sniper/internal/store/sqlite"
	"memecoin-sniper/internal/strategy"
	"memecoin-sniper/internal/watcher"
)

const (
	alertQueueSize   = 256
	barStreamBuffer  = 1024
	pairQueueSize    = 128
	shutdownTimeout  = 10 * time.Second
	livenessInterval = 15 * time.Second
	saturationEvery  = 5 * time.Second
	pruneEvery       = time.Hour
)

// Service is the top-level orchestrator.
type Service struct {
	cfg *config.Config

	reg     *prometheus.Registry
	prom    *metrics.Metrics
	health  *metrics.HealthStatus
	metrics *metrics.Server

	store     model.Store
	publisher *redisstore.Publisher
	alerts    *notification.Dispatcher
	proc      *pipeline.Processor
	fanout    *bus.FanOut

	feed     *pairs.Feed
	screener *discovery.Screener
	watcher  *watcher.Watcher
}

// New opens the store and Redis, then builds every component. Nothing runs
// until Run.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	logger.Init("sniper", logger.ParseLevel(cfg.LogLevel))

	svc := &Service{
		cfg:    cfg,
		reg:    prometheus.NewRegistry(),
		health: metrics.NewHealthStatus(),
	}
	svc.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	svc.prom = metrics.New(svc.reg)

	var err error
	svc.store, err = openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	svc.health.SetStoreOK(true)

	if err := svc.build(ctx); err != nil {
		svc.store.Close()
		if svc.publisher != nil {
			svc.publisher.Close()
		}
		return nil, err
	}
	return svc, nil
}

func (svc *Service) build(ctx context.Context) error {
	cfg := svc.cfg

	// ---- Indicators and strategies ----
	indCfg := indicator.Config{
		EMALengths: cfg.EMALengthList(),
		EMASource:  model.Source(cfg.EMASource),
		ATRLengths: cfg.ATRLengthList(),
	}
	registry, err := indicator.NewRegistry(indCfg)
	if err != nil {
		return fmt.Errorf("indicators: %w", err)
	}
	strategies, err := strategy.Build(cfg.StrategyList(), strategy.Params{
		Lookback: cfg.LookbackBars,
		ATRK:     cfg.ATRStopMult,
		TrailPct: cfg.TrailPct,
	})
	if err != nil {
		return fmt.Errorf("strategies: %w", err)
	}
	engine := strategy.NewEngine(strategies...)
	svc.health.SetStrategies(engine.Names())
	for _, w := range missingIndicators(engine.Names(), indCfg) {
		log.Printf("[sniper] WARNING: %s", w)
	}

	// ---- Alert sinks ----
	notifiers := []notification.Notifier{notification.NewLogNotifier()}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.AlertWebhookURL))
	}
	if cfg.RedisAddr != "" {
		svc.publisher, err = redisstore.New(redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			log.Printf("[sniper] WARNING: redis %s unreachable, mirroring disabled: %v", cfg.RedisAddr, err)
		}
		if svc.publisher != nil {
			svc.wirePublisher()
			notifiers = append(notifiers, svc.publisher)
		}
	}
	svc.alerts = notification.NewDispatcher(alertQueueSize, notifiers...)
	svc.alerts.OnSendError = func(n notification.Notifier, a notification.Alert, err error) {
		slog.Warn("alert delivery failed", "notifier", fmt.Sprintf("%T", n), "title", a.Title, "error", err)
	}

	// ---- Bar pipeline ----
	svc.proc, err = pipeline.New(pipeline.Config{
		Store:        svc.store,
		Registry:     registry,
		Engine:       engine,
		Alerts:       svc.alerts,
		Metrics:      svc.prom,
		StreamBuffer: barStreamBuffer,
	})
	if err != nil {
		return err
	}
	n, err := svc.proc.LoadBlacklist(ctx)
	if err != nil {
		return fmt.Errorf("blacklist: %w", err)
	}
	log.Printf("[sniper] blacklist warm start: %d tokens", n)

	svc.fanout = bus.New(barStreamBuffer)
	svc.fanout.OnDrop = func(name string) {
		svc.prom.FanoutDropsTotal.WithLabelValues(name).Inc()
	}

	// ---- Sources ----
	if cfg.SolanaStreamAPIKey != "" {
		svc.feed = pairs.New(pairs.Config{
			URL:    cfg.SolanaStreamURL,
			APIKey: cfg.SolanaStreamAPIKey,
			DEXes:  cfg.DEXList(),
		})
		svc.wireFeed()
	} else {
		log.Println("[sniper] WARNING: SOLANASTREAM_API_KEY not set, new-pair feed disabled")
	}

	svc.screener = discovery.NewScreener(rugcheck.New(cfg.RugCheckURL), svc.store, svc.proc, cfg.MaxRiskScore)
	svc.screener.OnAccepted = func(model.Token) { svc.prom.PairsAccepted.Inc() }
	svc.screener.OnRejected = func(_ model.NewPair, reason string) {
		svc.prom.PairsRejected.WithLabelValues(reason).Inc()
	}

	svc.watcher = watcher.New(watcher.Config{
		Interval:     cfg.PollInterval(),
		Refresh:      cfg.WatchRefresh(),
		BatchSize:    cfg.BatchSize,
		MaxReqPerMin: cfg.MaxReqPerMin,
	}, dexscreener.New(cfg.DexScreenerURL), svc.store, svc.proc)
	svc.watcher.OnPoll = func(watched, requests int, took time.Duration) {
		svc.prom.PollsTotal.Add(float64(requests))
		svc.prom.PollDur.Observe(took.Seconds())
		svc.prom.WatchedSize.Set(float64(watched))
		svc.health.SetLastPoll(time.Now(), watched)
	}
	svc.watcher.OnPollError = func(reason string) {
		svc.prom.PollErrors.WithLabelValues(reason).Inc()
	}

	svc.metrics = metrics.NewServer(cfg.MetricsAddr, svc.health, svc.reg)
	return nil
}

func (svc *Service) wirePublisher() {
	svc.health.SetRedisEnabled(true)
	svc.health.SetRedisConnected(true)
	svc.publisher.Breaker().OnStateChange = func(from, to redisstore.State) {
		svc.prom.RedisCircuitBreakerState.Set(float64(to))
		if to == redisstore.StateOpen {
			svc.prom.RedisCircuitBreakerTrips.Inc()
		}
		svc.health.SetRedisConnected(to == redisstore.StateClosed)
	}
	svc.publisher.OnBuffer = func() { svc.prom.RedisBufferedWrites.Inc() }
	svc.publisher.OnFlush = func(count int) {
		log.Printf("[sniper] redis recovered, replayed %d buffered bars", count)
	}
}

func (svc *Service) wireFeed() {
	svc.health.SetFeedEnabled(true)
	svc.feed.OnConnect = func() { svc.health.SetFeedConnected(true) }
	svc.feed.OnDisconnect = func(error) {
		svc.health.SetFeedConnected(false)
		svc.prom.FeedReconnects.Inc()
	}
	svc.feed.OnPair = func(_ model.NewPair, accepted bool) {
		svc.prom.PairsSeen.Inc()
		if accepted {
			svc.health.SetLastPair(time.Now())
		}
	}
}

// Run starts every subsystem and blocks until ctx is cancelled, then shuts
// down in order: sources stop, strategies see on_shutdown, the bar stream
// and alert queue drain, connections close.
func (svc *Service) Run(ctx context.Context) error {
	cfg := svc.cfg
	log.Println("[sniper] starting memecoin sniper...")

	// Sinks outlive the sources so shutdown alerts still get delivered.
	sinkCtx, sinkCancel := context.WithCancel(context.Background())
	defer sinkCancel()
	var sinks, sources sync.WaitGroup

	svc.metrics.Start()
	svc.health.StartLivenessChecker(sinkCtx, svc.store, svc.redisPinger(), livenessInterval)

	healthCh := svc.fanout.Subscribe("health")
	var redisCh <-chan model.BarEvent
	if svc.publisher != nil {
		redisCh = svc.fanout.Subscribe("redis")
	}
	goWG(&sinks, func() { svc.fanout.Run(sinkCtx, svc.proc.Events()) })
	goWG(&sinks, func() { svc.alerts.Run(sinkCtx) })
	goWG(&sinks, func() {
		for range healthCh {
			svc.health.SetLastBar(time.Now())
		}
	})
	if redisCh != nil {
		goWG(&sinks, func() { svc.publisher.Run(sinkCtx, redisCh) })
	}
	goWG(&sinks, func() { svc.saturationLoop(sinkCtx) })

	pairCh := make(chan model.NewPair, pairQueueSize)
	if svc.feed != nil {
		goWG(&sources, func() {
			if err := svc.feed.Run(ctx, pairCh); err != nil {
				log.Printf("[sniper] pair feed stopped: %v", err)
			}
		})
	}
	goWG(&sources, func() { svc.screener.Run(ctx, pairCh) })
	goWG(&sources, func() {
		if err := svc.watcher.Run(ctx); err != nil {
			log.Printf("[sniper] watcher stopped: %v", err)
		}
	})
	goWG(&sources, func() { svc.pruneLoop(ctx) })

	log.Println("[sniper] ╔════════════════════════════════════════════════════════╗")
	log.Println("[sniper] ║  Memecoin Sniper Active (paper trading)               ║")
	log.Println("[sniper] ║                                                       ║")
	log.Println("[sniper] ║  [Pairs] → [RugCheck] → [Watch] → [1m bars] → [Paper] ║")
	log.Printf("[sniper] ║  store=%s poll=%s strategies=%v", cfg.StoreDriver, cfg.PollInterval(), cfg.StrategyList())
	log.Println("[sniper] ╚════════════════════════════════════════════════════════╝")

	<-ctx.Done()
	log.Println("[sniper] shutdown signal received...")
	sources.Wait()

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	svc.proc.Shutdown(shutCtx)
	svc.proc.Close()

	sinkCancel()
	sinks.Wait()
	svc.close(shutCtx)
	log.Println("[sniper] shutdown complete")
	return nil
}

func (svc *Service) close(ctx context.Context) {
	if svc.publisher != nil {
		if err := svc.publisher.Close(); err != nil {
			log.Printf("[sniper] redis close: %v", err)
		}
	}
	if err := svc.store.Close(); err != nil {
		log.Printf("[sniper] store close: %v", err)
	}
	svc.metrics.Stop(ctx)
}

func (svc *Service) redisPinger() metrics.Pinger {
	if svc.publisher == nil {
		return nil
	}
	return svc.publisher
}

// saturationLoop samples subscriber and alert queue fill levels.
func (svc *Service) saturationLoop(ctx context.Context) {
	ticker := time.NewTicker(saturationEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range svc.fanout.ChannelStats() {
				if st.Cap > 0 {
					svc.prom.ChannelSaturationPct.WithLabelValues("bars_" + st.Name).Set(float64(st.Len) / float64(st.Cap) * 100)
				}
			}
			svc.prom.ChannelSaturationPct.WithLabelValues("alerts").Set(float64(svc.alerts.Pending()) / alertQueueSize * 100)
		}
	}
}

// pruneLoop drops tokens not seen within the retention window.
func (svc *Service) pruneLoop(ctx context.Context) {
	svc.prune(ctx)
	ticker := time.NewTicker(pruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.prune(ctx)
		}
	}
}

func (svc *Service) prune(ctx context.Context) {
	pruned, err := svc.store.PruneStaleTokens(ctx, time.Now().Add(-svc.cfg.Retention()))
	if err != nil {
		if ctx.Err() == nil {
			svc.prom.StoreErrors.WithLabelValues("prune").Inc()
			log.Printf("[sniper] prune stale tokens: %v", err)
		}
		return
	}
	if len(pruned) > 0 {
		svc.proc.Forget(pruned...)
		log.Printf("[sniper] pruned %d stale tokens", len(pruned))
	}
}

// openStore opens the configured backend.
func openStore(ctx context.Context, cfg *config.Config) (model.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		log.Println("[sniper] store: in-memory (nothing survives a restart)")
		return memory.New(), nil
	case "postgres":
		s, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		log.Println("[sniper] store: postgres")
		return s, nil
	default:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite dir: %w", err)
			}
		}
		s, err := sqlite.Open(sqlite.Config{Path: cfg.SQLitePath})
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		log.Printf("[sniper] store: sqlite %s", cfg.SQLitePath)
		return s, nil
	}
}

// missingIndicators lists the configured strategies whose inputs the
// indicator set does not produce. Those strategies never enter.
func missingIndicators(strategies []string, cfg indicator.Config) []string {
	var out []string
	for _, name := range strategies {
		if name != strategy.EarlyMomentumName {
			continue
		}
		if cfg.EMASource != model.SourceLow || !contains(cfg.EMALengths, 5) {
			out = append(out, fmt.Sprintf("%s needs EMA 5 over low (EMA_1M_LENGTHS=5, EMA_1M_SOURCE=low)", name))
		}
		if !contains(cfg.ATRLengths, 14) {
			out = append(out, fmt.Sprintf("%s needs ATR 14 (ATR_1M_LENGTHS=14)", name))
		}
	}
	return out
}

func contains(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func goWG(wg *sync.WaitGroup, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn()
	}()
}
