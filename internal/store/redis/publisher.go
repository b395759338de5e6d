// Package redis mirrors completed bars, indicator rows and alerts into Redis
// streams and pub/sub channels for dashboards and downstream consumers.
//
// Keys:
//
//	bar:1m:{token}              stream of bars
//	ind:{kind}_{len}:1m:{token} stream of indicator rows
//	latest:bar:1m:{token}       last bar JSON, with TTL
//	pub:bar:1m:{token}          pub/sub channel per token
//	alerts                      stream of alerts
//	pub:alerts                  pub/sub channel of alerts
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"memecoin-sniper/internal/model"
	"memecoin-sniper/internal/notification"
)

const (
	barStreamMaxLen   = 2000 // ~33h of 1m bars per token
	alertStreamMaxLen = 10000
	defaultLatestTTL  = 30 * time.Minute
	defaultMaxBuffer  = 5000

	alertStream  = "alerts"
	alertChannel = "pub:alerts"
)

// Config configures the publisher.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int

	MaxFailures  int           // consecutive failures before the breaker opens (default 5)
	ResetTimeout time.Duration // breaker open period (default 10s)
	MaxBuffer    int           // bar events held while the breaker is open (default 5000)
}

// Publisher writes bar events and alerts through a circuit breaker. While the
// breaker is open bar events are buffered (oldest dropped first) and replayed
// when it closes; alerts are not buffered.
type Publisher struct {
	client *goredis.Client
	cb     *CircuitBreaker

	mu     sync.Mutex
	buffer []model.BarEvent
	maxBuf int

	// OnBuffer is called when an event is buffered; OnFlush after a replay.
	OnBuffer func()
	OnFlush  func(count int)
}

// New creates a publisher and pings the server.
func New(cfg Config) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client without pinging it.
func NewWithClient(client *goredis.Client, cfg Config) *Publisher {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 10 * time.Second
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = defaultMaxBuffer
	}
	return &Publisher{
		client: client,
		cb:     NewCircuitBreaker(cfg.MaxFailures, cfg.ResetTimeout),
		buffer: make([]model.BarEvent, 0, 64),
		maxBuf: cfg.MaxBuffer,
	}
}

// Breaker exposes the circuit breaker, e.g. to hook state changes into metrics.
func (p *Publisher) Breaker() *CircuitBreaker { return p.cb }

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Run publishes bar events until ctx is cancelled or events is closed.
func (p *Publisher) Run(ctx context.Context, events <-chan model.BarEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := p.PublishBar(ctx, ev); err != nil {
				log.Printf("[redis] publish %s: %v", ev.Bar.TraceKey(), err)
			}
		}
	}
}

// PublishBar writes one bar event. A rejected call (breaker open) buffers the
// event and returns nil.
func (p *Publisher) PublishBar(ctx context.Context, ev model.BarEvent) error {
	err := p.cb.Execute(func() error { return p.writeBar(ctx, ev) })
	if errors.Is(err, ErrCircuitOpen) {
		p.bufferEvent(ev)
		return nil
	}
	if err == nil {
		p.flush(ctx)
	}
	return err
}

func (p *Publisher) writeBar(ctx context.Context, ev model.BarEvent) error {
	bar := ev.Bar
	data := string(bar.JSON())

	pipe := p.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: bar.StreamKey(),
		MaxLen: barStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": data},
	})
	pipe.Set(ctx, "latest:"+bar.StreamKey(), data, defaultLatestTTL)
	pipe.Publish(ctx, "pub:"+bar.StreamKey(), data)

	for _, rows := range [][]model.IndicatorRow{ev.EMA, ev.ATR} {
		for i := range rows {
			r := &rows[i]
			pipe.XAdd(ctx, &goredis.XAddArgs{
				Stream: r.StreamKey(),
				MaxLen: barStreamMaxLen,
				Approx: true,
				Values: map[string]interface{}{"data": string(r.JSON())},
			})
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

func (p *Publisher) bufferEvent(ev model.BarEvent) {
	p.mu.Lock()
	if len(p.buffer) >= p.maxBuf {
		p.buffer = p.buffer[1:]
	}
	p.buffer = append(p.buffer, ev)
	p.mu.Unlock()

	if p.OnBuffer != nil {
		p.OnBuffer()
	}
}

// flush replays buffered events after a successful write.
func (p *Publisher) flush(ctx context.Context) {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	toFlush := p.buffer
	p.buffer = make([]model.BarEvent, 0, 64)
	p.mu.Unlock()

	flushed := 0
	for i, ev := range toFlush {
		if err := p.cb.Execute(func() error { return p.writeBar(ctx, ev) }); err != nil {
			// Put the rest back in order and stop.
			p.mu.Lock()
			p.buffer = append(append([]model.BarEvent(nil), toFlush[i:]...), p.buffer...)
			p.mu.Unlock()
			break
		}
		flushed++
	}

	log.Printf("[redis] flushed %d buffered bar events", flushed)
	if p.OnFlush != nil {
		p.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered bar events.
func (p *Publisher) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// Send implements notification.Notifier: XADD to the alert stream and PUBLISH.
func (p *Publisher) Send(ctx context.Context, alert notification.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("redis: marshal alert: %w", err)
	}
	return p.cb.Execute(func() error {
		pipe := p.client.Pipeline()
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: alertStream,
			MaxLen: alertStreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": string(data)},
		})
		pipe.Publish(ctx, alertChannel, data)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Ping checks the server connection.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
