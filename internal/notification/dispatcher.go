package notification

import (
	"context"
	"log"
	"time"
)

const (
	defaultQueueSize = 256
	sendTimeout      = 10 * time.Second
	drainTimeout     = 5 * time.Second
)

// Dispatcher queues alerts and delivers them to every backend from one
// goroutine, so a slow backend never stalls the bar pipeline.
type Dispatcher struct {
	queue     chan Alert
	notifiers []Notifier

	// OnDrop is called when an alert is discarded because the queue is full.
	OnDrop func(alert Alert)
	// OnSendError is called when a backend fails to deliver.
	OnSendError func(n Notifier, alert Alert, err error)
}

// NewDispatcher creates a dispatcher with the given queue size (<= 0 means
// default) and backends.
func NewDispatcher(queueSize int, notifiers ...Notifier) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Dispatcher{
		queue:     make(chan Alert, queueSize),
		notifiers: notifiers,
	}
}

// Emit queues an alert without blocking. Returns false if it was dropped.
func (d *Dispatcher) Emit(alert Alert) bool {
	if alert.TS.IsZero() {
		alert.TS = time.Now()
	}
	select {
	case d.queue <- alert:
		return true
	default:
		log.Printf("[notify] queue full, dropping alert: %s", alert.Title)
		if d.OnDrop != nil {
			d.OnDrop(alert)
		}
		return false
	}
}

// Pending returns the number of queued alerts.
func (d *Dispatcher) Pending() int { return len(d.queue) }

// Run delivers queued alerts until ctx is cancelled, then drains what is
// left within a short deadline.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case a := <-d.queue:
			d.deliver(ctx, a)
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case a := <-d.queue:
			d.deliver(ctx, a)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, a Alert) {
	for _, n := range d.notifiers {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := n.Send(sctx, a)
		cancel()
		if err != nil {
			log.Printf("[notify] send %q failed: %v", a.Title, err)
			if d.OnSendError != nil {
				d.OnSendError(n, a, err)
			}
		}
	}
}
