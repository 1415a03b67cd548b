package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"jobctl/internal/config"
)

// ErrBufferFull is returned when the dispatcher's buffer is full and the event is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

// Delivery defaults
const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	deliveryTimeout       = 30 * time.Second
)

// WebhookConfig holds configuration for the webhook dispatcher.
type WebhookConfig struct {
	URL         string
	SigningKey  string
	Source      string        // CloudEvents source attribute
	BufferSize  int           // pending events buffer (default: 1000)
	Workers     int           // concurrent delivery goroutines (default: 4)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)
	MaxRetries  uint64        // retries after the first attempt

	BreakerThreshold int           // failed deliveries before the circuit opens (default: 5)
	BreakerCooldown  time.Duration // time before a trial delivery (default: 30s)
}

// LoadWebhookConfigFromEnv loads webhook dispatcher configuration from environment variables.
func LoadWebhookConfigFromEnv() WebhookConfig {
	cfg := WebhookConfig{
		URL:         config.GetEnv("EVENT_WEBHOOK_URL", ""),
		SigningKey:  config.GetSecretFile(config.GetEnv("EVENT_WEBHOOK_KEY_FILE", "")),
		Source:      config.GetEnv("EVENT_SOURCE", "jobctl"),
		BufferSize:  config.GetIntEnv("DISPATCHER_BUFFER_SIZE", 1000),
		Workers:     config.GetIntEnv("DISPATCHER_WORKERS", 4),
		HTTPTimeout: config.GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", 10*time.Second),
		MaxRetries:  uint64(config.GetIntEnv("DISPATCHER_MAX_RETRIES", defaultMaxRetries)),

		BreakerThreshold: config.GetIntEnv("DISPATCHER_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  config.GetDurationEnv("DISPATCHER_BREAKER_COOLDOWN", 30*time.Second),
	}
	return cfg.withDefaults()
}

func (c WebhookConfig) withDefaults() WebhookConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.Source == "" {
		c.Source = "jobctl"
	}
	return c
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth   int
	Queued       int64
	Delivered    int64
	Failed       int64
	Dropped      int64
	RetriesTotal int64
	Circuit      string
}

// WebhookDispatcher delivers events to a webhook asynchronously.
// Events are queued in a bounded channel and delivered by a worker pool;
// when the buffer is full, events are dropped.
type WebhookDispatcher struct {
	queue   chan *CloudEvent
	sender  *Sender
	breaker *webhookBreaker
	config  WebhookConfig
	logger  *slog.Logger
	metrics MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewWebhookDispatcher creates and starts a dispatcher.
// metrics may be nil.
func NewWebhookDispatcher(cfg WebhookConfig, metrics MetricsRecorder) *WebhookDispatcher {
	cfg = cfg.withDefaults()

	d := &WebhookDispatcher{
		queue:    make(chan *CloudEvent, cfg.BufferSize),
		sender:   NewSender(cfg.HTTPTimeout),
		breaker:  newWebhookBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		config:   cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}
	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

// Publish implements Publisher. It never blocks.
func (d *WebhookDispatcher) Publish(_ context.Context, e Event) {
	_ = d.Dispatch(ToCloudEvent(e, d.config.Source))
}

// Dispatch queues a CloudEvent for delivery.
func (d *WebhookDispatcher) Dispatch(event *CloudEvent) error {
	if d.closed.Load() {
		return errors.New("dispatcher is closed")
	}

	select {
	case d.queue <- event:
		d.queued.Add(1)
		return nil
	default:
		d.dropped.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherDropped(context.Background())
		}
		d.logger.Warn("Event dropped, buffer full", "type", event.Type, "subject", event.Subject)
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *WebhookDispatcher) Stats() Stats {
	return Stats{
		QueueDepth:   len(d.queue),
		Queued:       d.queued.Load(),
		Delivered:    d.delivered.Load(),
		Failed:       d.failed.Load(),
		Dropped:      d.dropped.Load(),
		RetriesTotal: d.retriesTotal.Load(),
		Circuit:      d.breaker.current().String(),
	}
}

// Close stops accepting events and drains the queue until ctx expires.
func (d *WebhookDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}

	d.logger.Info("Dispatcher shutting down", "queued", len(d.queue))
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *WebhookDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

func (d *WebhookDispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			d.drainQueue()
			return
		case event := <-d.queue:
			d.deliver(event)
		}
	}
}

func (d *WebhookDispatcher) drainQueue() {
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		default:
			return
		}
	}
}

func (d *WebhookDispatcher) deliver(event *CloudEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	if !d.breaker.allow() {
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warn("Webhook circuit open, event not delivered", "type", event.Type, "subject", event.Subject)
		return
	}

	start := time.Now()
	err := d.sendWithRetry(ctx, event)
	d.breaker.record(err)
	if err != nil {
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warn("Delivery failed", "type", event.Type, "subject", event.Subject, "error", err)
		return
	}

	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
	}
}

func (d *WebhookDispatcher) sendWithRetry(ctx context.Context, event *CloudEvent) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = defaultInitialBackoff
	eb.MaxInterval = defaultMaxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, d.config.MaxRetries), ctx)

	op := func() error {
		err := d.sender.Send(ctx, d.config.URL, event, d.config.SigningKey)
		if IsClientError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(error, time.Duration) { d.retriesTotal.Add(1) }
	return backoff.RetryNotify(op, policy, notify)
}

var _ Publisher = (*WebhookDispatcher)(nil)
