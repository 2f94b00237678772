// Package worker runs the generic consumer-group loop every pipeline stage
// is built on: pending-first reads, handler dispatch, retry with backoff,
// and deterministic dead-letter promotion.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/riskflow-io/riskflow/pkg/bus"
)

// Handler processes one decoded message. Returning an error leaves the
// message unacknowledged; it is redelivered until maxDeliveries is reached.
type Handler func(ctx context.Context, msg bus.ConsumerMessage) error

// Status is the worker lifecycle state.
type Status string

// Lifecycle states.
const (
	StatusInitialized Status = "initialized"
	StatusRunning     Status = "running"
	StatusStopping    Status = "stopping"
	StatusStopped     Status = "stopped"
)

// Config parameterizes a Worker.
type Config struct {
	Stream string
	Group  string

	// Consumer defaults to "<group>-<host>-<pid>".
	Consumer string

	// BatchSize caps messages per Consume call. Default 50.
	BatchSize int

	// Block is the blocking-read window for new messages. Zero defaults
	// to 5s; negative reads without blocking.
	Block time.Duration

	// MaxDeliveries is the attempt count at which a message is promoted
	// to the DLQ. Default 5.
	MaxDeliveries int

	// RetryBackoff is the base sleep after a handler failure; the actual
	// sleep is RetryBackoff × attempt, capped at 5s. Default 50ms.
	RetryBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.Consumer == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "local"
		}
		c.Consumer = fmt.Sprintf("%s-%s-%d", c.Group, host, os.Getpid())
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Block == 0 {
		c.Block = 5 * time.Second
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 50 * time.Millisecond
	}
}

const maxRetrySleep = 5 * time.Second

// Health is a point-in-time snapshot of a worker.
type Health struct {
	Stream            string    `json:"stream"`
	Group             string    `json:"group"`
	Consumer          string    `json:"consumer"`
	Status            Status    `json:"status"`
	MessagesProcessed int       `json:"messages_processed"`
	MessagesFailed    int       `json:"messages_failed"`
	LastActivity      time.Time `json:"last_activity"`
}

// Worker is a single consumer-group member processing one stream
// sequentially. Parallelism comes from running more workers with distinct
// consumer names in the same group.
type Worker struct {
	consumer bus.EventConsumer
	attempts AttemptStore
	handler  Handler
	cfg      Config
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu        sync.RWMutex
	status    Status
	processed int
	failed    int
	lastSeen  time.Time
}

// New creates a Worker. The handler must be non-nil.
func New(consumer bus.EventConsumer, attempts AttemptStore, handler Handler, cfg Config) *Worker {
	cfg.applyDefaults()
	return &Worker{
		consumer: consumer,
		attempts: attempts,
		handler:  handler,
		cfg:      cfg,
		logger: slog.Default().With(
			"stream", cfg.Stream, "group", cfg.Group, "consumer", cfg.Consumer),
		stopCh:   make(chan struct{}),
		status:   StatusInitialized,
		lastSeen: time.Now(),
	}
}

// Init ensures the consumer group exists, positioned at the head of the
// stream. Idempotent.
func (w *Worker) Init(ctx context.Context) error {
	return w.consumer.EnsureGroup(ctx, w.cfg.Stream, w.cfg.Group, bus.StartHead)
}

// Start runs the loop in a goroutine until Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.setStatus(StatusRunning)
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the loop to exit and waits for it. The in-flight message
// always resolves (ack or DLQ) before the loop exits. Safe to call twice.
func (w *Worker) Stop() {
	w.setStatus(StatusStopping)
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	w.setStatus(StatusStopped)
}

// Health returns a snapshot of the worker's state.
func (w *Worker) Health() Health {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Health{
		Stream:            w.cfg.Stream,
		Group:             w.cfg.Group,
		Consumer:          w.cfg.Consumer,
		Status:            w.status,
		MessagesProcessed: w.processed,
		MessagesFailed:    w.failed,
		LastActivity:      w.lastSeen,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	w.logger.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			w.logger.Info("Worker shutting down")
			return
		case <-ctx.Done():
			w.logger.Info("Context cancelled, worker shutting down")
			return
		default:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("Worker iteration failed", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

// RunOnce performs a single consume-and-process iteration and returns the
// number of messages handled. It is the unit tests drive directly.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	msgs, err := w.consumer.Consume(ctx, bus.ConsumeArgs{
		Stream:   w.cfg.Stream,
		Group:    w.cfg.Group,
		Consumer: w.cfg.Consumer,
		Count:    w.cfg.BatchSize,
		Block:    w.cfg.Block,
	})
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, msg := range msgs {
		w.process(ctx, msg)
		handled++
		// Finish the current message's ack/DLQ decision, then honor stop.
		select {
		case <-w.stopCh:
			return handled, nil
		default:
		}
	}
	return handled, nil
}

// process runs the handler for one message and applies the delivery-count
// policy. Every exit path resolves the message: ack on success, ack after
// DLQ promotion, or leave pending for redelivery.
func (w *Worker) process(ctx context.Context, msg bus.ConsumerMessage) {
	prior, err := w.attempts.Get(ctx, w.cfg.Stream, w.cfg.Group, msg.ID)
	if err != nil {
		w.logger.Warn("Failed to read attempt counter, assuming 0",
			"message_id", msg.ID, "error", err)
		prior = 0
	}

	handlerErr := w.invoke(ctx, msg)
	if handlerErr == nil {
		if _, err := w.consumer.Ack(ctx, w.cfg.Stream, w.cfg.Group, msg.ID); err != nil {
			w.logger.Error("Failed to ack processed message", "message_id", msg.ID, "error", err)
			return
		}
		if err := w.attempts.Delete(ctx, w.cfg.Stream, w.cfg.Group, msg.ID); err != nil {
			w.logger.Warn("Failed to delete attempt counter", "message_id", msg.ID, "error", err)
		}
		w.recordResult(true)
		return
	}

	w.recordResult(false)
	attempt, err := w.attempts.Incr(ctx, w.cfg.Stream, w.cfg.Group, msg.ID)
	if err != nil {
		w.logger.Error("Failed to increment attempt counter, leaving message pending",
			"message_id", msg.ID, "error", err)
		return
	}

	w.logger.Warn("Handler failed",
		"message_id", msg.ID, "attempt", attempt, "prior_attempts", prior,
		"max_deliveries", w.cfg.MaxDeliveries, "error", handlerErr)

	if attempt >= w.cfg.MaxDeliveries {
		w.promote(ctx, msg, handlerErr)
		return
	}

	delay := time.Duration(attempt) * w.cfg.RetryBackoff
	if delay > maxRetrySleep {
		delay = maxRetrySleep
	}
	w.logger.Info("Backing off before redelivery",
		"message_id", msg.ID, "attempt", attempt, "delay_ms", delay.Milliseconds())
	w.sleep(delay)
}

// invoke runs the handler, converting a panic into an ordinary handler
// error so a crashing handler follows the same delivery-count policy.
func (w *Worker) invoke(ctx context.Context, msg bus.ConsumerMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, msg)
}

// promote moves the message to the DLQ and acknowledges it in the source
// group. The two steps are ordered so a crash in between redelivers rather
// than loses the message.
func (w *Worker) promote(ctx context.Context, msg bus.ConsumerMessage, handlerErr error) {
	dlqID, err := w.consumer.MoveToDLQ(ctx, bus.DLQEntry{
		SourceStream:    w.cfg.Stream,
		SourceMessageID: msg.ID,
		Reason:          bus.ReasonMaxDeliveriesExceeded,
		Payload:         msg.Payload,
		Metadata: map[string]string{
			"group":      w.cfg.Group,
			"consumer":   w.cfg.Consumer,
			"last_error": handlerErr.Error(),
		},
	})
	if err != nil {
		w.logger.Error("Failed to dead-letter message, leaving pending",
			"message_id", msg.ID, "error", err)
		return
	}
	if _, err := w.consumer.Ack(ctx, w.cfg.Stream, w.cfg.Group, msg.ID); err != nil {
		w.logger.Error("Failed to ack dead-lettered message",
			"message_id", msg.ID, "dlq_id", dlqID, "error", err)
		return
	}
	if err := w.attempts.Delete(ctx, w.cfg.Stream, w.cfg.Group, msg.ID); err != nil {
		w.logger.Warn("Failed to delete attempt counter after DLQ promotion",
			"message_id", msg.ID, "error", err)
	}
	w.logger.Warn("Message promoted to DLQ",
		"message_id", msg.ID, "dlq_id", dlqID, "last_error", handlerErr.Error())
}

// sleep waits for d or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

func (w *Worker) setStatus(s Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = s
	w.lastSeen = time.Now()
}

func (w *Worker) recordResult(ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ok {
		w.processed++
	} else {
		w.failed++
	}
	w.lastSeen = time.Now()
}
