// Package gateway provides the HTTP front doors of the pipeline: the signal
// ingestion gateway and the planning-data gateway, both behind a bounded
// concurrency admission queue.
package gateway

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrQueueFull is returned when both the execution slots and the wait queue
// are exhausted. HTTP handlers map it to 503 QUEUE_FULL.
var ErrQueueFull = errors.New("gateway: queue full")

// QueueMetrics is a snapshot of admission-queue counters.
type QueueMetrics struct {
	RequestsTotal           int64 `json:"requests_total"`
	RequestsFailed          int64 `json:"requests_failed"`
	RequestsInFlight        int64 `json:"requests_in_flight"`
	QueueDepth              int64 `json:"queue_depth"`
	QueueOverflowRejections int64 `json:"queue_overflow_rejections"`
}

// AdmissionQueue bounds concurrent work: up to maxConcurrency callers run at
// once, up to maxQueueSize more wait their turn, and everyone else is
// rejected immediately.
type AdmissionQueue struct {
	slots chan struct{}
	queue chan struct{}

	total    atomic.Int64
	failed   atomic.Int64
	inFlight atomic.Int64
	waiting  atomic.Int64
	overflow atomic.Int64
}

// NewAdmissionQueue creates a queue. Non-positive parameters fall back to 1
// slot and no waiting room.
func NewAdmissionQueue(maxConcurrency, maxQueueSize int) *AdmissionQueue {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	if maxQueueSize < 0 {
		maxQueueSize = 0
	}
	return &AdmissionQueue{
		slots: make(chan struct{}, maxConcurrency),
		queue: make(chan struct{}, maxQueueSize),
	}
}

// Do runs fn under the concurrency bound. It returns ErrQueueFull when no
// slot or queue position is available, the context error when the caller
// gives up while queued, and otherwise fn's own error.
func (q *AdmissionQueue) Do(ctx context.Context, fn func() error) error {
	q.total.Add(1)

	select {
	case q.slots <- struct{}{}:
	default:
		// No free slot; try to take a queue position.
		select {
		case q.queue <- struct{}{}:
		default:
			q.overflow.Add(1)
			q.failed.Add(1)
			return ErrQueueFull
		}
		q.waiting.Add(1)
		select {
		case q.slots <- struct{}{}:
			q.waiting.Add(-1)
			<-q.queue
		case <-ctx.Done():
			q.waiting.Add(-1)
			<-q.queue
			q.failed.Add(1)
			return ctx.Err()
		}
	}

	q.inFlight.Add(1)
	defer func() {
		q.inFlight.Add(-1)
		<-q.slots
	}()

	if err := fn(); err != nil {
		q.failed.Add(1)
		return err
	}
	return nil
}

// Metrics returns a point-in-time snapshot of the counters.
func (q *AdmissionQueue) Metrics() QueueMetrics {
	return QueueMetrics{
		RequestsTotal:           q.total.Load(),
		RequestsFailed:          q.failed.Load(),
		RequestsInFlight:        q.inFlight.Load(),
		QueueDepth:              q.waiting.Load(),
		QueueOverflowRejections: q.overflow.Load(),
	}
}
