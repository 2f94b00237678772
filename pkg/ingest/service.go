// Package ingest turns raw provider events into canonical signals on the
// event bus, exactly once per event id within the dedup window.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/riskflow-io/riskflow/pkg/bus"
	"github.com/riskflow-io/riskflow/pkg/dedup"
	"github.com/riskflow-io/riskflow/pkg/domain"
	"github.com/riskflow-io/riskflow/pkg/retry"
)

// Summary reports the outcome of one ingestion pass.
type Summary struct {
	Polled              int `json:"polled"`
	Queued              int `json:"queued"`
	SkippedDeduplicated int `json:"skipped_deduplicated"`
	Published           int `json:"published"`
	Failed              int `json:"failed"`
	Pending             int `json:"pending"`
}

// Config parameterizes a Service.
type Config struct {
	// OutputStream is where normalized signals are published. Defaults to
	// the external-signals stream.
	OutputStream string

	// MaxPublishAttempts bounds publish retries per signal. Default 4.
	MaxPublishAttempts int

	// RetryDelay is the base backoff between publish attempts. Default 50ms.
	RetryDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.OutputStream == "" {
		c.OutputStream = domain.StreamExternalSignals
	}
	if c.MaxPublishAttempts <= 0 {
		c.MaxPublishAttempts = 4
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 50 * time.Millisecond
	}
}

// Service normalizes raw events, deduplicates them by event id, and
// publishes the survivors. Signals whose publish fails after all retries
// stay queued and are retried on the next pass, with their dedup mark
// cleared so the retry is not self-defeating.
//
// Service is not safe for concurrent use; each role runs exactly one.
type Service struct {
	publisher bus.EventPublisher
	dedup     dedup.Store
	sources   []Source
	cfg       Config
	logger    *slog.Logger

	// pending holds normalized signals not yet published, in arrival order.
	pending    []domain.Signal
	pendingIDs map[string]struct{}

	now func() time.Time
}

// NewService creates a Service feeding the configured output stream.
func NewService(publisher bus.EventPublisher, store dedup.Store, sources []Source, cfg Config) *Service {
	cfg.applyDefaults()
	return &Service{
		publisher:  publisher,
		dedup:      store,
		sources:    sources,
		cfg:        cfg,
		logger:     slog.Default().With("component", "ingest", "stream", cfg.OutputStream),
		pendingIDs: make(map[string]struct{}),
		now:        time.Now,
	}
}

// IngestSignals normalizes and queues the given raw events, then drains the
// pending queue: each signal is marked in the dedup store, published with
// retries, and dropped from the queue on success or duplicate.
func (s *Service) IngestSignals(ctx context.Context, rawEvents []map[string]any) Summary {
	summary := Summary{Polled: len(rawEvents)}

	now := s.now()
	for _, raw := range rawEvents {
		sig, err := Normalize(raw, now)
		if err != nil {
			summary.Failed++
			s.logger.Warn("Dropping raw event that failed normalization", "error", err)
			continue
		}
		if _, queued := s.pendingIDs[sig.EventID]; queued {
			continue
		}
		s.pending = append(s.pending, sig)
		s.pendingIDs[sig.EventID] = struct{}{}
		summary.Queued++
	}

	s.drain(ctx, &summary)
	summary.Pending = len(s.pending)
	return summary
}

// drain walks the pending queue in order. Publish failure keeps the signal
// queued for the next pass; every other outcome removes it.
func (s *Service) drain(ctx context.Context, summary *Summary) {
	var kept []domain.Signal
	for _, sig := range s.pending {
		switch s.dispatch(ctx, sig) {
		case outcomePublished:
			summary.Published++
			delete(s.pendingIDs, sig.EventID)
		case outcomeDuplicate:
			summary.SkippedDeduplicated++
			delete(s.pendingIDs, sig.EventID)
		case outcomeRetryLater:
			kept = append(kept, sig)
		}
	}
	s.pending = kept
}

type outcome int

const (
	outcomePublished outcome = iota
	outcomeDuplicate
	outcomeRetryLater
)

// dispatch publishes one signal behind the dedup gate. The mark is taken
// before publishing and rolled back when the publish fails terminally, so a
// later pass can try again.
func (s *Service) dispatch(ctx context.Context, sig domain.Signal) outcome {
	first, err := s.dedup.MarkIfFirstSeen(ctx, s.cfg.OutputStream, sig.EventID)
	if err != nil {
		s.logger.Error("Dedup store unavailable, keeping signal queued",
			"event_id", sig.EventID, "error", err)
		return outcomeRetryLater
	}
	if !first {
		s.logger.Debug("Skipping duplicate signal", "event_id", sig.EventID)
		return outcomeDuplicate
	}

	err = retry.WithRetry(ctx, retry.Options{
		Attempts:  s.cfg.MaxPublishAttempts,
		BaseDelay: s.cfg.RetryDelay,
		OnRetry: func(a retry.Attempt) {
			s.logger.Warn("Publish failed, retrying",
				"event_id", sig.EventID, "attempt", a.Attempt,
				"delay_ms", a.Delay.Milliseconds(), "error", a.Err)
		},
	}, func() error {
		_, err := s.publisher.Publish(ctx, s.cfg.OutputStream, sig, nil)
		return err
	})
	if err != nil {
		// Roll back the mark so the queued signal is not rejected as a
		// duplicate of itself on the next pass.
		if clearErr := s.dedup.Clear(ctx, s.cfg.OutputStream, sig.EventID); clearErr != nil {
			s.logger.Error("Failed to clear dedup mark after publish failure",
				"event_id", sig.EventID, "error", clearErr)
		}
		s.logger.Error("Publish failed after all attempts, keeping signal queued",
			"event_id", sig.EventID, "error", err)
		return outcomeRetryLater
	}
	return outcomePublished
}

// RunCycle polls every source and ingests whatever they return. A failing
// source is logged and skipped; it never blocks the others.
func (s *Service) RunCycle(ctx context.Context) Summary {
	var raws []map[string]any
	for _, src := range s.sources {
		batch, err := src.Poll(ctx)
		if err != nil {
			s.logger.Error("Source poll failed", "source", src.Name(), "error", err)
			continue
		}
		if len(batch) > 0 {
			s.logger.Info("Polled source", "source", src.Name(), "events", len(batch))
		}
		raws = append(raws, batch...)
	}
	return s.IngestSignals(ctx, raws)
}

// PendingCount reports how many normalized signals await publish.
func (s *Service) PendingCount() int {
	return len(s.pending)
}
