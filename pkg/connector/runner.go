package connector

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// stopPollGranularity bounds how long a stopped runner keeps sleeping.
const stopPollGranularity = 500 * time.Millisecond

// Runner drives one connector: acquire the lease, poll, record metrics,
// release, sleep until the next interval. Losing the lease race just means
// another instance polled this round.
type Runner struct {
	connector Connector
	leases    LeaseManager
	metrics   MetricsCollector
	cfg       Config
	logger    *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRunner creates a Runner for one connector instance.
func NewRunner(c Connector, leases LeaseManager, metrics MetricsCollector, cfg Config) *Runner {
	return &Runner{
		connector: c,
		leases:    leases,
		metrics:   metrics,
		cfg:       cfg,
		logger:    slog.Default().With("connector", c.Name()),
		stopCh:    make(chan struct{}),
	}
}

// Start runs the poll loop in a goroutine until Stop.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.logger.Info("Connector runner started",
			"poll_interval_ms", r.cfg.PollInterval().Milliseconds())
		for {
			r.RunOnce(ctx)
			if !r.sleep(r.cfg.PollInterval()) {
				r.logger.Info("Connector runner stopped")
				return
			}
			select {
			case <-ctx.Done():
				r.logger.Info("Context cancelled, connector runner stopped")
				return
			default:
			}
		}
	}()
}

// Stop signals the loop and waits for the in-flight poll to finish. Safe to
// call more than once.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// RunOnce performs one lease-guarded poll iteration. Poll errors are logged
// and recorded, never propagated; the loop must survive a flaky provider.
func (r *Runner) RunOnce(ctx context.Context) {
	name := r.connector.Name()

	acquired, err := r.leases.TryAcquire(ctx, name, r.cfg.LeaseTTL())
	if err != nil {
		r.logger.Error("Lease acquisition failed", "error", err)
		return
	}
	if !acquired {
		r.logger.Debug("Lease held by another instance, skipping poll")
		return
	}
	defer func() {
		if err := r.leases.Release(ctx, name); err != nil {
			r.logger.Warn("Lease release failed", "error", err)
		}
	}()

	start := time.Now()
	summary, err := r.connector.Poll(ctx)
	latency := time.Since(start)
	if err != nil {
		summary.Failed++
		r.logger.Error("Poll failed", "error", err, "latency_ms", latency.Milliseconds())
	} else {
		r.logger.Info("Poll completed",
			"fetched", summary.Fetched, "published", summary.Published,
			"skipped_unchanged", summary.SkippedUnchanged, "failed", summary.Failed,
			"latency_ms", latency.Milliseconds())
	}

	if err := r.metrics.RecordPoll(ctx, name, summary, latency); err != nil {
		r.logger.Warn("Failed to record poll metrics", "error", err)
	}
}

// sleep waits for d, waking at least every 500ms to check for stop. Returns
// false when stop was signalled.
func (r *Runner) sleep(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		if remaining > stopPollGranularity {
			remaining = stopPollGranularity
		}
		select {
		case <-r.stopCh:
			return false
		case <-time.After(remaining):
		}
	}
}

// Supervisor owns the running set of connectors and reconciles it against
// registry reloads: new entries start, disabled or absent entries stop,
// unchanged entries keep their runner (and their in-flight poll).
type Supervisor struct {
	deps    Deps
	leases  LeaseManager
	metrics MetricsCollector
	logger  *slog.Logger

	mu      sync.Mutex
	runners map[string]*Runner
}

// NewSupervisor creates an empty Supervisor.
func NewSupervisor(deps Deps, leases LeaseManager, metrics MetricsCollector) *Supervisor {
	return &Supervisor{
		deps:    deps,
		leases:  leases,
		metrics: metrics,
		logger:  slog.Default().With("component", "connector-supervisor"),
		runners: make(map[string]*Runner),
	}
}

// Apply reconciles the running set against a freshly loaded registry.
func (s *Supervisor) Apply(ctx context.Context, registry []Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]Config, len(registry))
	for _, cfg := range registry {
		if cfg.Enabled {
			wanted[cfg.Name] = cfg
		}
	}

	for name, runner := range s.runners {
		if _, keep := wanted[name]; keep {
			continue
		}
		s.logger.Info("Stopping connector removed from registry", "connector", name)
		runner.Stop()
		delete(s.runners, name)
	}

	for name, cfg := range wanted {
		if _, running := s.runners[name]; running {
			continue
		}
		c, err := Create(cfg, s.deps)
		if err != nil {
			s.logger.Error("Failed to create connector", "connector", name, "error", err)
			continue
		}
		runner := NewRunner(c, s.leases, s.metrics, cfg)
		runner.Start(ctx)
		s.runners[name] = runner
	}
}

// Running lists the names of connectors currently running.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.runners))
	for name := range s.runners {
		names = append(names, name)
	}
	return names
}

// StopAll stops every runner and empties the set.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, runner := range s.runners {
		runner.Stop()
		delete(s.runners, name)
	}
}
