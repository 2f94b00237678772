package connector

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConnector counts polls and can be made to fail.
type fakeConnector struct {
	name  string
	polls atomic.Int64
	fail  bool
}

func (f *fakeConnector) Name() string { return f.name }

func (f *fakeConnector) Poll(ctx context.Context) (PollSummary, error) {
	f.polls.Add(1)
	if f.fail {
		return PollSummary{}, errors.New("provider down")
	}
	return PollSummary{Fetched: 1, Published: 1}, nil
}

// recordingMetrics captures RecordPoll calls in memory.
type recordingMetrics struct {
	records []PollSummary
}

func (m *recordingMetrics) RecordPoll(ctx context.Context, name string, summary PollSummary, latency time.Duration) error {
	m.records = append(m.records, summary)
	return nil
}

func (m *recordingMetrics) IsHealthy(ctx context.Context, name string, maxAge time.Duration) (bool, error) {
	return len(m.records) > 0, nil
}

func (m *recordingMetrics) Snapshot(ctx context.Context, name string) (Metrics, error) {
	return Metrics{TotalPolls: int64(len(m.records))}, nil
}

func TestRunnerRunOncePollsAndReleasesLease(t *testing.T) {
	ctx := context.Background()
	table := NewMemoryLeaseTable()
	metrics := &recordingMetrics{}
	fake := &fakeConnector{name: "c1"}

	r := NewRunner(fake, table.Manager(), metrics, Config{Name: "c1", Type: "t"})
	r.RunOnce(ctx)

	assert.Equal(t, int64(1), fake.polls.Load())
	require.Len(t, metrics.records, 1)
	assert.Equal(t, PollSummary{Fetched: 1, Published: 1}, metrics.records[0])

	// Lease was released: another instance can acquire immediately.
	ok, err := table.Manager().TryAcquire(ctx, "c1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunnerSkipsWhenLeaseHeld(t *testing.T) {
	ctx := context.Background()
	table := NewMemoryLeaseTable()
	holder := table.Manager()
	ok, err := holder.TryAcquire(ctx, "c1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	metrics := &recordingMetrics{}
	fake := &fakeConnector{name: "c1"}
	r := NewRunner(fake, table.Manager(), metrics, Config{Name: "c1", Type: "t"})
	r.RunOnce(ctx)

	assert.Zero(t, fake.polls.Load(), "poll must not run without the lease")
	assert.Empty(t, metrics.records)
}

func TestRunnerRecordsFailedPoll(t *testing.T) {
	ctx := context.Background()
	table := NewMemoryLeaseTable()
	metrics := &recordingMetrics{}
	fake := &fakeConnector{name: "c1", fail: true}

	r := NewRunner(fake, table.Manager(), metrics, Config{Name: "c1", Type: "t"})
	r.RunOnce(ctx)

	require.Len(t, metrics.records, 1)
	assert.Equal(t, 1, metrics.records[0].Failed, "errored poll recorded as a failure")

	ok, err := table.Manager().TryAcquire(ctx, "c1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lease released even when the poll fails")
}

func TestRunnerStartStop(t *testing.T) {
	ctx := context.Background()
	table := NewMemoryLeaseTable()
	fake := &fakeConnector{name: "c1"}

	r := NewRunner(fake, table.Manager(), &recordingMetrics{}, Config{
		Name: "c1", Type: "t", PollIntervalMs: 10,
	})
	r.Start(ctx)

	require.Eventually(t, func() bool { return fake.polls.Load() >= 2 },
		2*time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop() // idempotent
	after := fake.polls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, fake.polls.Load(), "no polls after stop")
}

func TestSupervisorReconcilesRegistry(t *testing.T) {
	ctx := context.Background()
	Clear()
	t.Cleanup(func() {
		Clear()
		registerBuiltins()
	})

	created := map[string]*fakeConnector{}
	Register("fake", func(cfg Config, deps Deps) (Connector, error) {
		f := &fakeConnector{name: cfg.Name}
		created[cfg.Name] = f
		return f, nil
	})

	deps, _ := testDeps()
	s := NewSupervisor(deps, NewMemoryLeaseTable().Manager(), &recordingMetrics{})

	s.Apply(ctx, []Config{
		{Name: "a", Type: "fake", Enabled: true, PollIntervalMs: 10},
		{Name: "b", Type: "fake", Enabled: true, PollIntervalMs: 10},
		{Name: "c", Type: "fake", Enabled: false},
	})
	assert.ElementsMatch(t, []string{"a", "b"}, s.Running(), "disabled entries never start")

	// Reload: b disabled, d added.
	s.Apply(ctx, []Config{
		{Name: "a", Type: "fake", Enabled: true, PollIntervalMs: 10},
		{Name: "b", Type: "fake", Enabled: false},
		{Name: "d", Type: "fake", Enabled: true, PollIntervalMs: 10},
	})
	assert.ElementsMatch(t, []string{"a", "d"}, s.Running())

	require.Eventually(t, func() bool {
		return created["d"] != nil && created["d"].polls.Load() > 0
	}, 2*time.Second, 5*time.Millisecond)

	s.StopAll()
	assert.Empty(t, s.Running())
}
