package connector

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// MetricsTTL bounds how long an idle connector's metrics linger.
const MetricsTTL = 30 * 24 * time.Hour

// Metrics is the cumulative per-connector poll record. A poll counts as
// successful when nothing failed or at least something was published.
type Metrics struct {
	LastPollTime     time.Time `json:"last_poll_time"`
	LastSuccessTime  time.Time `json:"last_success_time"`
	TotalPolls       int64     `json:"total_polls"`
	SuccessfulPolls  int64     `json:"successful_polls"`
	FailedPolls      int64     `json:"failed_polls"`
	ItemsFetched     int64     `json:"items_fetched"`
	ItemsPublished   int64     `json:"items_published"`
	AverageLatencyMs float64   `json:"average_latency_ms"`
}

// MetricsCollector records poll outcomes and answers health queries.
type MetricsCollector interface {
	RecordPoll(ctx context.Context, name string, summary PollSummary, latency time.Duration) error

	// IsHealthy reports whether the connector both polled and succeeded
	// within maxAge.
	IsHealthy(ctx context.Context, name string, maxAge time.Duration) (bool, error)

	Snapshot(ctx context.Context, name string) (Metrics, error)
}

func metricsKey(name string) string {
	return "metrics:connector:" + name
}

// RedisMetricsCollector keeps one hash per connector, expiring after
// MetricsTTL.
type RedisMetricsCollector struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisMetricsCollector creates a RedisMetricsCollector.
func NewRedisMetricsCollector(client *redis.Client) *RedisMetricsCollector {
	return &RedisMetricsCollector{client: client, now: time.Now}
}

func (c *RedisMetricsCollector) RecordPoll(ctx context.Context, name string, summary PollSummary, latency time.Duration) error {
	m, err := c.Snapshot(ctx, name)
	if err != nil {
		return err
	}

	now := c.now().UTC()
	m.LastPollTime = now
	m.TotalPolls++
	m.ItemsFetched += int64(summary.Fetched)
	m.ItemsPublished += int64(summary.Published)
	if summary.Failed == 0 || summary.Published > 0 {
		m.SuccessfulPolls++
		m.LastSuccessTime = now
	} else {
		m.FailedPolls++
	}
	// Incremental mean keeps the average exact without storing history.
	m.AverageLatencyMs += (float64(latency.Milliseconds()) - m.AverageLatencyMs) / float64(m.TotalPolls)

	key := metricsKey(name)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key,
		"last_poll_time", m.LastPollTime.Format(time.RFC3339),
		"last_success_time", formatTime(m.LastSuccessTime),
		"total_polls", m.TotalPolls,
		"successful_polls", m.SuccessfulPolls,
		"failed_polls", m.FailedPolls,
		"items_fetched", m.ItemsFetched,
		"items_published", m.ItemsPublished,
		"average_latency_ms", strconv.FormatFloat(m.AverageLatencyMs, 'f', -1, 64))
	pipe.Expire(ctx, key, MetricsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("connector: record metrics %q: %w", name, err)
	}
	return nil
}

func (c *RedisMetricsCollector) IsHealthy(ctx context.Context, name string, maxAge time.Duration) (bool, error) {
	m, err := c.Snapshot(ctx, name)
	if err != nil {
		return false, err
	}
	if m.LastPollTime.IsZero() || m.LastSuccessTime.IsZero() {
		return false, nil
	}
	cutoff := c.now().Add(-maxAge)
	return m.LastPollTime.After(cutoff) && m.LastSuccessTime.After(cutoff), nil
}

func (c *RedisMetricsCollector) Snapshot(ctx context.Context, name string) (Metrics, error) {
	fields, err := c.client.HGetAll(ctx, metricsKey(name)).Result()
	if err != nil {
		return Metrics{}, fmt.Errorf("connector: read metrics %q: %w", name, err)
	}
	m := Metrics{
		LastPollTime:     parseTime(fields["last_poll_time"]),
		LastSuccessTime:  parseTime(fields["last_success_time"]),
		TotalPolls:       parseInt(fields["total_polls"]),
		SuccessfulPolls:  parseInt(fields["successful_polls"]),
		FailedPolls:      parseInt(fields["failed_polls"]),
		ItemsFetched:     parseInt(fields["items_fetched"]),
		ItemsPublished:   parseInt(fields["items_published"]),
		AverageLatencyMs: parseFloat(fields["average_latency_ms"]),
	}
	return m, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
