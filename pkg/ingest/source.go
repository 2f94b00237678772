package ingest

import "context"

// Source produces batches of raw, provider-shaped events. Connectors and the
// HTTP gateway both feed the service through this interface.
type Source interface {
	// Name identifies the source in logs and cycle summaries.
	Name() string

	// Poll fetches the next batch of raw events. An empty batch is not an
	// error; it just means nothing new since the last poll.
	Poll(ctx context.Context) ([]map[string]any, error)
}

// StaticSource replays a fixed batch once, then reports empty. Useful in
// tests and for seeding demo data.
type StaticSource struct {
	name   string
	events []map[string]any
	played bool
}

// NewStaticSource creates a StaticSource.
func NewStaticSource(name string, events []map[string]any) *StaticSource {
	return &StaticSource{name: name, events: events}
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Poll(ctx context.Context) ([]map[string]any, error) {
	if s.played {
		return nil, nil
	}
	s.played = true
	return s.events, nil
}
