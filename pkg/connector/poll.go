package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/riskflow-io/riskflow/pkg/bus"
)

// Item is one provider-shaped record returned by a fetcher.
type Item = map[string]any

// Fetcher retrieves the current batch of items from the provider.
type Fetcher func(ctx context.Context) ([]Item, error)

// Transformer converts one item into the signal to publish.
type Transformer func(item Item) (any, error)

// ChangeDetector yields a version string for an item; equal versions mean
// the item is unchanged and nothing needs publishing.
type ChangeDetector func(item Item) string

// PollSummary reports one poll pass. Fetched always equals
// Published + SkippedUnchanged + Failed.
type PollSummary struct {
	Fetched          int `json:"fetched"`
	Published        int `json:"published"`
	SkippedUnchanged int `json:"skipped_unchanged"`
	Failed           int `json:"failed"`
}

// State is the connector cursor persisted between polls.
type State struct {
	ItemVersions map[string]string `json:"item_versions"`
}

// PollingConnector is the generic fetch-transform-publish connector every
// built-in type is an instance of.
type PollingConnector struct {
	name      string
	stream    string
	fetch     Fetcher
	transform Transformer
	detect    ChangeDetector
	itemKey   func(Item) string
	publisher bus.EventPublisher
	state     StateStore
	logger    *slog.Logger
}

// PollingConnectorOptions configure NewPollingConnector.
type PollingConnectorOptions struct {
	// Detect is optional; when nil every fetched item is published.
	Detect ChangeDetector

	// ItemKey identifies an item across polls. Defaults to the item's "id"
	// field, falling back to its stable JSON serialization.
	ItemKey func(Item) string
}

// NewPollingConnector assembles a connector from its parts.
func NewPollingConnector(cfg Config, deps Deps, fetch Fetcher, transform Transformer, opts PollingConnectorOptions) *PollingConnector {
	itemKey := opts.ItemKey
	if itemKey == nil {
		itemKey = defaultItemKey
	}
	return &PollingConnector{
		name:      cfg.Name,
		stream:    cfg.Stream(),
		fetch:     fetch,
		transform: transform,
		detect:    opts.Detect,
		itemKey:   itemKey,
		publisher: deps.Publisher,
		state:     deps.State,
		logger:    slog.Default().With("connector", cfg.Name, "stream", cfg.Stream()),
	}
}

func (c *PollingConnector) Name() string { return c.name }

// Poll loads the stored item versions, fetches the provider's current batch,
// publishes what changed, and saves the updated versions. A failed state
// save is logged but does not fail the poll; the worst case is republishing
// on the next pass, which the downstream dedup absorbs.
func (c *PollingConnector) Poll(ctx context.Context) (PollSummary, error) {
	st := State{ItemVersions: map[string]string{}}
	if _, err := c.state.Load(ctx, c.name, &st); err != nil {
		return PollSummary{}, fmt.Errorf("connector %q: load state: %w", c.name, err)
	}
	if st.ItemVersions == nil {
		st.ItemVersions = map[string]string{}
	}

	items, err := c.fetch(ctx)
	if err != nil {
		return PollSummary{}, fmt.Errorf("connector %q: fetch: %w", c.name, err)
	}

	summary := PollSummary{Fetched: len(items)}
	for _, item := range items {
		key := c.itemKey(item)

		var version string
		if c.detect != nil {
			version = c.detect(item)
			if version == st.ItemVersions[key] {
				summary.SkippedUnchanged++
				continue
			}
		}

		signal, err := c.transform(item)
		if err != nil {
			summary.Failed++
			c.logger.Warn("Item transform failed", "item_key", key, "error", err)
			continue
		}

		if _, err := c.publisher.Publish(ctx, c.stream, signal, nil); err != nil {
			summary.Failed++
			c.logger.Warn("Item publish failed", "item_key", key, "error", err)
			continue
		}
		summary.Published++
		if c.detect != nil {
			st.ItemVersions[key] = version
		}
	}

	if err := c.state.Save(ctx, c.name, st); err != nil {
		c.logger.Error("Failed to save connector state", "error", err)
	}
	return summary, nil
}

// defaultItemKey prefers the item's own id; otherwise the JSON serialization
// stands in, which is stable because Go marshals map keys sorted.
func defaultItemKey(item Item) string {
	if id, ok := item["id"].(string); ok && id != "" {
		return id
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Sprintf("%v", item)
	}
	return string(raw)
}
