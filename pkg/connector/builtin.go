package connector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/riskflow-io/riskflow/pkg/domain"
	"github.com/riskflow-io/riskflow/pkg/ingest"
)

// Built-in connector types. Both are instances of the generic HTTP JSON
// poller, differing only in the source type they stamp on signals.
const (
	TypeWeatherAlerts    = "weather-alerts"
	TypeTrafficIncidents = "traffic-incidents"
)

func init() { registerBuiltins() }

func registerBuiltins() {
	Register(TypeWeatherAlerts, func(cfg Config, deps Deps) (Connector, error) {
		return newHTTPPoller(cfg, deps, domain.SourceTypeWeather)
	})
	Register(TypeTrafficIncidents, func(cfg Config, deps Deps) (Connector, error) {
		return newHTTPPoller(cfg, deps, domain.SourceTypeTraffic)
	})
}

// itemListKeys are the envelope fields providers commonly wrap their item
// arrays in. A bare top-level array is also accepted.
var itemListKeys = []string{"items", "alerts", "incidents", "features", "events"}

// newHTTPPoller builds a PollingConnector that GETs a JSON feed and
// publishes each changed item as a normalized signal.
func newHTTPPoller(cfg Config, deps Deps, sourceType domain.SourceType) (Connector, error) {
	url := cfg.Provider["url"]
	if url == "" {
		return nil, fmt.Errorf("connector %q: providerConfig.url is required", cfg.Name)
	}
	apiKey := cfg.Provider["api_key"]

	client := &http.Client{Timeout: cfg.RequestTimeout()}

	fetch := func(ctx context.Context) ([]Item, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return decodeItems(body)
	}

	transform := func(item Item) (any, error) {
		sig, err := ingest.Normalize(item, time.Now())
		if err != nil {
			return nil, err
		}
		if sig.SourceType == domain.SourceTypeOther {
			sig.SourceType = sourceType
		}
		return sig, nil
	}

	return NewPollingConnector(cfg, deps, fetch, transform, PollingConnectorOptions{
		Detect: contentVersion,
	}), nil
}

// decodeItems accepts a bare JSON array or an object wrapping one under a
// well-known key.
func decodeItems(body []byte) ([]Item, error) {
	var list []Item
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}

	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("response is neither an item array nor an object: %w", err)
	}
	for _, key := range itemListKeys {
		raw, ok := wrapped[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("field %q is not an item array: %w", key, err)
		}
		return list, nil
	}
	return nil, fmt.Errorf("no item array found under %v", itemListKeys)
}

// contentVersion prefers an explicit provider version field and falls back
// to hashing the whole item.
func contentVersion(item Item) string {
	for _, key := range []string{"updated_at", "updatedAt", "version", "etag"} {
		if v, ok := item[key].(string); ok && v != "" {
			return v
		}
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Sprintf("%v", item)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}
