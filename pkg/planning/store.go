// Package planning holds the shipment and inventory picture and joins it
// against mitigation plans to flag concrete exposure.
package planning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/riskflow-io/riskflow/pkg/domain"
)

// Key layout of the planning store.
const (
	keyShipments = "planning:shipments"
	keyInventory = "planning:inventory"
)

func laneKey(laneID string) string {
	return "planning:lane:" + laneID
}

func inventoryField(sku, siteID string) string {
	return sku + "|" + siteID
}

// Store is what the impact join needs from the planning data.
type Store interface {
	SaveShipment(ctx context.Context, plan domain.ShipmentPlan) error
	SaveInventory(ctx context.Context, snap domain.InventorySnapshot) error
	ShipmentsByRegion(ctx context.Context, region string) ([]domain.ShipmentPlan, error)
	InventoryByRegion(ctx context.Context, region string) ([]domain.InventorySnapshot, error)
	ShipmentsByLane(ctx context.Context, laneID string) ([]domain.ShipmentPlan, error)
}

// RedisStore keeps shipments and inventory in hashes keyed by their ids,
// with per-lane sets for lane lookups. Later saves replace earlier ones.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) SaveShipment(ctx context.Context, plan domain.ShipmentPlan) error {
	raw, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("planning: marshal shipment %s: %w", plan.ShipmentID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, keyShipments, plan.ShipmentID, string(raw))
	if plan.LaneID != "" {
		pipe.SAdd(ctx, laneKey(plan.LaneID), plan.ShipmentID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("planning: save shipment %s: %w", plan.ShipmentID, err)
	}
	return nil
}

func (s *RedisStore) SaveInventory(ctx context.Context, snap domain.InventorySnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("planning: marshal inventory %s: %w", snap.SKU, err)
	}
	if err := s.client.HSet(ctx, keyInventory, inventoryField(snap.SKU, snap.SiteID), string(raw)).Err(); err != nil {
		return fmt.Errorf("planning: save inventory %s/%s: %w", snap.SKU, snap.SiteID, err)
	}
	return nil
}

func (s *RedisStore) ShipmentsByRegion(ctx context.Context, region string) ([]domain.ShipmentPlan, error) {
	all, err := s.client.HGetAll(ctx, keyShipments).Result()
	if err != nil {
		return nil, fmt.Errorf("planning: read shipments: %w", err)
	}
	var out []domain.ShipmentPlan
	for id, raw := range all {
		var plan domain.ShipmentPlan
		if err := json.Unmarshal([]byte(raw), &plan); err != nil {
			return nil, fmt.Errorf("planning: parse shipment %s: %w", id, err)
		}
		if strings.EqualFold(plan.Region, region) {
			out = append(out, plan)
		}
	}
	return out, nil
}

func (s *RedisStore) InventoryByRegion(ctx context.Context, region string) ([]domain.InventorySnapshot, error) {
	all, err := s.client.HGetAll(ctx, keyInventory).Result()
	if err != nil {
		return nil, fmt.Errorf("planning: read inventory: %w", err)
	}
	var out []domain.InventorySnapshot
	for field, raw := range all {
		var snap domain.InventorySnapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return nil, fmt.Errorf("planning: parse inventory %s: %w", field, err)
		}
		if strings.EqualFold(snap.Region, region) {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (s *RedisStore) ShipmentsByLane(ctx context.Context, laneID string) ([]domain.ShipmentPlan, error) {
	ids, err := s.client.SMembers(ctx, laneKey(laneID)).Result()
	if err != nil {
		return nil, fmt.Errorf("planning: read lane %s: %w", laneID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raws, err := s.client.HMGet(ctx, keyShipments, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("planning: read lane shipments %s: %w", laneID, err)
	}
	var out []domain.ShipmentPlan
	for i, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue // id in the lane set but shipment record gone
		}
		var plan domain.ShipmentPlan
		if err := json.Unmarshal([]byte(str), &plan); err != nil {
			return nil, fmt.Errorf("planning: parse shipment %s: %w", ids[i], err)
		}
		out = append(out, plan)
	}
	return out, nil
}
