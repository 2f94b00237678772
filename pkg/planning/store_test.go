package planning

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riskflow-io/riskflow/pkg/domain"
)

func testStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestStoreShipments(t *testing.T) {
	ctx := context.Background()
	store, mr := testStore(t)

	require.NoError(t, store.SaveShipment(ctx, domain.ShipmentPlan{
		ShipmentID: "sh-1", LaneID: "rtm-ham", Region: "EU-West", ValueUSD: 120000,
	}))
	require.NoError(t, store.SaveShipment(ctx, domain.ShipmentPlan{
		ShipmentID: "sh-2", LaneID: "rtm-ham", Region: "EU-West",
	}))
	require.NoError(t, store.SaveShipment(ctx, domain.ShipmentPlan{
		ShipmentID: "sh-3", LaneID: "sgp-lax", Region: "APAC",
	}))

	t.Run("lookup by region is case-insensitive", func(t *testing.T) {
		got, err := store.ShipmentsByRegion(ctx, "eu-west")
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("lookup by lane", func(t *testing.T) {
		got, err := store.ShipmentsByLane(ctx, "rtm-ham")
		require.NoError(t, err)
		require.Len(t, got, 2)

		got, err = store.ShipmentsByLane(ctx, "no-such-lane")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("save replaces by shipment id", func(t *testing.T) {
		require.NoError(t, store.SaveShipment(ctx, domain.ShipmentPlan{
			ShipmentID: "sh-1", LaneID: "rtm-ham", Region: "EU-West", ValueUSD: 99000,
		}))
		got, err := store.ShipmentsByLane(ctx, "rtm-ham")
		require.NoError(t, err)
		assert.Len(t, got, 2, "replacing a shipment must not duplicate it")
	})

	t.Run("lane set survives a missing shipment record", func(t *testing.T) {
		mr.HDel(keyShipments, "sh-2")
		got, err := store.ShipmentsByLane(ctx, "rtm-ham")
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})
}

func TestStoreInventory(t *testing.T) {
	ctx := context.Background()
	store, _ := testStore(t)

	require.NoError(t, store.SaveInventory(ctx, domain.InventorySnapshot{
		SKU: "widget-9", SiteID: "dc-rtm", Region: "EU-West", DaysOfCover: 4.5,
	}))
	require.NoError(t, store.SaveInventory(ctx, domain.InventorySnapshot{
		SKU: "widget-9", SiteID: "dc-sgp", Region: "APAC", DaysOfCover: 21,
	}))

	got, err := store.InventoryByRegion(ctx, "EU-West")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "dc-rtm", got[0].SiteID)
	assert.InDelta(t, 4.5, got[0].DaysOfCover, 1e-9)

	t.Run("same sku at two sites are distinct records", func(t *testing.T) {
		require.NoError(t, store.SaveInventory(ctx, domain.InventorySnapshot{
			SKU: "widget-9", SiteID: "dc-rtm", Region: "EU-West", DaysOfCover: 3,
		}))
		all, err := store.InventoryByRegion(ctx, "APAC")
		require.NoError(t, err)
		assert.Len(t, all, 1, "updating one site must not touch the other")
	})
}

func TestStoreCorruptRecordSurfaces(t *testing.T) {
	ctx := context.Background()
	store, mr := testStore(t)

	mr.HSet(keyShipments, "sh-bad", "{not json")
	_, err := store.ShipmentsByRegion(ctx, "EU-West")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse shipment")
}
