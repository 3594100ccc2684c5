package kv_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veiloq/emberkv"
	"github.com/veiloq/emberkv/internal/enginetest"
	"github.com/veiloq/emberkv/kv"
)

func newClient(t *testing.T) *kv.Client {
	t.Helper()
	engine, _ := enginetest.Engine(t)
	return engine.KV()
}

func createEvents(t *testing.T, c *kv.Client, rangeType kv.ScalarType) {
	t.Helper()
	_, err := c.CreateTable(context.Background(), kv.CreateTableInput{
		TableName: "events",
		HashKey:   kv.KeyElement{Name: "device", Type: kv.TypeString},
		RangeKey:  &kv.KeyElement{Name: "at", Type: rangeType},
	})
	require.NoError(t, err)
}

func TestClient_TableLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	desc, err := c.CreateTable(ctx, kv.CreateTableInput{
		TableName:  "orders",
		HashKey:    kv.KeyElement{Name: "id", Type: kv.TypeString},
		StreamView: kv.StreamNewImage,
	})
	require.NoError(t, err)
	assert.Equal(t, "orders", desc.TableName)
	assert.True(t, desc.StreamEnabled())
	assert.False(t, desc.CreatedAt.IsZero())

	_, err = c.CreateTable(ctx, kv.CreateTableInput{
		TableName: "orders",
		HashKey:   kv.KeyElement{Name: "other", Type: kv.TypeNumber},
	})
	assert.ErrorIs(t, err, kv.ErrTableExists)

	_, err = c.CreateTable(ctx, kv.CreateTableInput{
		TableName: "broken",
		HashKey:   kv.KeyElement{Name: "id", Type: kv.TypeString},
		RangeKey:  &kv.KeyElement{Name: "id", Type: kv.TypeString},
	})
	assert.ErrorIs(t, err, kv.ErrInvalidInput)

	createEvents(t, c, kv.TypeNumber)
	names, err := c.ListTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"events", "orders"}, names)

	_, err = c.PutItem(ctx, "orders", kv.Item{"id": kv.String("o-1")})
	require.NoError(t, err)
	desc, err = c.DescribeTable(ctx, "orders")
	require.NoError(t, err)
	assert.EqualValues(t, 1, desc.ItemCount)
	assert.Nil(t, desc.RangeKey)

	require.NoError(t, c.DeleteTable(ctx, "orders"))
	assert.ErrorIs(t, c.DeleteTable(ctx, "orders"), kv.ErrTableNotFound)
	_, err = c.DescribeTable(ctx, "orders")
	assert.ErrorIs(t, err, kv.ErrTableNotFound)

	// Recreating a deleted table starts empty.
	_, err = c.CreateTable(ctx, kv.CreateTableInput{
		TableName: "orders",
		HashKey:   kv.KeyElement{Name: "id", Type: kv.TypeString},
	})
	require.NoError(t, err)
	items, err := c.Scan(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestClient_ItemOperations(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	createEvents(t, c, kv.TypeNumber)
	key := kv.Item{"device": kv.String("d1"), "at": kv.NumberInt(10)}

	missing, err := c.GetItem(ctx, "events", key)
	require.NoError(t, err)
	assert.Nil(t, missing)

	first := kv.Item{"device": kv.String("d1"), "at": kv.NumberInt(10), "temp": kv.Number("21.5")}
	old, err := c.PutItem(ctx, "events", first)
	require.NoError(t, err)
	assert.Nil(t, old)

	// "10.0" addresses the same item as "10".
	second := kv.Item{"device": kv.String("d1"), "at": kv.Number("10.0"), "temp": kv.Number("22")}
	old, err = c.PutItem(ctx, "events", second)
	require.NoError(t, err)
	assert.Equal(t, first, old)

	got, err := c.GetItem(ctx, "events", key)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	deleted, err := c.DeleteItem(ctx, "events", key)
	require.NoError(t, err)
	assert.Equal(t, second, deleted)
	deleted, err = c.DeleteItem(ctx, "events", key)
	require.NoError(t, err)
	assert.Nil(t, deleted)

	_, err = c.PutItem(ctx, "events", kv.Item{"device": kv.String("d1")})
	assert.ErrorIs(t, err, kv.ErrInvalidKey)
	_, err = c.GetItem(ctx, "events", first)
	assert.ErrorIs(t, err, kv.ErrInvalidKey, "non-key attributes are rejected in keys")
	_, err = c.PutItem(ctx, "missing", first)
	assert.ErrorIs(t, err, kv.ErrTableNotFound)
}

func TestClient_EmptyValuesRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	_, err := c.CreateTable(ctx, kv.CreateTableInput{
		TableName: "docs",
		HashKey:   kv.KeyElement{Name: "id", Type: kv.TypeString},
	})
	require.NoError(t, err)

	item := kv.Item{
		"id":    kv.String("d1"),
		"attrs": kv.Map(nil),
		"parts": kv.List(),
		"blob":  kv.Binary(nil),
	}
	_, err = c.PutItem(ctx, "docs", item)
	require.NoError(t, err)

	got, err := c.GetItem(ctx, "docs", kv.Item{"id": kv.String("d1")})
	require.NoError(t, err)
	assert.Equal(t, item, got)
}

func TestClient_QueryOrdersNumericRangeKeys(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	createEvents(t, c, kv.TypeNumber)

	for _, at := range []string{"100", "9", "-3", "10.5"} {
		_, err := c.PutItem(ctx, "events", kv.Item{"device": kv.String("d1"), "at": kv.Number(at)})
		require.NoError(t, err)
	}
	_, err := c.PutItem(ctx, "events", kv.Item{"device": kv.String("d2"), "at": kv.NumberInt(1)})
	require.NoError(t, err)

	items, err := c.Query(ctx, "events", kv.String("d1"))
	require.NoError(t, err)
	var order []string
	for _, it := range items {
		order = append(order, *it["at"].N)
	}
	assert.Equal(t, []string{"-3", "9", "10.5", "100"}, order)

	all, err := c.Scan(ctx, "events")
	require.NoError(t, err)
	assert.Len(t, all, 5)
	assert.Equal(t, "d2", *all[4]["device"].S)

	_, err = c.Query(ctx, "events", kv.NumberInt(1))
	assert.ErrorIs(t, err, kv.ErrInvalidKey)
}

func TestClient_BinaryKeys(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	_, err := c.CreateTable(ctx, kv.CreateTableInput{
		TableName: "blobs",
		HashKey:   kv.KeyElement{Name: "digest", Type: kv.TypeBinary},
	})
	require.NoError(t, err)

	item := kv.Item{"digest": kv.Binary([]byte{0, 1, 2, 255}), "size": kv.NumberInt(4)}
	_, err = c.PutItem(ctx, "blobs", item)
	require.NoError(t, err)

	got, err := c.GetItem(ctx, "blobs", kv.Item{"digest": kv.Binary([]byte{0, 1, 2, 255})})
	require.NoError(t, err)
	assert.Equal(t, item, got)
}

func TestClient_ConcurrentWritersOnOneEngine(t *testing.T) {
	ctx := context.Background()
	engine, scope := enginetest.Engine(t)
	c := engine.KV()
	createEvents(t, c, kv.TypeNumber)

	// A second resolution from another goroutine must see the same data.
	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func(i int) {
			client, err := emberkv.Resolve[*kv.Client](ctx, scope)
			if err != nil {
				done <- err
				return
			}
			_, err = client.PutItem(ctx, "events", kv.Item{"device": kv.String("d"), "at": kv.NumberInt(int64(i))})
			done <- err
		}(i)
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}
	items, err := c.Query(ctx, "events", kv.String("d"))
	require.NoError(t, err)
	assert.Len(t, items, 8)
}

func TestClient_ConcurrentPutsOfOneKey(t *testing.T) {
	ctx := context.Background()
	engine, _ := enginetest.Engine(t)
	c := engine.KV()
	_, err := c.CreateTable(ctx, kv.CreateTableInput{
		TableName:  "counters",
		HashKey:    kv.KeyElement{Name: "id", Type: kv.TypeString},
		StreamView: kv.StreamNewAndOldImage,
	})
	require.NoError(t, err)

	const writers = 8
	olds := make(chan kv.Item, writers)
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			old, err := c.PutItem(ctx, "counters", kv.Item{"id": kv.String("c"), "writer": kv.NumberInt(int64(i))})
			errs <- err
			olds <- old
		}(i)
	}
	created := 0
	for i := 0; i < writers; i++ {
		require.NoError(t, <-errs)
		if <-olds == nil {
			created++
		}
	}
	assert.Equal(t, 1, created, "exactly one writer created the item")

	records, err := engine.Streams().GetRecords(ctx, "counters", 0, 0)
	require.NoError(t, err)
	require.Len(t, records, writers)
	assert.Equal(t, kv.EventInsert, records[0].EventName)
	assert.Nil(t, records[0].OldImage)
	for i, r := range records[1:] {
		assert.Equal(t, kv.EventModify, r.EventName)
		assert.Equal(t, records[i].NewImage, r.OldImage, "each write replaces the one before it")
	}
}
