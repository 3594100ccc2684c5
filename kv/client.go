// Package kv exposes a key-value data API on top of an engine's database.
//
// Tables are declared with a hash key and an optional range key. Items are
// stored as JSON documents next to their canonical keys, and tables created
// with a StreamViewType record every change for the streams package.
package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NotifyChannel receives the table name whenever a change record is written.
const NotifyChannel = "emberkv_streams"

const uniqueViolation = "23505"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Client runs data operations against one engine. It is safe for concurrent
// use.
type Client struct {
	pool *pgxpool.Pool
}

// New returns a client over pool. The catalog must already exist, see Bootstrap.
func New(pool *pgxpool.Pool) *Client {
	return &Client{pool: pool}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CreateTable declares a new table.
func (c *Client) CreateTable(ctx context.Context, in CreateTableInput) (TableDescription, error) {
	if err := validate.Struct(in); err != nil {
		return TableDescription{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if in.RangeKey != nil && in.RangeKey.Name == in.HashKey.Name {
		return TableDescription{}, fmt.Errorf("%w: hash and range key share the name %q", ErrInvalidInput, in.HashKey.Name)
	}

	var rangeName, rangeType string
	if in.RangeKey != nil {
		rangeName, rangeType = in.RangeKey.Name, string(in.RangeKey.Type)
	}
	desc := TableDescription{
		TableName:  in.TableName,
		HashKey:    in.HashKey,
		RangeKey:   in.RangeKey,
		StreamView: in.StreamView,
	}
	err := c.pool.QueryRow(ctx, `
		INSERT INTO emberkv_tables (name, hash_key_name, hash_key_type, range_key_name, range_key_type, stream_view_type)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		in.TableName, in.HashKey.Name, string(in.HashKey.Type), rangeName, rangeType, string(in.StreamView),
	).Scan(&desc.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return TableDescription{}, fmt.Errorf("%w: %s", ErrTableExists, in.TableName)
		}
		return TableDescription{}, fmt.Errorf("failed to create table %s: %w", in.TableName, err)
	}
	return desc, nil
}

// DescribeTable returns the definition and item count of a table.
func (c *Client) DescribeTable(ctx context.Context, name string) (TableDescription, error) {
	desc, err := loadTable(ctx, c.pool, name, false)
	if err != nil {
		return TableDescription{}, err
	}
	err = c.pool.QueryRow(ctx, `SELECT count(*) FROM emberkv_items WHERE table_name = $1`, name).Scan(&desc.ItemCount)
	if err != nil {
		return TableDescription{}, fmt.Errorf("failed to count items of %s: %w", name, err)
	}
	return desc, nil
}

// ListTables returns all table names in lexical order.
func (c *Client) ListTables(ctx context.Context) ([]string, error) {
	rows, err := c.pool.Query(ctx, `SELECT name FROM emberkv_tables ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return names, nil
}

// DeleteTable removes a table together with its items and change records.
func (c *Client) DeleteTable(ctx context.Context, name string) error {
	tag, err := c.pool.Exec(ctx, `DELETE FROM emberkv_tables WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete table %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return nil
}

// PutItem creates or replaces the item with the same key and returns the
// replaced item, or nil if there was none.
func (c *Client) PutItem(ctx context.Context, table string, item Item) (Item, error) {
	var old Item
	err := pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		desc, err := loadTable(ctx, tx, table, true)
		if err != nil {
			return err
		}
		k, err := itemKey(desc, item, false)
		if err != nil {
			return err
		}
		encoded, err := EncodeItem(item)
		if err != nil {
			return err
		}

		// A missing row cannot be locked with FOR UPDATE.
		if err = lockItem(ctx, tx, table, k); err != nil {
			return err
		}
		old, err = selectItem(ctx, tx, table, k, true)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO emberkv_items (table_name, hash_key, range_key, item)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (table_name, hash_key, range_key)
			DO UPDATE SET item = EXCLUDED.item, updated_at = now()`,
			table, k.hash, k.rng, encoded)
		if err != nil {
			return fmt.Errorf("failed to write item to %s: %w", table, err)
		}

		event := EventInsert
		if old != nil {
			event = EventModify
		}
		return recordChange(ctx, tx, desc, event, k, item, old)
	})
	if err != nil {
		return nil, err
	}
	return old, nil
}

// GetItem returns the item with the given key, or nil if it does not exist.
func (c *Client) GetItem(ctx context.Context, table string, key Item) (Item, error) {
	desc, err := loadTable(ctx, c.pool, table, false)
	if err != nil {
		return nil, err
	}
	k, err := itemKey(desc, key, true)
	if err != nil {
		return nil, err
	}
	return selectItem(ctx, c.pool, table, k, false)
}

// DeleteItem removes the item with the given key and returns it. Deleting a
// missing item is not an error and returns nil.
func (c *Client) DeleteItem(ctx context.Context, table string, key Item) (Item, error) {
	var old Item
	err := pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		desc, err := loadTable(ctx, tx, table, true)
		if err != nil {
			return err
		}
		k, err := itemKey(desc, key, true)
		if err != nil {
			return err
		}
		if err = lockItem(ctx, tx, table, k); err != nil {
			return err
		}

		var raw []byte
		err = tx.QueryRow(ctx, `
			DELETE FROM emberkv_items
			WHERE table_name = $1 AND hash_key = $2 AND range_key = $3
			RETURNING item`,
			table, k.hash, k.rng).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to delete item from %s: %w", table, err)
		}
		if old, err = DecodeItem(raw); err != nil {
			return err
		}
		return recordChange(ctx, tx, desc, EventRemove, k, nil, old)
	})
	if err != nil {
		return nil, err
	}
	return old, nil
}

// Query returns every item sharing the hash key, ordered by range key.
// Numeric range keys sort by value.
func (c *Client) Query(ctx context.Context, table string, hash AttributeValue) ([]Item, error) {
	desc, err := loadTable(ctx, c.pool, table, false)
	if err != nil {
		return nil, err
	}
	h, err := canonicalKey(desc.HashKey.Name, hash, desc.HashKey.Type)
	if err != nil {
		return nil, err
	}

	order := `range_key COLLATE "C"`
	if desc.RangeKey != nil && desc.RangeKey.Type == TypeNumber {
		order = "range_key::numeric"
	}
	rows, err := c.pool.Query(ctx, `
		SELECT item FROM emberkv_items
		WHERE table_name = $1 AND hash_key = $2
		ORDER BY `+order, table, h)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	return collectItems(rows, table)
}

// Scan returns every item of a table, grouped by hash key.
func (c *Client) Scan(ctx context.Context, table string) ([]Item, error) {
	if _, err := loadTable(ctx, c.pool, table, false); err != nil {
		return nil, err
	}
	rows, err := c.pool.Query(ctx, `
		SELECT item FROM emberkv_items
		WHERE table_name = $1
		ORDER BY hash_key COLLATE "C", range_key COLLATE "C"`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", table, err)
	}
	return collectItems(rows, table)
}

func collectItems(rows pgx.Rows, table string) ([]Item, error) {
	raws, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("failed to read items of %s: %w", table, err)
	}
	items := make([]Item, 0, len(raws))
	for _, raw := range raws {
		item, err := DecodeItem(raw)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// loadTable reads a table definition. With lock the row is share-locked so a
// concurrent DeleteTable waits for the surrounding transaction.
func loadTable(ctx context.Context, q querier, name string, lock bool) (TableDescription, error) {
	query := `
		SELECT hash_key_name, hash_key_type, range_key_name, range_key_type, stream_view_type, created_at
		FROM emberkv_tables WHERE name = $1`
	if lock {
		query += ` FOR SHARE`
	}
	var (
		desc                 = TableDescription{TableName: name}
		hashType             string
		rangeName, rangeType string
		view                 string
	)
	err := q.QueryRow(ctx, query, name).Scan(&desc.HashKey.Name, &hashType, &rangeName, &rangeType, &view, &desc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return TableDescription{}, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	if err != nil {
		return TableDescription{}, fmt.Errorf("failed to load table %s: %w", name, err)
	}
	desc.HashKey.Type = ScalarType(hashType)
	if rangeName != "" {
		desc.RangeKey = &KeyElement{Name: rangeName, Type: ScalarType(rangeType)}
	}
	desc.StreamView = StreamViewType(view)
	return desc, nil
}

type key struct {
	hash, rng string
}

// itemKey extracts the canonical key of item. With exact the item must hold
// the key attributes and nothing else.
func itemKey(desc TableDescription, item Item, exact bool) (key, error) {
	want := 1
	hv, ok := item[desc.HashKey.Name]
	if !ok {
		return key{}, fmt.Errorf("%w: missing hash key %s", ErrInvalidKey, desc.HashKey.Name)
	}
	h, err := canonicalKey(desc.HashKey.Name, hv, desc.HashKey.Type)
	if err != nil {
		return key{}, err
	}

	var r string
	if desc.RangeKey != nil {
		want++
		rv, ok := item[desc.RangeKey.Name]
		if !ok {
			return key{}, fmt.Errorf("%w: missing range key %s", ErrInvalidKey, desc.RangeKey.Name)
		}
		if r, err = canonicalKey(desc.RangeKey.Name, rv, desc.RangeKey.Type); err != nil {
			return key{}, err
		}
	}

	if exact && len(item) != want {
		return key{}, fmt.Errorf("%w: key of %s has %d attributes, want %d", ErrInvalidKey, desc.TableName, len(item), want)
	}
	return key{hash: h, rng: r}, nil
}

// keyItem rebuilds the key attributes for change records.
func keyItem(desc TableDescription, k key) (Item, error) {
	hv, err := keyValue(k.hash, desc.HashKey.Type)
	if err != nil {
		return nil, err
	}
	out := Item{desc.HashKey.Name: hv}
	if desc.RangeKey != nil {
		rv, err := keyValue(k.rng, desc.RangeKey.Type)
		if err != nil {
			return nil, err
		}
		out[desc.RangeKey.Name] = rv
	}
	return out, nil
}

func selectItem(ctx context.Context, q querier, table string, k key, forUpdate bool) (Item, error) {
	query := `SELECT item FROM emberkv_items WHERE table_name = $1 AND hash_key = $2 AND range_key = $3`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var raw []byte
	err := q.QueryRow(ctx, query, table, k.hash, k.rng).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read item from %s: %w", table, err)
	}
	return DecodeItem(raw)
}
