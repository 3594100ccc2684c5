// Package streams reads the change records that kv writes for tables created
// with a stream view type.
package streams

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veiloq/emberkv/kv"
)

// ErrStreamNotEnabled is returned for tables created without a stream view type.
var ErrStreamNotEnabled = errors.New("stream not enabled")

// DefaultLimit caps GetRecords when the caller passes a non-positive limit.
const DefaultLimit = 1000

// Record is one change to one item.
type Record struct {
	SequenceNumber int64
	EventName      string // kv.EventInsert, kv.EventModify or kv.EventRemove
	TableName      string
	Keys           kv.Item
	NewImage       kv.Item
	OldImage       kv.Item
	CreatedAt      time.Time
}

// Description summarizes the stream of one table.
type Description struct {
	TableName  string
	StreamView kv.StreamViewType
	// LatestSequenceNumber is zero while the stream has no records.
	LatestSequenceNumber int64
	RecordCount          int64
}

// Client reads change records of one engine.
type Client struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Client {
	return &Client{pool: pool}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ListStreams describes every table with an enabled stream, ordered by name.
func (c *Client) ListStreams(ctx context.Context) ([]Description, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT t.name, t.stream_view_type,
		       coalesce(max(r.sequence_number), 0), count(r.sequence_number)
		FROM emberkv_tables t
		LEFT JOIN emberkv_stream_records r ON r.table_name = t.name
		WHERE t.stream_view_type <> ''
		GROUP BY t.name, t.stream_view_type
		ORDER BY t.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}
	descs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Description, error) {
		var (
			d    Description
			view string
		)
		err := row.Scan(&d.TableName, &view, &d.LatestSequenceNumber, &d.RecordCount)
		d.StreamView = kv.StreamViewType(view)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}
	return descs, nil
}

// DescribeStream describes the stream of table.
func (c *Client) DescribeStream(ctx context.Context, table string) (Description, error) {
	view, err := streamView(ctx, c.pool, table)
	if err != nil {
		return Description{}, err
	}
	d := Description{TableName: table, StreamView: view}
	err = c.pool.QueryRow(ctx, `
		SELECT coalesce(max(sequence_number), 0), count(*)
		FROM emberkv_stream_records WHERE table_name = $1`, table,
	).Scan(&d.LatestSequenceNumber, &d.RecordCount)
	if err != nil {
		return Description{}, fmt.Errorf("failed to describe stream of %s: %w", table, err)
	}
	return d, nil
}

// GetRecords returns up to limit records of table with a sequence number
// greater than after, oldest first.
func (c *Client) GetRecords(ctx context.Context, table string, after int64, limit int) ([]Record, error) {
	if _, err := streamView(ctx, c.pool, table); err != nil {
		return nil, err
	}
	return getRecords(ctx, c.pool, table, after, limit)
}

// WaitForRecords is GetRecords that blocks until at least one record is
// available or ctx is done.
func (c *Client) WaitForRecords(ctx context.Context, table string, after int64, limit int) ([]Record, error) {
	if _, err := streamView(ctx, c.pool, table); err != nil {
		return nil, err
	}

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer release(conn)

	// Listen before the first read so no commit between read and wait is missed.
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{kv.NotifyChannel}.Sanitize()); err != nil {
		return nil, fmt.Errorf("failed to listen for changes: %w", err)
	}
	for {
		records, err := getRecords(ctx, conn, table, after, limit)
		if err != nil || len(records) > 0 {
			return records, err
		}
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				return nil, fmt.Errorf("stopped waiting for records of %s: %w", table, err)
			}
			if n.Payload == table {
				break
			}
		}
	}
}

// release returns conn to the pool without leaving it subscribed. A
// connection that cannot unsubscribe is closed instead.
func release(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.Exec(ctx, "UNLISTEN *"); err != nil {
		_ = conn.Conn().Close(ctx)
	}
	conn.Release()
}

func streamView(ctx context.Context, q querier, table string) (kv.StreamViewType, error) {
	var view string
	err := q.QueryRow(ctx, `SELECT stream_view_type FROM emberkv_tables WHERE name = $1`, table).Scan(&view)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", kv.ErrTableNotFound, table)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load table %s: %w", table, err)
	}
	if view == "" {
		return "", fmt.Errorf("%w: %s", ErrStreamNotEnabled, table)
	}
	return kv.StreamViewType(view), nil
}

func getRecords(ctx context.Context, q querier, table string, after int64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := q.Query(ctx, `
		SELECT sequence_number, event_name, keys, new_image, old_image, created_at
		FROM emberkv_stream_records
		WHERE table_name = $1 AND sequence_number > $2
		ORDER BY sequence_number
		LIMIT $3`, table, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read records of %s: %w", table, err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var (
			r                    = Record{TableName: table}
			keys, newImg, oldImg []byte
			err                  error
		)
		if err = row.Scan(&r.SequenceNumber, &r.EventName, &keys, &newImg, &oldImg, &r.CreatedAt); err != nil {
			return Record{}, err
		}
		if r.Keys, err = kv.DecodeItem(keys); err != nil {
			return Record{}, err
		}
		if r.NewImage, err = kv.DecodeItem(newImg); err != nil {
			return Record{}, err
		}
		if r.OldImage, err = kv.DecodeItem(oldImg); err != nil {
			return Record{}, err
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read records of %s: %w", table, err)
	}
	return records, nil
}
