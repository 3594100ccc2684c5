package kv

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Event names of change records.
const (
	EventInsert = "INSERT"
	EventModify = "MODIFY"
	EventRemove = "REMOVE"
)

// Advisory lock classes, paired with hashtext of the locked name. Writers take
// the item lock before the stream lock of the same table.
const (
	lockClassItem   int32 = 0x656b7601
	lockClassStream int32 = 0x656b7602
)

func advisoryLock(ctx context.Context, tx pgx.Tx, class int32, name string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1::int4, hashtext($2))`, class, name); err != nil {
		return fmt.Errorf("failed to lock %s: %w", name, err)
	}
	return nil
}

// lockItem serializes writers of one key until commit, so each sees the
// previous writer's item as its old image.
func lockItem(ctx context.Context, tx pgx.Tx, table string, k key) error {
	return advisoryLock(ctx, tx, lockClassItem, fmt.Sprintf("%s/%d:%s/%s", table, len(k.hash), k.hash, k.rng))
}

// recordChange appends a change record for a table with an enabled stream and
// notifies listeners once the transaction commits. Tables without a stream
// are left untouched.
func recordChange(ctx context.Context, tx pgx.Tx, desc TableDescription, event string, k key, newItem, oldItem Item) error {
	if !desc.StreamEnabled() {
		return nil
	}

	keys, err := keyItem(desc, k)
	if err != nil {
		return err
	}
	encodedKeys, err := EncodeItem(keys)
	if err != nil {
		return err
	}

	var newImage, oldImage []byte
	if desc.StreamView == StreamNewImage || desc.StreamView == StreamNewAndOldImage {
		if newImage, err = EncodeItem(newItem); err != nil {
			return err
		}
	}
	if desc.StreamView == StreamOldImage || desc.StreamView == StreamNewAndOldImage {
		if oldImage, err = EncodeItem(oldItem); err != nil {
			return err
		}
	}

	// Held until commit, so sequence numbers are handed out in commit order and
	// a reader resuming after the last number it saw never skips a record.
	if err = advisoryLock(ctx, tx, lockClassStream, desc.TableName); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO emberkv_stream_records (table_name, event_name, keys, new_image, old_image)
		VALUES ($1, $2, $3, $4, $5)`,
		desc.TableName, event, encodedKeys, newImage, oldImage)
	if err != nil {
		return fmt.Errorf("failed to record %s change on %s: %w", event, desc.TableName, err)
	}
	// Notifications are delivered on commit only.
	if _, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, desc.TableName); err != nil {
		return fmt.Errorf("failed to notify stream listeners of %s: %w", desc.TableName, err)
	}
	return nil
}
