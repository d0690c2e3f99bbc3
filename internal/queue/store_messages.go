package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = "id, queue, payload, priority, attempts, created_at, available_at, visible_until, visibility_ms"

// Publish enqueues one payload on the named queue.
func (s *Store) Publish(ctx context.Context, queueName string, payload []byte, priority Priority, opts PublishOptions) (int64, error) {
	if queueName == "" {
		return 0, errors.New("queue name is empty")
	}
	visibility := opts.VisibilityTimeout
	if visibility <= 0 {
		visibility = s.defaultVisibility
	}
	now := time.Now().UTC()

	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO queue_messages (
            queue, payload, priority, attempts, created_at, available_at, visibility_ms
        ) VALUES (?, ?, ?, 0, ?, ?, ?)`,
		queueName,
		payload,
		int(priority),
		now.UnixMilli(),
		now.Add(opts.Delay).UnixMilli(),
		visibility.Milliseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("publish message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// Dequeue claims the highest-priority visible message on the named queue and
// hides it for its visibility timeout. It returns nil when the queue holds no
// deliverable message.
func (s *Store) Dequeue(ctx context.Context, queueName string) (*Message, error) {
	ctx = ensureContext(ctx)
	nowMS := time.Now().UTC().UnixMilli()

	var (
		msg     *Message
		scanErr error
	)
	err := retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(
			ctx,
			`UPDATE queue_messages
             SET visible_until = ? + visibility_ms, attempts = attempts + 1
             WHERE id = (
                 SELECT id FROM queue_messages
                 WHERE queue = ?
                   AND available_at <= ?
                   AND (visible_until IS NULL OR visible_until <= ?)
                 ORDER BY priority DESC, id ASC
                 LIMIT 1
             )
             RETURNING `+messageColumns,
			nowMS, queueName, nowMS, nowMS,
		)
		msg, scanErr = scanMessage(row)
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue from %s: %w", queueName, err)
	}
	return msg, nil
}

// Ack removes a delivered message. A missed ack is not an error: the claim
// may already have expired and the message been re-delivered and acked.
func (s *Store) Ack(ctx context.Context, id int64) error {
	if _, err := s.execWithRetry(ctx, `DELETE FROM queue_messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("ack message %d: %w", id, err)
	}
	return nil
}

// ExtendVisibility pushes a claimed message's redelivery deadline out by its
// visibility timeout again. Used by long conversions that are still alive.
func (s *Store) ExtendVisibility(ctx context.Context, id int64) error {
	nowMS := time.Now().UTC().UnixMilli()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE queue_messages SET visible_until = ? + visibility_ms
         WHERE id = ? AND visible_until IS NOT NULL AND visible_until > ?`,
		nowMS, id, nowMS,
	)
	if err != nil {
		return fmt.Errorf("extend visibility of message %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("message %d is not claimed", id)
	}
	return nil
}

// CollectDead removes and returns unclaimed messages that waited on the
// named queue past the retention period.
func (s *Store) CollectDead(ctx context.Context, queueName string) ([]*Message, error) {
	ctx = ensureContext(ctx)
	nowMS := time.Now().UTC().UnixMilli()
	deadline := nowMS - s.retention.Milliseconds()

	var dead []*Message
	err := retryOnBusy(ctx, func() error {
		rows, err := s.db.QueryContext(
			ctx,
			`DELETE FROM queue_messages
             WHERE queue = ?
               AND created_at <= ?
               AND (visible_until IS NULL OR visible_until <= ?)
             RETURNING `+messageColumns,
			queueName, deadline, nowMS,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		dead = dead[:0]
		for rows.Next() {
			msg, err := scanMessage(rows)
			if err != nil {
				return err
			}
			dead = append(dead, msg)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("collect dead letters from %s: %w", queueName, err)
	}
	return dead, nil
}

// Depth counts messages waiting on the named queue, claimed or not.
func (s *Store) Depth(ctx context.Context, queueName string) (int64, error) {
	var depth int64
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT COUNT(*) FROM queue_messages WHERE queue = ?`, queueName)
	if err := row.Scan(&depth); err != nil {
		return 0, fmt.Errorf("queue depth of %s: %w", queueName, err)
	}
	return depth, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		msg          Message
		priority     int
		createdMS    int64
		availableMS  int64
		visibleMS    sql.NullInt64
		visibilityMS int64
	)
	if err := row.Scan(
		&msg.ID,
		&msg.Queue,
		&msg.Payload,
		&priority,
		&msg.Attempts,
		&createdMS,
		&availableMS,
		&visibleMS,
		&visibilityMS,
	); err != nil {
		return nil, err
	}
	msg.Priority = Priority(priority)
	msg.CreatedAt = time.UnixMilli(createdMS).UTC()
	msg.AvailableAt = time.UnixMilli(availableMS).UTC()
	if visibleMS.Valid {
		msg.VisibleUntil = time.UnixMilli(visibleMS.Int64).UTC()
	}
	msg.VisibilityTimeout = time.Duration(visibilityMS) * time.Millisecond
	return &msg, nil
}
