package outbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/identitybus/libs/db"
	otelx "github.com/md-rashed-zaman/identitybus/libs/otel"
	"github.com/md-rashed-zaman/identitybus/services/identity-service/internal/publisher"
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Enqueue satisfies publisher.Outbox.
func (r *Repository) Enqueue(ctx context.Context, msg publisher.Message) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO outbox_events (event_id, event_type, exchange, routing_key, payload, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, msg.ID, msg.EventType, msg.Exchange, msg.RoutingKey, msg.Body, msg.Trace.Traceparent, msg.Trace.Tracestate)
	return err
}

type Record struct {
	ID        int64
	Message   publisher.Message
	CreatedAt time.Time
}

// Drain locks up to limit pending rows, hands them to send in order and
// marks the ones that were sent. It stops at the first send error, which is
// returned together with the number of rows sent.
func (r *Repository) Drain(ctx context.Context, limit int, send func(Record) error) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	records, err := fetchUnpublished(ctx, tx, limit)
	if err != nil {
		return 0, err
	}

	var sent []int64
	var sendErr error
	for _, rcd := range records {
		if err := send(rcd); err != nil {
			sendErr = err
			break
		}
		sent = append(sent, rcd.ID)
	}

	if err := markPublished(ctx, tx, sent); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(sent), sendErr
}

func fetchUnpublished(ctx context.Context, tx pgx.Tx, limit int) ([]Record, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, event_id, event_type, exchange, routing_key, payload, traceparent, tracestate, created_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rcd Record
			tc  otelx.TraceContext
		)
		if err := rows.Scan(
			&rcd.ID,
			&rcd.Message.ID,
			&rcd.Message.EventType,
			&rcd.Message.Exchange,
			&rcd.Message.RoutingKey,
			&rcd.Message.Body,
			&tc.Traceparent,
			&tc.Tracestate,
			&rcd.CreatedAt,
		); err != nil {
			return nil, err
		}
		rcd.Message.Trace = tc
		records = append(records, rcd)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func markPublished(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE outbox_events
		SET published_at = now()
		WHERE id = ANY($1)
	`, ids)
	return err
}
