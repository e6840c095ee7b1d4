package ingest

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/journey/internal/domain"
)

// DeadLetterWriter persists rejected events for investigation. It serves
// both ingestion (raw Kafka payloads) and stitching (claimed events that
// turn out to be malformed).
type DeadLetterWriter struct {
	pool *pgxpool.Pool
}

// NewDeadLetterWriter initialises a writer backed by the provided pool.
func NewDeadLetterWriter(pool *pgxpool.Pool) *DeadLetterWriter {
	return &DeadLetterWriter{pool: pool}
}

// WriteRecord records a rejected raw record alongside the supplied reason.
// At most one row is kept per event id, so an event dead-lettered again after
// a partial failure does not pile up duplicates; records without an id (they
// never decoded far enough to have one) are kept individually. The payload
// lands in a TEXT column: rejected records are often exactly the ones that
// fail to parse as JSON.
func (w *DeadLetterWriter) WriteRecord(ctx context.Context, eventID, sourceApplication string, payload []byte, reason string) error {
	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx,
		`INSERT INTO event_dlq (event_id, source_application, payload, reason)
	         VALUES ($1,$2,$3,$4)
	         ON CONFLICT (event_id) DO NOTHING`,
		nullIfBlank(eventID), sourceApplication, nullIfEmpty(payload), reason,
	)
	return err
}

// Write implements the coordinator's dead-letter sink for events that were
// already persisted before being found malformed.
func (w *DeadLetterWriter) Write(ctx context.Context, event domain.Event, reason string) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return w.WriteRecord(ctx, event.ID, event.SourceApplication, payload, reason)
}

func nullIfEmpty(payload []byte) interface{} {
	if len(payload) == 0 {
		return nil
	}
	return payload
}

func nullIfBlank(value string) interface{} {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
