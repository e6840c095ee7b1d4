// Package postgres provides the Postgres-backed JourneyStore and
// EventSource. CAS tokens are plain version columns guarded with
// version-qualified UPDATEs; batch claims use FOR UPDATE SKIP LOCKED so
// concurrent workers never receive the same event.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/journey/internal/domain"
	"example.com/journey/internal/store"
)

// Store implements store.JourneyStore and store.EventSource on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreateJourney implements store.JourneyStore.
func (s *Store) CreateJourney(ctx context.Context, createdAt time.Time) (domain.Journey, error) {
	journey := domain.Journey{
		ID:        uuid.NewString(),
		CreatedAt: createdAt.UTC(),
		Status:    domain.JourneyStatusActive,
		Version:   1,
	}

	const stmt = `INSERT INTO journeys (journey_id, status, created_at, version) VALUES ($1,$2,$3,$4)`
	if _, err := s.pool.Exec(ctx, stmt, journey.ID, journey.Status, journey.CreatedAt, journey.Version); err != nil {
		return domain.Journey{}, err
	}
	return journey, nil
}

// GetJourney implements store.JourneyStore.
func (s *Store) GetJourney(ctx context.Context, journeyID string) (domain.Journey, error) {
	const query = `SELECT journey_id, status, superseded_by, created_at, version FROM journeys WHERE journey_id=$1`

	var journey domain.Journey
	var supersededBy *string
	err := s.pool.QueryRow(ctx, query, journeyID).Scan(&journey.ID, &journey.Status, &supersededBy, &journey.CreatedAt, &journey.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Journey{}, domain.ErrJourneyNotFound
		}
		return domain.Journey{}, err
	}
	if supersededBy != nil {
		journey.SupersededBy = *supersededBy
	}
	return journey, nil
}

// Supersede implements store.JourneyStore.
func (s *Store) Supersede(ctx context.Context, loserID, winnerID string, expectedVersion int64) error {
	const stmt = `UPDATE journeys
           SET status='superseded', superseded_by=$2, version=version+1
         WHERE journey_id=$1 AND status='active' AND version=$3`

	tag, err := s.pool.Exec(ctx, stmt, loserID, winnerID, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := s.GetJourney(ctx, loserID)
	if err != nil {
		return err
	}
	if current.Status == domain.JourneyStatusSuperseded && current.SupersededBy == winnerID {
		// A previous attempt or another worker already finished this step.
		return nil
	}
	return domain.ErrConflict
}

// LookupKey implements store.JourneyStore.
func (s *Store) LookupKey(ctx context.Context, correlationValue string) (*store.Binding, error) {
	const query = `SELECT journey_id, version FROM correlation_keys WHERE correlation_value=$1`

	var binding store.Binding
	err := s.pool.QueryRow(ctx, query, correlationValue).Scan(&binding.JourneyID, &binding.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &binding, nil
}

// BindKey implements store.JourneyStore.
func (s *Store) BindKey(ctx context.Context, correlationValue, journeyID string, expectedVersion int64) error {
	if expectedVersion == 0 {
		const stmt = `INSERT INTO correlation_keys (correlation_value, journey_id, version)
               VALUES ($1,$2,1)
               ON CONFLICT (correlation_value) DO NOTHING`
		tag, err := s.pool.Exec(ctx, stmt, correlationValue, journeyID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		return s.conflictUnlessBound(ctx, correlationValue, journeyID)
	}

	const stmt = `UPDATE correlation_keys
           SET journey_id=$2, version=version+1
         WHERE correlation_value=$1 AND version=$3`
	tag, err := s.pool.Exec(ctx, stmt, correlationValue, journeyID, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.conflictUnlessBound(ctx, correlationValue, journeyID)
}

// conflictUnlessBound treats "already bound to the requested journey" as an
// idempotent success and everything else as a CAS conflict.
func (s *Store) conflictUnlessBound(ctx context.Context, correlationValue, journeyID string) error {
	binding, err := s.LookupKey(ctx, correlationValue)
	if err != nil {
		return err
	}
	if binding != nil && binding.JourneyID == journeyID {
		return nil
	}
	return domain.ErrConflict
}

// RebindKeys implements store.JourneyStore.
func (s *Store) RebindKeys(ctx context.Context, fromJourneyID, toJourneyID string) error {
	const stmt = `UPDATE correlation_keys SET journey_id=$2, version=version+1 WHERE journey_id=$1`
	_, err := s.pool.Exec(ctx, stmt, fromJourneyID, toJourneyID)
	return err
}

// AttachEvent implements store.JourneyStore.
func (s *Store) AttachEvent(ctx context.Context, eventID, journeyID string) error {
	const stmt = `UPDATE events SET journey_id=$2 WHERE event_id=$1`
	tag, err := s.pool.Exec(ctx, stmt, eventID, journeyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

// ReassignEvents implements store.JourneyStore.
func (s *Store) ReassignEvents(ctx context.Context, fromJourneyID, toJourneyID string) error {
	const stmt = `UPDATE events SET journey_id=$2 WHERE journey_id=$1`
	_, err := s.pool.Exec(ctx, stmt, fromJourneyID, toJourneyID)
	return err
}

// JourneyForEvent implements store.JourneyStore.
func (s *Store) JourneyForEvent(ctx context.Context, eventID string) (string, error) {
	const query = `SELECT journey_id FROM events WHERE event_id=$1`

	var journeyID *string
	err := s.pool.QueryRow(ctx, query, eventID).Scan(&journeyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrEventNotFound
		}
		return "", err
	}
	if journeyID == nil {
		return "", domain.ErrEventNotFound
	}
	return *journeyID, nil
}

// ListJourneyEvents implements store.JourneyStore.
func (s *Store) ListJourneyEvents(ctx context.Context, journeyID string, cursor *store.Cursor, limit int) ([]domain.Event, *store.Cursor, error) {
	args := []interface{}{journeyID, limit}
	query := `SELECT event_id, event_timestamp, activity_name, source_application, correlation_values, processing_state
        FROM events WHERE journey_id=$1`

	if cursor != nil {
		query += ` AND (event_timestamp, event_id) < ($3, $4)`
		args = append(args, cursor.Timestamp, cursor.ID)
	}
	query += ` ORDER BY event_timestamp DESC, event_id DESC LIMIT $2`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.Event, 0, limit)
	for rows.Next() {
		var event domain.Event
		if err := rows.Scan(&event.ID, &event.Timestamp, &event.ActivityName, &event.SourceApplication, &event.CorrelationValues, &event.State); err != nil {
			return nil, nil, err
		}
		results = append(results, event)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *store.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		next = &store.Cursor{Timestamp: last.Timestamp, ID: last.ID}
	}
	return results, next, nil
}

// Stats implements store.JourneyStore.
func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	const query = `SELECT
        (SELECT count(*) FROM journeys),
        (SELECT count(*) FROM journeys WHERE status='active'),
        (SELECT count(*) FROM journeys WHERE status='superseded'),
        (SELECT count(*) FROM events),
        (SELECT count(*) FROM events WHERE processing_state='processed')`

	var stats store.Stats
	err := s.pool.QueryRow(ctx, query).Scan(&stats.Journeys, &stats.ActiveJourneys, &stats.Superseded, &stats.Events, &stats.Processed)
	return stats, err
}

// Append implements store.EventSource.
func (s *Store) Append(ctx context.Context, event domain.Event) error {
	state := event.State
	if state == "" {
		state = domain.EventStateNew
	}

	const stmt = `INSERT INTO events (event_id, event_timestamp, activity_name, source_application, correlation_values, processing_state)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (event_id) DO NOTHING`
	_, err := s.pool.Exec(ctx, stmt, event.ID, event.Timestamp.UTC(), event.ActivityName, event.SourceApplication, event.CorrelationValues, state)
	return err
}

// ClaimBatch implements store.EventSource.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]domain.Event, error) {
	const stmt = `UPDATE events SET processing_state='in_progress'
        WHERE event_id IN (
            SELECT event_id FROM events
             WHERE processing_state='new'
             ORDER BY event_timestamp, event_id
             LIMIT $1
               FOR UPDATE SKIP LOCKED
        )
        RETURNING event_id, event_timestamp, activity_name, source_application, correlation_values`

	rows, err := s.pool.Query(ctx, stmt, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batch := make([]domain.Event, 0, limit)
	for rows.Next() {
		event := domain.Event{State: domain.EventStateInProgress}
		if err := rows.Scan(&event.ID, &event.Timestamp, &event.ActivityName, &event.SourceApplication, &event.CorrelationValues); err != nil {
			return nil, err
		}
		batch = append(batch, event)
	}
	return batch, rows.Err()
}

// MarkProcessed implements store.EventSource.
func (s *Store) MarkProcessed(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	const stmt = `UPDATE events SET processing_state='processed' WHERE event_id = ANY($1)`
	_, err := s.pool.Exec(ctx, stmt, eventIDs)
	return err
}

// Release implements store.EventSource.
func (s *Store) Release(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	const stmt = `UPDATE events SET processing_state='new' WHERE event_id = ANY($1) AND processing_state='in_progress'`
	_, err := s.pool.Exec(ctx, stmt, eventIDs)
	return err
}
