// Package store declares the persistence contracts the stitching core
// depends on. Implementations are swappable; the core only requires the
// compare-and-swap semantics documented on each operation.
package store

import (
	"context"
	"time"

	"example.com/journey/internal/domain"
)

// Binding is the current association of a correlation value with a journey.
// Version is the CAS token guarding rewrites of the association.
type Binding struct {
	JourneyID string
	Version   int64
}

// Cursor is the pagination token for journey event listings.
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// Stats summarizes stitched state for operators.
type Stats struct {
	Journeys       int64
	ActiveJourneys int64
	Superseded     int64
	Events         int64
	Processed      int64
}

// EventSource is the durable record of ingested events. The core never
// deletes events; it only flips their processing state.
type EventSource interface {
	// Append stores a NEW event. Re-appending a known id is a no-op.
	Append(ctx context.Context, event domain.Event) error
	// ClaimBatch atomically moves up to limit NEW events to IN_PROGRESS and
	// returns them. Two concurrent callers never receive the same event.
	ClaimBatch(ctx context.Context, limit int) ([]domain.Event, error)
	// MarkProcessed flips the given events to PROCESSED.
	MarkProcessed(ctx context.Context, eventIDs []string) error
	// Release returns claimed events to NEW so a later cycle retries them.
	Release(ctx context.Context, eventIDs []string) error
}

// JourneyStore persists journeys, key bindings, and event attachments.
//
// Supersede and BindKey take the version observed at lookup time; a
// concurrent mutation makes them fail with domain.ErrConflict, and the
// caller restarts from the lookup step. Every write is atomic: a reader
// never observes a partially applied mutation.
type JourneyStore interface {
	CreateJourney(ctx context.Context, createdAt time.Time) (domain.Journey, error)
	GetJourney(ctx context.Context, journeyID string) (domain.Journey, error)
	// Supersede marks loser as superseded by winner. The loser's events and
	// key bindings stay in place until reassigned; lookups chase the
	// redirect in the meantime.
	Supersede(ctx context.Context, loserID, winnerID string, expectedVersion int64) error
	// LookupKey returns the binding for a correlation value, or nil when the
	// value has never been bound.
	LookupKey(ctx context.Context, correlationValue string) (*Binding, error)
	// BindKey associates a correlation value with a journey. expectedVersion
	// zero asserts the value is unbound; a non-zero version rewrites an
	// existing binding. Binding a value to the journey it already points at
	// is a no-op regardless of version.
	BindKey(ctx context.Context, correlationValue, journeyID string, expectedVersion int64) error
	// RebindKeys moves every binding from one journey to another. Used to
	// finish merges; rebinding values already pointing at the target is a
	// no-op, so the operation is resumable.
	RebindKeys(ctx context.Context, fromJourneyID, toJourneyID string) error
	// AttachEvent associates an event with a journey, idempotently.
	AttachEvent(ctx context.Context, eventID, journeyID string) error
	// ReassignEvents moves every event attachment from one journey to
	// another. Resumable like RebindKeys.
	ReassignEvents(ctx context.Context, fromJourneyID, toJourneyID string) error
	// JourneyForEvent returns the journey id an event is attached to,
	// without chasing superseded redirects.
	JourneyForEvent(ctx context.Context, eventID string) (string, error)
	// ListJourneyEvents pages through events attached to a journey, newest
	// first.
	ListJourneyEvents(ctx context.Context, journeyID string, cursor *Cursor, limit int) ([]domain.Event, *Cursor, error)
	Stats(ctx context.Context) (Stats, error)
}
