package domain

import (
	"errors"
	"time"
)

var (
	// ErrJourneyNotFound is returned when a journey id resolves to nothing.
	ErrJourneyNotFound = errors.New("journey not found")
	// ErrEventNotFound is returned when an event has no journey attachment.
	ErrEventNotFound = errors.New("event not found")
	// ErrConflict signals a compare-and-swap mismatch caused by a concurrent
	// writer. Callers retry from the lookup step.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrChainTooDeep signals a superseded-by chain longer than the
	// configured bound. It indicates corrupted merge state, not contention.
	ErrChainTooDeep = errors.New("superseded chain exceeds hop limit")
	// ErrRetriesExhausted is surfaced when conflict retries run out. The
	// affected events stay unprocessed and are picked up on a later cycle.
	ErrRetriesExhausted = errors.New("conflict retries exhausted")
)

// JourneyStatus tracks whether a journey is live or merged away.
type JourneyStatus string

const (
	JourneyStatusActive     JourneyStatus = "active"
	JourneyStatusSuperseded JourneyStatus = "superseded"
)

// Journey is the equivalence class of events linked by shared correlation
// values. A superseded journey is never deleted; it redirects to the journey
// that absorbed it.
type Journey struct {
	ID           string
	CreatedAt    time.Time
	Status       JourneyStatus
	SupersededBy string
	Version      int64
}

// Active reports whether the journey is live.
func (j Journey) Active() bool {
	return j.Status == JourneyStatusActive
}

// SelectWinner picks the journey that survives a merge: earliest CreatedAt,
// ties broken by smallest ID. The order is total, so concurrent workers
// resolving the same merge agree on the winner without coordination.
func SelectWinner(journeys []Journey) Journey {
	winner := journeys[0]
	for _, candidate := range journeys[1:] {
		if candidate.CreatedAt.Before(winner.CreatedAt) {
			winner = candidate
			continue
		}
		if candidate.CreatedAt.Equal(winner.CreatedAt) && candidate.ID < winner.ID {
			winner = candidate
		}
	}
	return winner
}
