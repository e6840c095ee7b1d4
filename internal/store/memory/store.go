// Package memory provides an in-memory store for tests and local
// development. It implements the same CAS semantics as the Postgres store:
// versions advance on every mutation and stale versions fail with
// domain.ErrConflict.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/journey/internal/domain"
	"example.com/journey/internal/store"
)

type binding struct {
	journeyID string
	version   int64
}

// Store holds journeys, key bindings, and events behind a single RWMutex.
// It implements both store.JourneyStore and store.EventSource.
type Store struct {
	mu          sync.RWMutex
	journeys    map[string]domain.Journey
	bindings    map[string]binding
	events      map[string]domain.Event
	attachments map[string]string // event id -> journey id
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		journeys:    make(map[string]domain.Journey),
		bindings:    make(map[string]binding),
		events:      make(map[string]domain.Event),
		attachments: make(map[string]string),
	}
}

// CreateJourney implements store.JourneyStore.
func (s *Store) CreateJourney(ctx context.Context, createdAt time.Time) (domain.Journey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	journey := domain.Journey{
		ID:        uuid.NewString(),
		CreatedAt: createdAt.UTC(),
		Status:    domain.JourneyStatusActive,
		Version:   1,
	}
	s.journeys[journey.ID] = journey
	return journey, nil
}

// GetJourney implements store.JourneyStore.
func (s *Store) GetJourney(ctx context.Context, journeyID string) (domain.Journey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	journey, ok := s.journeys[journeyID]
	if !ok {
		return domain.Journey{}, domain.ErrJourneyNotFound
	}
	return journey, nil
}

// Supersede implements store.JourneyStore.
func (s *Store) Supersede(ctx context.Context, loserID, winnerID string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loser, ok := s.journeys[loserID]
	if !ok {
		return domain.ErrJourneyNotFound
	}
	if loser.Status == domain.JourneyStatusSuperseded && loser.SupersededBy == winnerID {
		return nil
	}
	if loser.Version != expectedVersion {
		return domain.ErrConflict
	}
	loser.Status = domain.JourneyStatusSuperseded
	loser.SupersededBy = winnerID
	loser.Version++
	s.journeys[loserID] = loser
	return nil
}

// LookupKey implements store.JourneyStore.
func (s *Store) LookupKey(ctx context.Context, correlationValue string) (*store.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bindings[correlationValue]
	if !ok {
		return nil, nil
	}
	return &store.Binding{JourneyID: b.journeyID, Version: b.version}, nil
}

// BindKey implements store.JourneyStore.
func (s *Store) BindKey(ctx context.Context, correlationValue, journeyID string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.bindings[correlationValue]
	if exists && current.journeyID == journeyID {
		return nil
	}
	if expectedVersion == 0 {
		if exists {
			return domain.ErrConflict
		}
		s.bindings[correlationValue] = binding{journeyID: journeyID, version: 1}
		return nil
	}
	if !exists || current.version != expectedVersion {
		return domain.ErrConflict
	}
	s.bindings[correlationValue] = binding{journeyID: journeyID, version: current.version + 1}
	return nil
}

// RebindKeys implements store.JourneyStore.
func (s *Store) RebindKeys(ctx context.Context, fromJourneyID, toJourneyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for value, b := range s.bindings {
		if b.journeyID == fromJourneyID {
			s.bindings[value] = binding{journeyID: toJourneyID, version: b.version + 1}
		}
	}
	return nil
}

// AttachEvent implements store.JourneyStore.
func (s *Store) AttachEvent(ctx context.Context, eventID, journeyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attachments[eventID] = journeyID
	return nil
}

// ReassignEvents implements store.JourneyStore.
func (s *Store) ReassignEvents(ctx context.Context, fromJourneyID, toJourneyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for eventID, journeyID := range s.attachments {
		if journeyID == fromJourneyID {
			s.attachments[eventID] = toJourneyID
		}
	}
	return nil
}

// JourneyForEvent implements store.JourneyStore.
func (s *Store) JourneyForEvent(ctx context.Context, eventID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	journeyID, ok := s.attachments[eventID]
	if !ok {
		return "", domain.ErrEventNotFound
	}
	return journeyID, nil
}

// ListJourneyEvents implements store.JourneyStore.
func (s *Store) ListJourneyEvents(ctx context.Context, journeyID string, cursor *store.Cursor, limit int) ([]domain.Event, *store.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attached := make([]domain.Event, 0)
	for eventID, jid := range s.attachments {
		if jid != journeyID {
			continue
		}
		if event, ok := s.events[eventID]; ok {
			attached = append(attached, event)
		}
	}
	sort.Slice(attached, func(i, j int) bool {
		if !attached[i].Timestamp.Equal(attached[j].Timestamp) {
			return attached[i].Timestamp.After(attached[j].Timestamp)
		}
		return attached[i].ID > attached[j].ID
	})

	if cursor != nil {
		idx := 0
		for idx < len(attached) {
			event := attached[idx]
			if event.Timestamp.Before(cursor.Timestamp) ||
				(event.Timestamp.Equal(cursor.Timestamp) && event.ID < cursor.ID) {
				break
			}
			idx++
		}
		attached = attached[idx:]
	}

	if limit > 0 && len(attached) > limit {
		attached = attached[:limit]
	}

	var next *store.Cursor
	if limit > 0 && len(attached) == limit {
		last := attached[len(attached)-1]
		next = &store.Cursor{Timestamp: last.Timestamp, ID: last.ID}
	}
	return attached, next, nil
}

// Stats implements store.JourneyStore.
func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := store.Stats{
		Journeys: int64(len(s.journeys)),
		Events:   int64(len(s.events)),
	}
	for _, journey := range s.journeys {
		if journey.Active() {
			stats.ActiveJourneys++
		} else {
			stats.Superseded++
		}
	}
	for _, event := range s.events {
		if event.State == domain.EventStateProcessed {
			stats.Processed++
		}
	}
	return stats, nil
}

// Append implements store.EventSource.
func (s *Store) Append(ctx context.Context, event domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[event.ID]; exists {
		return nil
	}
	if event.State == "" {
		event.State = domain.EventStateNew
	}
	s.events[event.ID] = event
	return nil
}

// ClaimBatch implements store.EventSource.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]domain.Event, 0)
	for _, event := range s.events {
		if event.State == domain.EventStateNew {
			pending = append(pending, event)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].Timestamp.Equal(pending[j].Timestamp) {
			return pending[i].Timestamp.Before(pending[j].Timestamp)
		}
		return pending[i].ID < pending[j].ID
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	for i, event := range pending {
		event.State = domain.EventStateInProgress
		s.events[event.ID] = event
		pending[i] = event
	}
	return pending, nil
}

// MarkProcessed implements store.EventSource.
func (s *Store) MarkProcessed(ctx context.Context, eventIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range eventIDs {
		if event, ok := s.events[id]; ok {
			event.State = domain.EventStateProcessed
			s.events[id] = event
		}
	}
	return nil
}

// Release implements store.EventSource.
func (s *Store) Release(ctx context.Context, eventIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range eventIDs {
		if event, ok := s.events[id]; ok && event.State == domain.EventStateInProgress {
			event.State = domain.EventStateNew
			s.events[id] = event
		}
	}
	return nil
}
