// Package domain defines the core types of the journey stitching service.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedEvent indicates an event that cannot be stitched and belongs
// on the dead-letter path.
var ErrMalformedEvent = errors.New("malformed event")

// EventState represents the processing status of an ingested event.
type EventState string

const (
	// EventStateNew marks an event that no worker has claimed yet.
	EventStateNew EventState = "new"
	// EventStateInProgress marks an event exclusively claimed by a worker.
	EventStateInProgress EventState = "in_progress"
	// EventStateProcessed marks an event attached to a journey.
	EventStateProcessed EventState = "processed"
)

// Event is an immutable ingested record. Only State changes after creation.
type Event struct {
	ID                string
	Timestamp         time.Time
	ActivityName      string
	SourceApplication string
	CorrelationValues []string
	State             EventState
}

// Validate reports whether the event carries everything stitching needs.
func (e Event) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	if len(e.CorrelationValues) == 0 {
		return fmt.Errorf("%w: event %s has no correlation values", ErrMalformedEvent, e.ID)
	}
	for _, value := range e.CorrelationValues {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%w: event %s has an empty correlation value", ErrMalformedEvent, e.ID)
		}
	}
	return nil
}
