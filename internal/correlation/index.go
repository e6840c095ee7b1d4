// Package correlation resolves correlation values to their current ACTIVE
// journey. It is the authoritative mapping the merge coordinator reconciles
// batch components against.
package correlation

import (
	"context"
	"fmt"

	"example.com/journey/internal/domain"
	"example.com/journey/internal/store"
)

// DefaultMaxHops bounds superseded-by chain traversal. A chain this long is
// corrupted merge state, not legitimate contention.
const DefaultMaxHops = 64

// Index looks up correlation values through the configured JourneyStore,
// chasing superseded redirects to the live journey.
type Index struct {
	journeys store.JourneyStore
	maxHops  int
}

// NewIndex constructs an Index. maxHops values below one fall back to
// DefaultMaxHops.
func NewIndex(journeys store.JourneyStore, maxHops int) *Index {
	if maxHops < 1 {
		maxHops = DefaultMaxHops
	}
	return &Index{journeys: journeys, maxHops: maxHops}
}

// Resolution pairs the ACTIVE journey a correlation value resolves to with
// the raw binding that was observed, so callers can CAS against it.
type Resolution struct {
	Journey domain.Journey
	Binding store.Binding
}

// Lookup resolves a correlation value. The second return is false when the
// value has never been bound.
func (i *Index) Lookup(ctx context.Context, correlationValue string) (Resolution, bool, error) {
	binding, err := i.journeys.LookupKey(ctx, correlationValue)
	if err != nil {
		return Resolution{}, false, err
	}
	if binding == nil {
		return Resolution{}, false, nil
	}

	journey, err := i.ResolveJourney(ctx, binding.JourneyID)
	if err != nil {
		return Resolution{}, false, err
	}
	return Resolution{Journey: journey, Binding: *binding}, true, nil
}

// ResolveJourney follows superseded-by pointers from the given journey to
// the ACTIVE journey that absorbed it. Traversal is bounded; exceeding the
// bound surfaces domain.ErrChainTooDeep.
func (i *Index) ResolveJourney(ctx context.Context, journeyID string) (domain.Journey, error) {
	current := journeyID
	for hop := 0; hop <= i.maxHops; hop++ {
		journey, err := i.journeys.GetJourney(ctx, current)
		if err != nil {
			return domain.Journey{}, err
		}
		if journey.Active() {
			return journey, nil
		}
		current = journey.SupersededBy
	}
	return domain.Journey{}, fmt.Errorf("%w: journey %s, limit %d", domain.ErrChainTooDeep, journeyID, i.maxHops)
}

// Bind idempotently associates an unbound correlation value with a journey.
// Values already bound to the journey are left alone.
func (i *Index) Bind(ctx context.Context, correlationValue, journeyID string) error {
	binding, err := i.journeys.LookupKey(ctx, correlationValue)
	if err != nil {
		return err
	}
	if binding != nil && binding.JourneyID == journeyID {
		return nil
	}
	if binding == nil {
		return i.journeys.BindKey(ctx, correlationValue, journeyID, 0)
	}
	return i.journeys.BindKey(ctx, correlationValue, journeyID, binding.Version)
}
