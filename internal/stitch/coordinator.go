// Package stitch reconciles batch components with persisted journeys. It
// implements the merge coordinator and the optimistic-concurrency retry
// discipline that lets independent workers converge without locks.
package stitch

import (
	"context"
	"errors"
	"log"
	"time"

	"example.com/journey/internal/correlation"
	"example.com/journey/internal/domain"
	"example.com/journey/internal/grouper"
	"example.com/journey/internal/observability"
	"example.com/journey/internal/store"
)

// DeadLetterSink receives events that can never be stitched.
type DeadLetterSink interface {
	Write(ctx context.Context, event domain.Event, reason string) error
}

// BatchResult summarizes one processing cycle.
type BatchResult struct {
	Components   int
	Processed    int
	DeadLettered int
	Failed       int
}

// Option configures optional coordinator behaviour.
type Option func(*Coordinator)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger *log.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithRetryPolicy overrides the conflict retry policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Coordinator) {
		c.retry = policy
	}
}

// WithClock overrides the time source used for journey creation.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// Coordinator turns grouped components into journey creates, reuses, and
// merges against the configured stores.
type Coordinator struct {
	journeys    store.JourneyStore
	events      store.EventSource
	index       *correlation.Index
	deadLetters DeadLetterSink
	retry       RetryPolicy
	logger      *log.Logger
	now         func() time.Time
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(journeys store.JourneyStore, events store.EventSource, index *correlation.Index, deadLetters DeadLetterSink, opts ...Option) *Coordinator {
	c := &Coordinator{
		journeys:    journeys,
		events:      events,
		index:       index,
		deadLetters: deadLetters,
		retry:       DefaultRetryPolicy(),
		logger:      log.New(log.Writer(), "[stitch] ", log.LstdFlags),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProcessBatch stitches a claimed batch of events. Malformed events go to
// the dead-letter sink; each remaining component is applied independently so
// one conflicted component never blocks the rest. Events of a failed
// component are released back to NEW for a later cycle.
func (c *Coordinator) ProcessBatch(ctx context.Context, batch []domain.Event) (BatchResult, error) {
	var result BatchResult
	var errs error

	valid := make([]domain.Event, 0, len(batch))
	for _, event := range batch {
		if err := event.Validate(); err != nil {
			if dlErr := c.deadLetter(ctx, event, err); dlErr != nil {
				// Keep the event claimable so dead-lettering is retried.
				errs = errors.Join(errs, dlErr, c.events.Release(ctx, []string{event.ID}))
				result.Failed++
				continue
			}
			result.DeadLettered++
			continue
		}
		valid = append(valid, event)
	}

	components := grouper.Group(valid)
	result.Components = len(components)

	for _, component := range components {
		err := c.retry.Do(ctx, func() error {
			return c.applyComponent(ctx, component)
		})
		if err != nil {
			c.logger.Printf("component failed (events=%d, keys=%d): %v", len(component.Events), len(component.CorrelationValues), err)
			componentsCounter.WithLabelValues("failed").Inc()
			result.Failed += len(component.Events)
			if relErr := c.events.Release(ctx, component.EventIDs()); relErr != nil {
				errs = errors.Join(errs, relErr)
			}
			errs = errors.Join(errs, err)
			continue
		}
		if err := c.events.MarkProcessed(ctx, component.EventIDs()); err != nil {
			// Keep the component claimable; apply is idempotent, so the next
			// cycle re-applies and re-marks.
			errs = errors.Join(errs, err, c.events.Release(ctx, component.EventIDs()))
			result.Failed += len(component.Events)
			continue
		}
		componentsCounter.WithLabelValues("applied").Inc()
		result.Processed += len(component.Events)
	}

	return result, errs
}

// applyComponent runs one lookup-to-write cycle for a component. Any
// domain.ErrConflict bubbling out of here restarts the whole function, so
// the winner is always recomputed against fresh state.
func (c *Coordinator) applyComponent(ctx context.Context, component grouper.Component) error {
	resolutions := make(map[string]correlation.Resolution, len(component.CorrelationValues))
	active := make(map[string]domain.Journey)
	for _, value := range component.CorrelationValues {
		res, found, err := c.index.Lookup(ctx, value)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		resolutions[value] = res
		active[res.Journey.ID] = res.Journey
	}

	var target domain.Journey
	switch len(active) {
	case 0:
		created, err := c.journeys.CreateJourney(ctx, c.now().UTC())
		if err != nil {
			return err
		}
		journeysCreatedCounter.Inc()
		observability.RecordJourneyCreated(created.CreatedAt)
		target = created
	case 1:
		for _, journey := range active {
			target = journey
		}
	default:
		journeys := make([]domain.Journey, 0, len(active))
		for _, journey := range active {
			journeys = append(journeys, journey)
		}
		winner := domain.SelectWinner(journeys)
		for _, loser := range journeys {
			if loser.ID == winner.ID {
				continue
			}
			if err := c.mergeInto(ctx, winner, loser); err != nil {
				return err
			}
		}
		target = winner
	}

	for _, value := range component.CorrelationValues {
		res, found := resolutions[value]
		switch {
		case !found:
			if err := c.journeys.BindKey(ctx, value, target.ID, 0); err != nil {
				return err
			}
		case res.Binding.JourneyID != target.ID:
			// Compress the redirect chain so the key points straight at the
			// surviving journey.
			if err := c.journeys.BindKey(ctx, value, target.ID, res.Binding.Version); err != nil {
				return err
			}
		}
	}

	var latest time.Time
	for _, event := range component.Events {
		if err := c.journeys.AttachEvent(ctx, event.ID, target.ID); err != nil {
			return err
		}
		if event.Timestamp.After(latest) {
			latest = event.Timestamp
		}
	}
	observability.RecordEventStitched(latest)
	return nil
}

// mergeInto supersedes loser under winner and moves its keys and events
// over. Every step is idempotent, so a merge interrupted mid-way finishes on
// the next retry instead of erroring or re-merging.
func (c *Coordinator) mergeInto(ctx context.Context, winner, loser domain.Journey) error {
	current, err := c.journeys.GetJourney(ctx, loser.ID)
	if err != nil {
		return err
	}
	switch {
	case current.Active():
		if err := c.journeys.Supersede(ctx, loser.ID, winner.ID, current.Version); err != nil {
			return err
		}
		journeysSupersededCounter.Inc()
	case current.SupersededBy == winner.ID:
		// A previous attempt already marked it; finish the reassignment.
	default:
		// Another worker merged the loser elsewhere; our winner computation
		// is stale. Restart from the lookup step.
		return domain.ErrConflict
	}

	if err := c.journeys.RebindKeys(ctx, loser.ID, winner.ID); err != nil {
		return err
	}
	return c.journeys.ReassignEvents(ctx, loser.ID, winner.ID)
}

func (c *Coordinator) deadLetter(ctx context.Context, event domain.Event, cause error) error {
	c.logger.Printf("dead-lettering event %q: %v", event.ID, cause)
	if err := c.deadLetters.Write(ctx, event, cause.Error()); err != nil {
		return err
	}
	deadLetteredCounter.Inc()
	// Processed here means "terminally handled": the event must not be
	// claimed again.
	return c.events.MarkProcessed(ctx, []string{event.ID})
}
