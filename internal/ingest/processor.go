// Package ingest consumes event records from Kafka and appends them to the
// event store for stitching.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/journey/internal/domain"
)

// Reader exposes the minimal kafka.Reader interface needed by the processor.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded events.
type Handler interface {
	Handle(context.Context, domain.Event) error
}

// DeadLetters records records that can never be ingested.
type DeadLetters interface {
	WriteRecord(ctx context.Context, eventID, sourceApplication string, payload []byte, reason string) error
}

// envelope is the wire representation of an ingested event.
type envelope struct {
	EventID           string    `json:"event_id"`
	Timestamp         time.Time `json:"timestamp"`
	ActivityName      string    `json:"activity_name"`
	SourceApplication string    `json:"source_application"`
	CorrelationValues []string  `json:"correlation_values"`
}

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger *log.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// Processor pulls messages from Kafka, decodes them, and dispatches to a
// Handler. Records that fail decoding or validation go to the dead-letter
// table and are committed, so a poison pill never blocks the partition.
type Processor struct {
	reader      Reader
	handler     Handler
	deadLetters DeadLetters
	logger      *log.Logger
}

// NewProcessor constructs a Processor.
func NewProcessor(reader Reader, handler Handler, deadLetters DeadLetters, opts ...Option) *Processor {
	p := &Processor{
		reader:      reader,
		handler:     handler,
		deadLetters: deadLetters,
		logger:      log.New(log.Writer(), "[ingest] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts a blocking loop that processes Kafka messages until the context
// is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			p.logger.Printf("fetch error: %v", err)
			continue
		}

		event, decodeErr := decodeMessage(msg)
		if decodeErr == nil {
			decodeErr = event.Validate()
		}
		if decodeErr != nil {
			p.logger.Printf("rejecting record (topic=%s, partition=%d, offset=%d): %v", msg.Topic, msg.Partition, msg.Offset, decodeErr)
			if dlqErr := p.deadLetters.WriteRecord(ctx, event.ID, event.SourceApplication, msg.Value, decodeErr.Error()); dlqErr != nil {
				p.logger.Printf("dead-letter write failed, leaving record uncommitted: %v", dlqErr)
				continue
			}
			recordRejected(msg.Topic)
			if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
				p.logger.Printf("commit error after dead-lettering: %v", commitErr)
			}
			continue
		}

		if handleErr := p.handler.Handle(ctx, event); handleErr != nil {
			p.logger.Printf("handler error (event_id=%s, source=%s): %v", event.ID, event.SourceApplication, handleErr)
			recordHandlerError(msg.Topic)
			continue
		}

		if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
			p.logger.Printf("commit error: %v", commitErr)
		} else {
			recordIngested(msg.Topic, event.Timestamp)
		}
	}
}

func decodeMessage(msg kafka.Message) (domain.Event, error) {
	var env envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return domain.Event{}, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}

	timestamp := env.Timestamp
	if timestamp.IsZero() {
		timestamp = msg.Time
	}

	return domain.Event{
		ID:                env.EventID,
		Timestamp:         timestamp.UTC(),
		ActivityName:      env.ActivityName,
		SourceApplication: env.SourceApplication,
		CorrelationValues: env.CorrelationValues,
		State:             domain.EventStateNew,
	}, nil
}
