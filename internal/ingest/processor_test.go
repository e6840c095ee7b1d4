package ingest

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"example.com/journey/internal/domain"
	"example.com/journey/internal/store/memory"
)

func TestProcessorCommitsOnSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := kafka.Message{
		Topic:     "journey_events",
		Partition: 0,
		Offset:    10,
		Time:      time.Now().UTC(),
		Value:     []byte(`{"event_id":"e1","timestamp":"2026-08-30T10:00:00Z","activity_name":"checkout","source_application":"web","correlation_values":["session:abc"]}`),
	}

	reader := &stubReader{messages: []kafka.Message{msg}, after: contextCanceled}
	source := memory.NewStore()
	dlq := &stubDeadLetters{}

	processor := NewProcessor(reader, NewStoreHandler(source), dlq, WithLogger(log.New(testWriter{t}, "", 0)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, reader.commitCalls)
	require.Empty(t, dlq.records)

	claimed, err := source.ClaimBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "e1", claimed[0].ID)
	require.Equal(t, []string{"session:abc"}, claimed[0].CorrelationValues)
	require.Equal(t, time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC), claimed[0].Timestamp)
}

func TestProcessorDeadLettersMalformedPayload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broken := kafka.Message{
		Topic: "journey_events",
		Value: []byte(`not json at all`),
	}
	missingKeys := kafka.Message{
		Topic: "journey_events",
		Value: []byte(`{"event_id":"e2","correlation_values":[]}`),
	}

	reader := &stubReader{messages: []kafka.Message{broken, missingKeys}, after: contextCanceled}
	source := memory.NewStore()
	dlq := &stubDeadLetters{}

	processor := NewProcessor(reader, NewStoreHandler(source), dlq, WithLogger(log.New(testWriter{t}, "", 0)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// Both records were dead-lettered and committed so the partition moves.
	require.Len(t, dlq.records, 2)
	require.Equal(t, 2, reader.commitCalls)

	claimed, err := source.ClaimBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestProcessorSkipsCommitOnHandlerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := kafka.Message{
		Topic: "journey_events",
		Value: []byte(`{"event_id":"e3","correlation_values":["K1"]}`),
	}

	reader := &stubReader{messages: []kafka.Message{msg}, after: contextCanceled}
	handler := &stubHandler{err: errors.New("boom")}
	dlq := &stubDeadLetters{}

	processor := NewProcessor(reader, handler, dlq, WithLogger(log.New(testWriter{t}, "", 0)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 0, reader.commitCalls)
	require.Empty(t, dlq.records)
}

func TestProcessorLeavesRecordWhenDeadLetterFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := kafka.Message{Topic: "journey_events", Value: []byte(`broken`)}
	reader := &stubReader{messages: []kafka.Message{msg}, after: contextCanceled}
	dlq := &stubDeadLetters{err: errors.New("dlq down")}

	processor := NewProcessor(reader, &stubHandler{}, dlq, WithLogger(log.New(testWriter{t}, "", 0)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, reader.commitCalls, "record must stay uncommitted for redelivery")
}

func TestDecodeMessageFallsBackToKafkaTimestamp(t *testing.T) {
	kafkaTime := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	msg := kafka.Message{
		Time:  kafkaTime,
		Value: []byte(`{"event_id":"e4","correlation_values":["K1"]}`),
	}

	event, err := decodeMessage(msg)
	require.NoError(t, err)
	require.Equal(t, kafkaTime, event.Timestamp)
	require.Equal(t, domain.EventStateNew, event.State)
}

func contextCanceled() error { return context.Canceled }

type stubReader struct {
	messages    []kafka.Message
	index       int
	commitCalls int
	after       func() error
}

func (r *stubReader) FetchMessage(context.Context) (kafka.Message, error) {
	if r.index >= len(r.messages) {
		if r.after != nil {
			return kafka.Message{}, r.after()
		}
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.index]
	r.index++
	return msg, nil
}

func (r *stubReader) CommitMessages(_ context.Context, _ ...kafka.Message) error {
	r.commitCalls++
	return nil
}

func (r *stubReader) Close() error { return nil }

type stubHandler struct {
	calls int
	last  domain.Event
	err   error
}

func (h *stubHandler) Handle(_ context.Context, event domain.Event) error {
	h.calls++
	h.last = event
	return h.err
}

type dlqRecord struct {
	eventID string
	payload string
	reason  string
}

type stubDeadLetters struct {
	records []dlqRecord
	err     error
}

func (s *stubDeadLetters) WriteRecord(_ context.Context, eventID, _ string, payload []byte, reason string) error {
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, dlqRecord{eventID: eventID, payload: string(payload), reason: reason})
	return nil
}

type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
