package ingest

import (
	"context"

	"example.com/journey/internal/domain"
	"example.com/journey/internal/store"
)

// StoreHandler appends decoded events to the event store as NEW.
type StoreHandler struct {
	source store.EventSource
}

// NewStoreHandler constructs a handler backed by the provided event source.
func NewStoreHandler(source store.EventSource) *StoreHandler {
	return &StoreHandler{source: source}
}

// Handle stores the event. Duplicate deliveries are absorbed by the store's
// idempotent append.
func (h *StoreHandler) Handle(ctx context.Context, event domain.Event) error {
	return h.source.Append(ctx, event)
}
