package scheduler

import (
	"context"

	"transcode-orchestrator/core/models"
)

// Handler applies signals to one kind of entity.
// current is nil when the entity has never been stored.
type Handler interface {
	Kind() models.EntityKind
	Handle(ctx context.Context, current []byte, sig models.Signal) (*Result, error)
}

// Result is the outcome of one turn
type Result struct {
	// State is the new entity document; nil leaves the stored entity untouched
	State  interface{}
	Status string
	Outbox []models.Outbound
}

// Ignore consumes a signal without changing anything
func Ignore() *Result {
	return &Result{}
}
