// Package persistence defines the durable store boundary for reconciled state.
package persistence

import (
	"context"

	"github.com/quanterra/optiondesk/internal/schema"
)

// Record carries the state produced by applying one event. Nil fields are
// skipped; Entity and Seq are always written so replay resumes past the event.
type Record struct {
	Entity   string
	Seq      uint64
	Order    *schema.Order
	Fill     *schema.Fill
	Position *schema.Position
}

// State is the durable view loaded during startup recovery.
type State struct {
	Orders    []schema.Order
	Positions []schema.Position
	Markers   map[string]uint64
}

// Gateway is the durable store consulted on startup and written on every
// accepted state change. Commit must be atomic: either the whole record is
// durable or none of it is.
type Gateway interface {
	Commit(ctx context.Context, rec Record) error
	LoadAll(ctx context.Context) (State, error)
}
