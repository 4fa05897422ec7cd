// Package store is the narrow document-store contract the signaling layer is
// built on: CRUD over JSON documents plus a live-subscription primitive that
// pushes CREATE/UPDATE notifications for matching records. Consumers depend
// only on field-equality/containment filtering and ordering, never on a
// backend query language.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

type EventType string

const (
	EventCreate EventType = "CREATE"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrMissingID      = errors.New("record has no id field")
	ErrUnknownSub     = errors.New("unknown subscription id")
	ErrClientClosed   = errors.New("store client is closed")
	ErrInvalidFilter  = errors.New("invalid filter")
	ErrInvalidDest    = errors.New("query destination must be a non-nil pointer to a slice")
)

// Notification is one live-subscription event. Record is the full document
// after the event was applied.
type Notification struct {
	Event      EventType       `json:"event"`
	Collection string          `json:"collection"`
	Record     json.RawMessage `json:"record"`
}

// LiveHandler receives notifications for one subscription. Handlers run on
// the client's delivery goroutine and must not block indefinitely.
type LiveHandler func(Notification)

// Client is the store adapter contract consumed by the router and the
// service surface.
type Client interface {
	// Create writes a new document. The document must marshal with an "id" field.
	Create(ctx context.Context, collection string, doc any) error
	// Query unmarshals matching documents into dest, a pointer to a slice.
	Query(ctx context.Context, f Filter, dest any) error
	// Update merges fields into an existing document by id.
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	// Delete removes all matching documents and reports how many were removed.
	Delete(ctx context.Context, f Filter) (int, error)
	// Live registers fn for events on documents matching f and returns a
	// subscription id usable with Kill.
	Live(ctx context.Context, f Filter, fn LiveHandler) (string, error)
	// Kill releases one live subscription. Killing twice is a no-op.
	Kill(ctx context.Context, subID string) error
	Close() error
}
