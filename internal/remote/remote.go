// Package remote defines the boundary to the remote document store the
// engine reconciles with, plus the MongoDB and in-process implementations.
package remote

import (
	"context"
	"errors"

	"github.com/mschirtzinger/shopsync/internal/schema"
)

var (
	// ErrNotFound is returned by Get when no document exists at the path.
	ErrNotFound = errors.New("remote document not found")

	// ErrUnavailable is returned when the remote store cannot be reached.
	// Writes stay queued locally until it comes back.
	ErrUnavailable = errors.New("remote store unavailable")
)

// Store is a remote document store addressed by "{collection}/{key}" paths.
//
// Implementations must be safe for concurrent use. Every method may block on
// the network and must honour ctx cancellation.
type Store interface {
	// Get fetches one document.
	//
	// Returns ErrNotFound when the path holds no document.
	//
	// Example:
	//   doc, err := store.Get(ctx, "reports/2024-03-01")
	Get(ctx context.Context, path string) (schema.Document, error)

	// Set overwrites the document at path. Repeating a Set with the same
	// document leaves the remote state unchanged.
	Set(ctx context.Context, path string, doc schema.Document) error

	// Update applies patch as a shallow field update, creating the document
	// if it does not exist. patch must be a JSON object.
	Update(ctx context.Context, path string, patch schema.Document) error

	// Delete removes the document at path.
	// Returns nil if the document doesn't exist (idempotent).
	Delete(ctx context.Context, path string) error

	// List returns every document of a collection keyed by document key.
	//
	// Example:
	//   docs, err := store.List(ctx, schema.Inventory)
	//   products := docs["products"]
	List(ctx context.Context, c schema.Collection) (map[string]schema.Document, error)

	// Ping reports whether the store is reachable right now.
	Ping(ctx context.Context) error
}
