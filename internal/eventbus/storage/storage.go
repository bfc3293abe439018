// Package storage defines the pluggable storage contract (spec §4.2) and
// the mandatory in-memory reference implementation. Durable backends plug
// in behind the same Backend interface but live outside this core.
//
// Locking follows the teacher's internal/task/repository/memory.go idiom:
// a single sync.RWMutex guards the maps/slices, constructors are
// New<Impl>(), and a var _ Backend = (*Memory)(nil) assertion pins the
// interface conformance at compile time.
package storage

import (
	"context"
	"time"

	"github.com/nexusbus/nexusbus/internal/eventbus/model"
)

// EventQuery enumerates the filters recognized by Query (spec §4.2).
type EventQuery struct {
	TopicPattern        string
	SourceRefEquals     string
	TargetRefEquals     string
	CorrelationIDEquals string
	SinceTimestamp      time.Time
	UntilTimestamp      time.Time
	MinPriority         uint8
	Limit               int
	Offset              int
}

// DefaultQueryLimit bounds an unlimited query (spec §4.2: "a query with no
// filters returns everything up to the default or requested limit").
const DefaultQueryLimit = 1000

// Backend is the storage contract every implementation (in-memory or
// durable) must satisfy.
type Backend interface {
	// Initialize sets up internal structures. Idempotent.
	Initialize(ctx context.Context) error
	// Append assigns an insertion ordinal to event and stores it. Fails
	// with a Storage-kind error on capacity if eviction is disabled.
	Append(ctx context.Context, event *model.Event) (ordinal int64, err error)
	// Query returns a snapshot of matching events in ascending insertion
	// order.
	Query(ctx context.Context, q EventQuery) ([]model.Event, error)
	// Topics returns the distinct normalized topics currently present.
	Topics(ctx context.Context) ([]string, error)
	// Count returns the current event count.
	Count(ctx context.Context) (int, error)
	// Shutdown flushes and releases resources.
	Shutdown(ctx context.Context) error
}
