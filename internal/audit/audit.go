// Package audit wraps the relational audit log with the
// swallow-on-failure contract spec.md §4.9 requires: a write failure
// here is logged, never propagated, and never rolls back whatever
// business operation triggered the entry.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/postloop/core/internal/domain/audit"
	"github.com/postloop/core/internal/repo/postgres"
)

// Store is satisfied by *postgres.AuditRepo; a narrower interface so
// tests can supply an in-memory fake.
type Store interface {
	Append(ctx context.Context, e audit.Entry) error
	Query(ctx context.Context, f postgres.Filter) ([]audit.Entry, error)
}

type Log struct {
	store Store
	log   *slog.Logger
}

func New(store Store, log *slog.Logger) *Log {
	return &Log{store: store, log: log}
}

type Record struct {
	ActorID       *string
	ActorType     audit.ActorType
	EntityType    string
	EntityID      string
	Action        audit.Action
	Reason        *string
	PreviousValue *string
	NewValue      *string
	IPAddress     *string
}

// Write appends a record. Per spec.md §4.9 ("a failure to write an
// audit entry must not roll back the underlying action"), any error
// is logged and discarded.
func (l *Log) Write(ctx context.Context, r Record) {
	e := audit.Entry{
		ID:            uuid.NewString(),
		ActorID:       r.ActorID,
		ActorType:     r.ActorType,
		EntityType:    r.EntityType,
		EntityID:      r.EntityID,
		Action:        r.Action,
		Reason:        r.Reason,
		PreviousValue: r.PreviousValue,
		NewValue:      r.NewValue,
		IPAddress:     r.IPAddress,
		CreatedAt:     time.Now().UTC(),
	}

	if err := l.store.Append(ctx, e); err != nil {
		l.log.Error("audit write failed",
			"error", err,
			"action", string(r.Action),
			"entityType", r.EntityType,
			"entityId", r.EntityID,
		)
	}
}

func (l *Log) Query(ctx context.Context, f postgres.Filter) ([]audit.Entry, error) {
	return l.store.Query(ctx, f)
}
