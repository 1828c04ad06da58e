package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/postloop/core/internal/domain/audit"
	"github.com/postloop/core/internal/observability"
)

type AuditRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewAuditRepo(pool *pgxpool.Pool, prom *observability.Prom) *AuditRepo {
	return &AuditRepo{pool: pool, prom: prom}
}

func (r *AuditRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

// Append writes one entry. It never updates or deletes (spec.md
// §4.9: append-only).
func (r *AuditRepo) Append(ctx context.Context, e audit.Entry) error {
	op := "audit.append"
	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO audit_log_entries(
				id, actor_id, actor_type, entity_type, entity_id, action,
				reason, previous_value, new_value, ip_address, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, e.ID, e.ActorID, string(e.ActorType), e.EntityType, e.EntityID, string(e.Action),
			e.Reason, e.PreviousValue, e.NewValue, e.IPAddress, e.CreatedAt)
		return err
	})
}

// Filter is the read-path query shape from spec.md §4.9: "filtering
// by entityType + entityId, actorId, action, and a time window".
type Filter struct {
	EntityType string
	EntityID   string
	ActorID    string
	Action     string
	Since      time.Time
	Until      time.Time
	Limit      int
}

func (r *AuditRepo) Query(ctx context.Context, f Filter) ([]audit.Entry, error) {
	var out []audit.Entry
	op := "audit.query"

	err := r.observe(op, func() error {
		query := `
			SELECT id, actor_id, actor_type, entity_type, entity_id, action,
			       reason, previous_value, new_value, ip_address, created_at
			FROM audit_log_entries
			WHERE 1=1`
		args := []any{}
		arg := func(v any) string {
			args = append(args, v)
			return placeholder(len(args))
		}
		if f.EntityType != "" {
			query += " AND entity_type = " + arg(f.EntityType)
		}
		if f.EntityID != "" {
			query += " AND entity_id = " + arg(f.EntityID)
		}
		if f.ActorID != "" {
			query += " AND actor_id = " + arg(f.ActorID)
		}
		if f.Action != "" {
			query += " AND action = " + arg(f.Action)
		}
		if !f.Since.IsZero() {
			query += " AND created_at >= " + arg(f.Since)
		}
		if !f.Until.IsZero() {
			query += " AND created_at <= " + arg(f.Until)
		}
		query += " ORDER BY created_at DESC"
		if f.Limit > 0 {
			query += " LIMIT " + arg(f.Limit)
		}

		rows, err := r.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var e audit.Entry
			var actorType, action string
			if err := rows.Scan(
				&e.ID, &e.ActorID, &actorType, &e.EntityType, &e.EntityID, &action,
				&e.Reason, &e.PreviousValue, &e.NewValue, &e.IPAddress, &e.CreatedAt,
			); err != nil {
				return err
			}
			e.ActorType = audit.ActorType(actorType)
			e.Action = audit.Action(action)
			out = append(out, e)
		}
		return rows.Err()
	})

	return out, err
}

func placeholder(n int) string {
	return "$" + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
