package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/postloop/core/internal/domain/incident"
	"github.com/postloop/core/internal/observability"
)

type IncidentsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewIncidentsRepo(pool *pgxpool.Pool, prom *observability.Prom) *IncidentsRepo {
	return &IncidentsRepo{pool: pool, prom: prom}
}

func (r *IncidentsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func scanIncident(row pgx.Row) (incident.Incident, error) {
	var i incident.Incident
	var typ, severity, status string
	err := row.Scan(
		&i.ID, &typ, &severity, &i.QueueName, &i.Title, &i.Description,
		&i.RecommendedAction, &i.AffectedJobs, &status, &i.StartedAt, &i.ResolvedAt, &i.ResolvedBy,
	)
	if err != nil {
		return incident.Incident{}, err
	}
	i.Type = incident.Type(typ)
	i.Severity = incident.Severity(severity)
	i.Status = incident.Status(status)
	return i, nil
}

// OpenByTypeAndQueue backs the de-duplication rule (spec.md §4.7):
// "at most one non-resolved Incident per (type, queueName)".
func (r *IncidentsRepo) OpenByTypeAndQueue(ctx context.Context, typ incident.Type, queueName string) (incident.Incident, bool, error) {
	var out incident.Incident
	op := "incidents.open_by_type_and_queue"

	err := r.observe(op, func() error {
		var innerErr error
		out, innerErr = scanIncident(r.pool.QueryRow(ctx, `
			SELECT id, type, severity, queue_name, title, description,
			       recommended_action, affected_jobs, status, started_at, resolved_at, resolved_by
			FROM incidents
			WHERE type = $1 AND queue_name = $2 AND status != 'RESOLVED'
			LIMIT 1
		`, string(typ), queueName))
		return innerErr
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return incident.Incident{}, false, nil
	}
	if err != nil {
		return incident.Incident{}, false, err
	}
	return out, true, nil
}

func (r *IncidentsRepo) Open(ctx context.Context, i incident.Incident) (incident.Incident, error) {
	op := "incidents.open"
	err := r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO incidents(
				id, type, severity, queue_name, title, description,
				recommended_action, affected_jobs, status, started_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'ACTIVE',$9)
		`, i.ID, string(i.Type), string(i.Severity), i.QueueName, i.Title, i.Description,
			i.RecommendedAction, i.AffectedJobs, i.StartedAt)
		return err
	})
	if err != nil {
		return incident.Incident{}, err
	}
	i.Status = incident.StatusActive
	return i, nil
}

// Update refreshes affectedJobs/severity on an already-open Incident,
// per spec.md §4.7's de-dup rule ("update its affectedJobs/severity
// and updatedAt but do not open a new one").
func (r *IncidentsRepo) Update(ctx context.Context, id string, severity incident.Severity, affectedJobs int) error {
	op := "incidents.update"
	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			UPDATE incidents SET severity = $2, affected_jobs = $3, updated_at = NOW() WHERE id = $1
		`, id, string(severity), affectedJobs)
		return err
	})
}

func (r *IncidentsRepo) Acknowledge(ctx context.Context, id string) error {
	op := "incidents.acknowledge"
	return r.observe(op, func() error {
		cmd, err := r.pool.Exec(ctx, `
			UPDATE incidents SET status = 'ACKNOWLEDGED' WHERE id = $1 AND status = 'ACTIVE'
		`, id)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return ErrNotFoundOrConflict
		}
		return nil
	})
}

func (r *IncidentsRepo) Resolve(ctx context.Context, id, resolvedBy string, resolvedAt time.Time) error {
	op := "incidents.resolve"
	return r.observe(op, func() error {
		cmd, err := r.pool.Exec(ctx, `
			UPDATE incidents SET status = 'RESOLVED', resolved_at = $2, resolved_by = $3
			WHERE id = $1 AND status != 'RESOLVED'
		`, id, resolvedAt, resolvedBy)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return ErrNotFoundOrConflict
		}
		return nil
	})
}

func (r *IncidentsRepo) List(ctx context.Context, status string) ([]incident.Incident, error) {
	var out []incident.Incident
	op := "incidents.list"

	err := r.observe(op, func() error {
		query := `
			SELECT id, type, severity, queue_name, title, description,
			       recommended_action, affected_jobs, status, started_at, resolved_at, resolved_by
			FROM incidents`
		args := []any{}
		if status != "" {
			query += ` WHERE status = $1`
			args = append(args, status)
		}
		query += ` ORDER BY started_at DESC`

		rows, err := r.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			i, err := scanIncident(rows)
			if err != nil {
				return err
			}
			out = append(out, i)
		}
		return rows.Err()
	})

	return out, err
}

var ErrNotFoundOrConflict = errors.New("incidents: not found or already in a terminal state")
