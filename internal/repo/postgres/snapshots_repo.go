package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/postloop/core/internal/observability"
	"github.com/postloop/core/internal/domain/snapshot"
)

type SnapshotsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewSnapshotsRepo(pool *pgxpool.Pool, prom *observability.Prom) *SnapshotsRepo {
	return &SnapshotsRepo{pool: pool, prom: prom}
}

func (r *SnapshotsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func (r *SnapshotsRepo) Insert(ctx context.Context, s snapshot.QueueStatsSnapshot) error {
	op := "snapshots.insert"
	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO queue_stats_snapshots(
				id, queue_name, waiting, active, delayed, completed, failed,
				paused, jobs_per_min, clamped, online_workers, captured_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, s.ID, s.QueueName, s.Waiting, s.Active, s.Delayed, s.Completed, s.Failed,
			s.Paused, s.JobsPerMin, s.Clamped, s.OnlineWorkers, s.Timestamp)
		return err
	})
}

// Latest returns the most recently captured snapshot for queueName,
// used by the collector to compute jobsPerMin (spec.md §4.6 step 3).
func (r *SnapshotsRepo) Latest(ctx context.Context, queueName string) (snapshot.QueueStatsSnapshot, bool, error) {
	var s snapshot.QueueStatsSnapshot
	op := "snapshots.latest"

	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
			SELECT id, queue_name, waiting, active, delayed, completed, failed,
			       paused, jobs_per_min, clamped, online_workers, captured_at
			FROM queue_stats_snapshots
			WHERE queue_name = $1
			ORDER BY captured_at DESC
			LIMIT 1
		`, queueName).Scan(
			&s.ID, &s.QueueName, &s.Waiting, &s.Active, &s.Delayed, &s.Completed, &s.Failed,
			&s.Paused, &s.JobsPerMin, &s.Clamped, &s.OnlineWorkers, &s.Timestamp,
		)
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return snapshot.QueueStatsSnapshot{}, false, nil
	}
	if err != nil {
		return snapshot.QueueStatsSnapshot{}, false, err
	}
	return s, true, nil
}

// Recent returns the last n snapshots for queueName, oldest first,
// used by the Incident Detector's consecutive-window rules (§4.7).
func (r *SnapshotsRepo) Recent(ctx context.Context, queueName string, n int) ([]snapshot.QueueStatsSnapshot, error) {
	var out []snapshot.QueueStatsSnapshot
	op := "snapshots.recent"

	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `
			SELECT id, queue_name, waiting, active, delayed, completed, failed,
			       paused, jobs_per_min, clamped, online_workers, captured_at
			FROM queue_stats_snapshots
			WHERE queue_name = $1
			ORDER BY captured_at DESC
			LIMIT $2
		`, queueName, n)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var s snapshot.QueueStatsSnapshot
			if err := rows.Scan(
				&s.ID, &s.QueueName, &s.Waiting, &s.Active, &s.Delayed, &s.Completed, &s.Failed,
				&s.Paused, &s.JobsPerMin, &s.Clamped, &s.OnlineWorkers, &s.Timestamp,
			); err != nil {
				return err
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Window sums completed/failed over the trailing window, used by the
// HIGH_FAILURE_RATE rule (spec.md §4.7: "over the last 30 minutes").
func (r *SnapshotsRepo) Window(ctx context.Context, queueName string, since time.Time) (completed, failed int, err error) {
	op := "snapshots.window"
	err = r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
			SELECT COALESCE(MAX(completed) - MIN(completed), 0), COALESCE(MAX(failed) - MIN(failed), 0)
			FROM queue_stats_snapshots
			WHERE queue_name = $1 AND captured_at >= $2
		`, queueName, since).Scan(&completed, &failed)
	})
	return completed, failed, err
}

// Trend returns the snapshots within the given hours, oldest first,
// backing GET /queues/:name/trend.
func (r *SnapshotsRepo) Trend(ctx context.Context, queueName string, since time.Time) ([]snapshot.QueueStatsSnapshot, error) {
	var out []snapshot.QueueStatsSnapshot
	op := "snapshots.trend"

	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `
			SELECT id, queue_name, waiting, active, delayed, completed, failed,
			       paused, jobs_per_min, clamped, online_workers, captured_at
			FROM queue_stats_snapshots
			WHERE queue_name = $1 AND captured_at >= $2
			ORDER BY captured_at ASC
		`, queueName, since)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var s snapshot.QueueStatsSnapshot
			if err := rows.Scan(
				&s.ID, &s.QueueName, &s.Waiting, &s.Active, &s.Delayed, &s.Completed, &s.Failed,
				&s.Paused, &s.JobsPerMin, &s.Clamped, &s.OnlineWorkers, &s.Timestamp,
			); err != nil {
				return err
			}
			out = append(out, s)
		}
		return rows.Err()
	})

	return out, err
}

// DeleteOlderThan removes snapshots past retention (spec.md §4.6 step
// 6: "Delete snapshots older than 24h").
func (r *SnapshotsRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	op := "snapshots.delete_older_than"
	var n int64
	err := r.observe(op, func() error {
		tag, err := r.pool.Exec(ctx, `DELETE FROM queue_stats_snapshots WHERE captured_at < $1`, cutoff)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}
