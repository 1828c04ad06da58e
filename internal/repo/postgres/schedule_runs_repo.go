package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/postloop/core/internal/domain/schedule"
	"github.com/postloop/core/internal/observability"
)

type ScheduleRunsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewScheduleRunsRepo(pool *pgxpool.Pool, prom *observability.Prom) *ScheduleRunsRepo {
	return &ScheduleRunsRepo{pool: pool, prom: prom}
}

func (r *ScheduleRunsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

// NonTerminalForToday implements spec.md §4.4 step 2: "If a
// non-terminal Run for that pair exists, skip."
func (r *ScheduleRunsRepo) NonTerminalForToday(ctx context.Context, scheduleID, runDate string) (schedule.ScheduleRun, bool, error) {
	var run schedule.ScheduleRun
	var status string
	op := "schedule_runs.non_terminal_for_today"

	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
			SELECT id, schedule_id, user_id, run_date, status, triggered_by,
			       total_jobs, completed_jobs, failed_jobs, triggered_at, started_at, finished_at
			FROM schedule_runs
			WHERE schedule_id = $1 AND run_date = $2
			  AND status IN ('PENDING','RUNNING')
			LIMIT 1
		`, scheduleID, runDate).Scan(
			&run.ID, &run.ScheduleID, &run.UserID, &run.RunDate, &status, &run.TriggeredBy,
			&run.TotalJobs, &run.CompletedJobs, &run.FailedJobs, &run.TriggeredAt, &run.StartedAt, &run.FinishedAt,
		)
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return schedule.ScheduleRun{}, false, nil
	}
	if err != nil {
		return schedule.ScheduleRun{}, false, err
	}
	run.Status = schedule.RunStatus(status)
	return run, true, nil
}

func (r *ScheduleRunsRepo) Create(ctx context.Context, run schedule.ScheduleRun) (schedule.ScheduleRun, error) {
	op := "schedule_runs.create"

	err := r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO schedule_runs(
				id, schedule_id, user_id, run_date, status, triggered_by,
				total_jobs, completed_jobs, failed_jobs, triggered_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,0,0,$8)
		`, run.ID, run.ScheduleID, run.UserID, run.RunDate, string(schedule.RunStatusPending),
			run.TriggeredBy, run.TotalJobs, run.TriggeredAt)
		return err
	})

	if err != nil {
		return schedule.ScheduleRun{}, err
	}
	run.Status = schedule.RunStatusPending
	return run, nil
}

// MarkStarted sets startedAt on the first ACTIVE transition of any
// child job (spec.md §4.4). A no-op if already set.
func (r *ScheduleRunsRepo) MarkStarted(ctx context.Context, id string) error {
	op := "schedule_runs.mark_started"
	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			UPDATE schedule_runs
			SET status = CASE WHEN status = 'PENDING' THEN 'RUNNING' ELSE status END,
			    started_at = COALESCE(started_at, NOW())
			WHERE id = $1
		`, id)
		return err
	})
}

// BumpCompleted atomically increments completedJobs by one (spec.md
// §5: "single-row update with monotonic arithmetic to prevent lost
// updates"), and closes the run out if every child job has now
// terminated. Returns the post-increment counters.
func (r *ScheduleRunsRepo) BumpCompleted(ctx context.Context, id string) (schedule.ScheduleRun, error) {
	return r.bump(ctx, id, true)
}

func (r *ScheduleRunsRepo) BumpFailed(ctx context.Context, id string) (schedule.ScheduleRun, error) {
	return r.bump(ctx, id, false)
}

func (r *ScheduleRunsRepo) bump(ctx context.Context, id string, completed bool) (schedule.ScheduleRun, error) {
	column := "completed_jobs"
	if !completed {
		column = "failed_jobs"
	}
	op := "schedule_runs.bump_" + column

	var run schedule.ScheduleRun
	var status string

	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
			UPDATE schedule_runs
			SET `+column+` = `+column+` + 1
			WHERE id = $1
			RETURNING id, schedule_id, user_id, run_date, status, triggered_by,
			          total_jobs, completed_jobs, failed_jobs, triggered_at, started_at, finished_at
		`, id).Scan(
			&run.ID, &run.ScheduleID, &run.UserID, &run.RunDate, &status, &run.TriggeredBy,
			&run.TotalJobs, &run.CompletedJobs, &run.FailedJobs, &run.TriggeredAt, &run.StartedAt, &run.FinishedAt,
		)
	})
	if err != nil {
		return schedule.ScheduleRun{}, err
	}
	run.Status = schedule.RunStatus(status)

	if run.IsTerminal() && run.Status != schedule.RunStatusCompleted && run.Status != schedule.RunStatusFailed {
		terminal := run.TerminalStatus()
		now := time.Now().UTC()
		finishErr := r.observe(op+"_finish", func() error {
			_, err := r.pool.Exec(ctx, `
				UPDATE schedule_runs SET status = $2, finished_at = $3 WHERE id = $1
			`, id, string(terminal), now)
			return err
		})
		if finishErr != nil {
			return run, finishErr
		}
		run.Status = terminal
		run.FinishedAt = &now
	}

	return run, nil
}

func (r *ScheduleRunsRepo) ActiveOrRecentlyTerminal(ctx context.Context, within time.Duration) ([]schedule.ScheduleRun, error) {
	var out []schedule.ScheduleRun
	op := "schedule_runs.active_or_recent"

	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `
			SELECT id, schedule_id, user_id, run_date, status, triggered_by,
			       total_jobs, completed_jobs, failed_jobs, triggered_at, started_at, finished_at
			FROM schedule_runs
			WHERE status IN ('PENDING','RUNNING')
			   OR finished_at >= $1
			ORDER BY triggered_at DESC
		`, time.Now().UTC().Add(-within))
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var run schedule.ScheduleRun
			var status string
			if err := rows.Scan(
				&run.ID, &run.ScheduleID, &run.UserID, &run.RunDate, &status, &run.TriggeredBy,
				&run.TotalJobs, &run.CompletedJobs, &run.FailedJobs, &run.TriggeredAt, &run.StartedAt, &run.FinishedAt,
			); err != nil {
				return err
			}
			run.Status = schedule.RunStatus(status)
			out = append(out, run)
		}
		return rows.Err()
	})

	return out, err
}
