package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/postloop/core/internal/domain/schedule"
	"github.com/postloop/core/internal/observability"
)

type SchedulesRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewSchedulesRepo(pool *pgxpool.Pool, prom *observability.Prom) *SchedulesRepo {
	return &SchedulesRepo{pool: pool, prom: prom}
}

func (r *SchedulesRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

// DueAt returns every ACTIVE schedule whose runTime (HH:MM, stored in
// its own timezone) matches the given wall-clock minute, per spec.md
// §4.4's per-calendar-day trigger.
func (r *SchedulesRepo) DueAt(ctx context.Context, hhmm string) ([]schedule.Schedule, error) {
	var out []schedule.Schedule
	op := "schedules.due_at"

	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `
			SELECT id, user_id, cafe_id, board_id, template_id,
			       cafe_name, board_name, template_name, schedule_name,
			       status, run_time, timezone, daily_post_count,
			       post_interval_min, max_posts_per_day, user_enabled,
			       admin_status, consecutive_failures, created_at, updated_at
			FROM schedules
			WHERE status = 'ACTIVE' AND run_time = $1
		`, hhmm)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var s schedule.Schedule
			var status, adminStatus string
			if err := rows.Scan(
				&s.ID, &s.UserID, &s.CafeID, &s.BoardID, &s.TemplateID,
				&s.CafeName, &s.BoardName, &s.TemplateName, &s.ScheduleName,
				&status, &s.RunTime, &s.Timezone, &s.DailyPostCount,
				&s.PostIntervalMin, &s.MaxPostsPerDay, &s.UserEnabled,
				&adminStatus, &s.ConsecutiveFailures, &s.CreatedAt, &s.UpdatedAt,
			); err != nil {
				return err
			}
			s.Status = schedule.Status(status)
			s.AdminStatus = schedule.AdminStatus(adminStatus)
			out = append(out, s)
		}
		return rows.Err()
	})

	return out, err
}

func (r *SchedulesRepo) Get(ctx context.Context, id string) (schedule.Schedule, error) {
	var s schedule.Schedule
	var status, adminStatus string
	op := "schedules.get"

	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
			SELECT id, user_id, cafe_id, board_id, template_id,
			       cafe_name, board_name, template_name, schedule_name,
			       status, run_time, timezone, daily_post_count,
			       post_interval_min, max_posts_per_day, user_enabled,
			       admin_status, consecutive_failures, created_at, updated_at
			FROM schedules WHERE id = $1
		`, id).Scan(
			&s.ID, &s.UserID, &s.CafeID, &s.BoardID, &s.TemplateID,
			&s.CafeName, &s.BoardName, &s.TemplateName, &s.ScheduleName,
			&status, &s.RunTime, &s.Timezone, &s.DailyPostCount,
			&s.PostIntervalMin, &s.MaxPostsPerDay, &s.UserEnabled,
			&adminStatus, &s.ConsecutiveFailures, &s.CreatedAt, &s.UpdatedAt,
		)
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return schedule.Schedule{}, schedule.ErrNotFound
	}
	if err != nil {
		return schedule.Schedule{}, err
	}
	s.Status = schedule.Status(status)
	s.AdminStatus = schedule.AdminStatus(adminStatus)
	return s, nil
}

// RecordFailure bumps consecutiveFailures and, once it crosses the
// Policy Gate's threshold, transitions adminStatus to SUSPENDED in
// the same statement (spec.md §4.5's AUTO_SUSPEND policy). Returns
// whether this call caused the suspension.
func (r *SchedulesRepo) RecordFailure(ctx context.Context, id string, threshold int) (suspended bool, err error) {
	op := "schedules.record_failure"

	err = r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
			UPDATE schedules
			SET consecutive_failures = consecutive_failures + 1,
			    admin_status = CASE
			        WHEN consecutive_failures + 1 >= $2 THEN 'SUSPENDED'
			        ELSE admin_status
			    END,
			    updated_at = NOW()
			WHERE id = $1
			RETURNING (consecutive_failures = $2)
		`, id, threshold).Scan(&suspended)
	})

	return suspended, err
}

// RecordSuccess resets consecutiveFailures to 0 (spec.md §4.5: "a
// successful job resets the counter").
func (r *SchedulesRepo) RecordSuccess(ctx context.Context, id string) error {
	op := "schedules.record_success"
	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			UPDATE schedules SET consecutive_failures = 0, updated_at = NOW() WHERE id = $1
		`, id)
		return err
	})
}
