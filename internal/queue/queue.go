// Package queue implements the durable, multi-state job Queue (C1)
// described in spec.md §4.1. It is Redis-backed: every named queue
// gets its own waiting/delayed/active/archive key set (see keys.go),
// all mutated through small pipelines so a reserve or a fail never
// leaves the queue half-updated.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/postloop/core/internal/domain/job"
)

// Queue is bound to one queue name; callers obtain one through a
// Manager so every named queue shares the same redis client.
type Queue struct {
	client *redis.Client
	name   string
}

func newQueue(client *redis.Client, name string) *Queue {
	return &Queue{client: client, name: name}
}

func (q *Queue) Name() string { return q.name }

// EnqueueOptions customizes one Enqueue call. ID lets a repeatable
// job reuse its fixed id across ticks instead of minting a new one.
type EnqueueOptions struct {
	ID               string
	Priority         int
	Delay            time.Duration
	UserID           *string
	ScheduleRunID    *string
	SequenceNumber   *int
	MaxAttempts      int
	RepeatJobID      string
	RemoveOnComplete int
	RemoveOnFail     int
}

func (q *Queue) Enqueue(ctx context.Context, jobType string, payload json.RawMessage, opts EnqueueOptions) (*job.Job, error) {
	now := time.Now().UTC()

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = job.DefaultMaxAttempts
	}

	visibleAt := now.Add(opts.Delay)
	status := job.StatusQueued
	if opts.Delay > 0 {
		status = job.StatusDelayed
	}

	j := &job.Job{
		ID:             id,
		QueueName:      q.name,
		Type:           jobType,
		Payload:        payload,
		UserID:         opts.UserID,
		ScheduleRunID:  opts.ScheduleRunID,
		SequenceNumber: opts.SequenceNumber,
		Status:         status,
		Priority:       opts.Priority,
		MaxAttempts:    maxAttempts,
		RepeatJobID:    opts.RepeatJobID,
		RemoveOnComplete: opts.RemoveOnComplete,
		RemoveOnFail:     opts.RemoveOnFail,
		VisibleAt:      visibleAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	data, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(id), data, 0)
	if status == job.StatusDelayed {
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(visibleAt.UnixMilli()), Member: id})
	} else {
		pipe.ZAdd(ctx, q.waitingKey(), redis.Z{Score: waitingScore(opts.Priority, now), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	return j, nil
}

// waitingScore orders waiting members by priority first (lower value
// runs first) and FIFO within a priority band second. The combined
// float loses sub-millisecond precision at very large priorities,
// which is fine: ordering, not an exact timestamp, is all that's read.
func waitingScore(priority int, enqueuedAt time.Time) float64 {
	return float64(priority)*1e13 + float64(enqueuedAt.UnixMilli())
}

const defaultClaimTTL = 5 * time.Minute

// Reserve claims the next visible job for workerID. It first promotes
// any delayed job whose visibility time has arrived and reclaims any
// active job whose lock expired (its owning worker presumably died),
// then pops the lowest-scoring waiting member. Returns (nil, nil) when
// the queue has nothing to hand out right now, including while paused.
func (q *Queue) Reserve(ctx context.Context, workerID string) (*job.Job, error) {
	paused, err := q.IsPaused(ctx)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	if err := q.promoteDelayed(ctx); err != nil {
		return nil, err
	}
	if err := q.reclaimStaleActive(ctx); err != nil {
		return nil, err
	}

	members, err := q.client.ZPopMin(ctx, q.waitingKey(), 1).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	id, _ := members[0].Member.(string)
	j, err := q.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	now := time.Now().UTC()
	deadline := now.Add(defaultClaimTTL)
	j.Status = job.StatusActive
	j.StartedAt = &now
	j.LockedBy = &workerID
	j.LockExpiresAt = &deadline
	j.UpdatedAt = now

	if err := q.saveAndIndex(ctx, j, func(pipe redis.Pipeliner) {
		pipe.ZAdd(ctx, q.activeKey(), redis.Z{Score: float64(deadline.UnixMilli()), Member: j.ID})
	}); err != nil {
		return nil, err
	}

	return j, nil
}

// promoteDelayed moves every delayed job whose visibility time has
// passed into the waiting set.
func (q *Queue) promoteDelayed(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: itoaMillis(now),
	}).Result()
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	for _, id := range due {
		j, err := q.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, job.ErrNotFound) {
				_ = q.client.ZRem(ctx, q.delayedKey(), id).Err()
				continue
			}
			return err
		}
		j.Status = job.StatusQueued
		j.UpdatedAt = now

		pipe := q.client.TxPipeline()
		data, err := json.Marshal(j)
		if err != nil {
			return err
		}
		pipe.Set(ctx, q.jobKey(id), data, 0)
		pipe.ZRem(ctx, q.delayedKey(), id)
		pipe.ZAdd(ctx, q.waitingKey(), redis.Z{Score: waitingScore(j.Priority, now), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}

	return nil
}

// reclaimStaleActive requeues any active job whose lock has expired,
// on the assumption its worker crashed mid-run (spec.md §9 restart
// safety).
func (q *Queue) reclaimStaleActive(ctx context.Context) error {
	now := time.Now().UTC()
	stale, err := q.client.ZRangeByScore(ctx, q.activeKey(), &redis.ZRangeBy{
		Min: "-inf", Max: itoaMillis(now),
	}).Result()
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	for _, id := range stale {
		j, err := q.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, job.ErrNotFound) {
				_ = q.client.ZRem(ctx, q.activeKey(), id).Err()
				continue
			}
			return err
		}
		if j.Status != job.StatusActive {
			_ = q.client.ZRem(ctx, q.activeKey(), id).Err()
			continue
		}

		j.Status = job.StatusQueued
		j.LockedBy = nil
		j.LockExpiresAt = nil
		j.UpdatedAt = now

		pipe := q.client.TxPipeline()
		data, err := json.Marshal(j)
		if err != nil {
			return err
		}
		pipe.Set(ctx, q.jobKey(id), data, 0)
		pipe.ZRem(ctx, q.activeKey(), id)
		pipe.ZAdd(ctx, q.waitingKey(), redis.Z{Score: waitingScore(j.Priority, now), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}

	return nil
}

// Release puts an ACTIVE job back onto the waiting set immediately,
// without waiting for its lock to expire. The Worker Pool calls this
// during a graceful shutdown for every job it still holds.
func (q *Queue) Release(ctx context.Context, jobID string) error {
	j, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != job.StatusActive {
		return nil
	}

	now := time.Now().UTC()
	j.Status = job.StatusQueued
	j.LockedBy = nil
	j.LockExpiresAt = nil
	j.UpdatedAt = now

	return q.saveAndIndex(ctx, j, func(pipe redis.Pipeliner) {
		pipe.ZRem(ctx, q.activeKey(), j.ID)
		pipe.ZAdd(ctx, q.waitingKey(), redis.Z{Score: waitingScore(j.Priority, now), Member: j.ID})
	})
}

func (q *Queue) Ack(ctx context.Context, jobID string, returnValue json.RawMessage) error {
	j, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != job.StatusActive {
		return job.ErrNotReservable
	}

	now := time.Now().UTC()
	j.Status = job.StatusCompleted
	j.FinishedAt = &now
	j.UpdatedAt = now
	j.ReturnValue = returnValue
	j.LockedBy = nil
	j.LockExpiresAt = nil

	if err := q.saveAndIndex(ctx, j, func(pipe redis.Pipeliner) {
		pipe.ZRem(ctx, q.activeKey(), j.ID)
		pipe.ZAdd(ctx, q.archiveKey(job.StatusCompleted), redis.Z{Score: float64(now.UnixMilli()), Member: j.ID})
	}); err != nil {
		return err
	}

	return q.trimArchive(ctx, job.StatusCompleted, j.RemoveOnComplete)
}

// trimArchive keeps only the most recent keep entries of an archive,
// per Enqueue's removeOnComplete/removeOnFail option (spec.md §4.1).
// keep<=0 means unbounded retention (Clean is the bounded-retention
// path instead).
func (q *Queue) trimArchive(ctx context.Context, status job.Status, keep int) error {
	if keep <= 0 {
		return nil
	}
	key := q.archiveKey(status)
	n, err := q.client.ZCard(ctx, key).Result()
	if err != nil {
		return err
	}
	if n <= int64(keep) {
		return nil
	}

	evict, err := q.client.ZRange(ctx, key, 0, n-int64(keep)-1).Result()
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	for _, id := range evict {
		pipe.ZRem(ctx, key, id)
		pipe.Del(ctx, q.jobKey(id))
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Fail records a failed attempt. A retriable code schedules a backoff
// retry (job goes back to DELAYED) as long as attempts remain; any
// other outcome is terminal. The returned bool reports whether this
// call made the failure terminal, so callers (the Worker Pool) know
// whether to report the job's final outcome upstream.
func (q *Queue) Fail(ctx context.Context, jobID string, code job.ErrorCode, message string) (bool, error) {
	j, err := q.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if j.Status != job.StatusActive {
		return false, job.ErrNotReservable
	}

	now := time.Now().UTC()
	j.AttemptsMade++
	j.ErrorCode = &code
	j.ErrorMessage = &message
	j.LockedBy = nil
	j.LockExpiresAt = nil
	j.UpdatedAt = now

	retry := code.Retriable() && j.AttemptsMade < j.MaxAttempts && !j.CancelRequested

	var extra func(pipe redis.Pipeliner)
	if retry {
		delay := Backoff(j.AttemptsMade)
		j.Status = job.StatusDelayed
		j.VisibleAt = now.Add(delay)
		extra = func(pipe redis.Pipeliner) {
			pipe.ZRem(ctx, q.activeKey(), j.ID)
			pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(j.VisibleAt.UnixMilli()), Member: j.ID})
		}
	} else {
		j.Status = job.StatusFailed
		j.FinishedAt = &now
		extra = func(pipe redis.Pipeliner) {
			pipe.ZRem(ctx, q.activeKey(), j.ID)
			pipe.ZAdd(ctx, q.archiveKey(job.StatusFailed), redis.Z{Score: float64(now.UnixMilli()), Member: j.ID})
		}
	}

	if err := q.saveAndIndex(ctx, j, extra); err != nil {
		return false, err
	}
	if !retry {
		return true, q.trimArchive(ctx, job.StatusFailed, j.RemoveOnFail)
	}
	return false, nil
}

// Cancel stops a QUEUED/DELAYED job outright. An ACTIVE job can only
// be asked to stop cooperatively: CancelRequested is set and the
// handler is expected to check it via job.Job.CancelRequested.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	j, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.IsTerminal() {
		return job.ErrAlreadyTerminal
	}

	now := time.Now().UTC()
	j.UpdatedAt = now

	if j.Status == job.StatusActive {
		j.CancelRequested = true
		return q.saveAndIndex(ctx, j, nil)
	}

	var removeFrom string
	if j.Status == job.StatusDelayed {
		removeFrom = q.delayedKey()
	} else {
		removeFrom = q.waitingKey()
	}

	j.Status = job.StatusCancelled
	j.FinishedAt = &now

	return q.saveAndIndex(ctx, j, func(pipe redis.Pipeliner) {
		pipe.ZRem(ctx, removeFrom, j.ID)
		pipe.ZAdd(ctx, q.archiveKey(job.StatusCancelled), redis.Z{Score: float64(now.UnixMilli()), Member: j.ID})
	})
}

// HasNonTerminalCreatePost backs the Policy Gate's duplicate
// suppression rule (spec.md §4.5): true if a non-terminal CREATE_POST
// job already exists for (userID, templateID). Scans the waiting,
// delayed and active sets, which is bounded by the live backlog
// rather than total history.
func (q *Queue) HasNonTerminalCreatePost(ctx context.Context, userID, templateID string) (bool, error) {
	for _, key := range []string{q.waitingKey(), q.delayedKey(), q.activeKey()} {
		ids, err := q.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return false, err
		}
		for _, id := range ids {
			j, err := q.GetJob(ctx, id)
			if err != nil {
				if errors.Is(err, job.ErrNotFound) {
					continue
				}
				return false, err
			}
			if j.Type != job.TypeCreatePost || j.UserID == nil || *j.UserID != userID {
				continue
			}
			var p job.CreatePostPayload
			if err := json.Unmarshal(j.Payload, &p); err != nil {
				continue
			}
			if p.TemplateID == templateID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (q *Queue) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	data, err := q.client.Get(ctx, q.jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// saveAndIndex persists j and runs extra (zset bookkeeping) in the
// same pipeline, so a job's status and its index entry never drift.
func (q *Queue) saveAndIndex(ctx context.Context, j *job.Job, extra func(redis.Pipeliner)) error {
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(j.ID), data, 0)
	if extra != nil {
		extra(pipe)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	n, err := q.client.Exists(ctx, q.pausedKey()).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (q *Queue) Pause(ctx context.Context) error {
	return q.client.Set(ctx, q.pausedKey(), "1", 0).Err()
}

func (q *Queue) Resume(ctx context.Context) error {
	return q.client.Del(ctx, q.pausedKey()).Err()
}

type Counts struct {
	Waiting   int64
	Active    int64
	Delayed   int64
	Completed int64
	Failed    int64
	Paused    bool
}

func (q *Queue) GetCounts(ctx context.Context) (Counts, error) {
	waiting, err := q.client.ZCard(ctx, q.waitingKey()).Result()
	if err != nil {
		return Counts{}, err
	}
	active, err := q.client.ZCard(ctx, q.activeKey()).Result()
	if err != nil {
		return Counts{}, err
	}
	delayed, err := q.client.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return Counts{}, err
	}
	completed, err := q.client.ZCard(ctx, q.archiveKey(job.StatusCompleted)).Result()
	if err != nil {
		return Counts{}, err
	}
	failed, err := q.client.ZCard(ctx, q.archiveKey(job.StatusFailed)).Result()
	if err != nil {
		return Counts{}, err
	}
	paused, err := q.IsPaused(ctx)
	if err != nil {
		return Counts{}, err
	}

	return Counts{
		Waiting:   waiting,
		Active:    active,
		Delayed:   delayed,
		Completed: completed,
		Failed:    failed,
		Paused:    paused,
	}, nil
}

// Drain empties the waiting and delayed sets without touching jobs
// already ACTIVE, and marks every removed job CANCELLED.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	removed := 0
	for _, key := range []string{q.waitingKey(), q.delayedKey()} {
		ids, err := q.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return removed, err
		}
		for _, id := range ids {
			if err := q.Cancel(ctx, id); err != nil && !errors.Is(err, job.ErrAlreadyTerminal) {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// Clean deletes up to limit terminal jobs of status older than
// olderThan, freeing the archive zsets and the underlying job keys.
func (q *Queue) Clean(ctx context.Context, status job.Status, olderThan time.Duration, limit int) (int, error) {
	if !status.IsTerminal() {
		return 0, errors.New("queue: clean requires a terminal status")
	}
	threshold := time.Now().UTC().Add(-olderThan)

	ids, err := q.client.ZRangeByScoreWithScores(ctx, q.archiveKey(status), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   itoaMillis(threshold),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, z := range ids {
		id, _ := z.Member.(string)
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.archiveKey(status), id)
		pipe.Del(ctx, q.jobKey(id))
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// RetryFailed re-queues up to limit failed jobs, oldest-failed first,
// resetting attemptsMade down by one so the retried attempt doesn't
// immediately exhaust maxAttempts again.
func (q *Queue) RetryFailed(ctx context.Context, limit int) (int, error) {
	ids, err := q.client.ZRange(ctx, q.archiveKey(job.StatusFailed), 0, int64(limit)-1).Result()
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	retried := 0
	for _, id := range ids {
		j, err := q.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, job.ErrNotFound) {
				continue
			}
			return retried, err
		}
		if j.Status != job.StatusFailed {
			continue
		}

		if j.AttemptsMade > 0 {
			j.AttemptsMade--
		}
		j.Status = job.StatusQueued
		j.ErrorCode = nil
		j.ErrorMessage = nil
		j.FinishedAt = nil
		j.UpdatedAt = now

		pipe := q.client.TxPipeline()
		data, err := json.Marshal(j)
		if err != nil {
			return retried, err
		}
		pipe.Set(ctx, q.jobKey(id), data, 0)
		pipe.ZRem(ctx, q.archiveKey(job.StatusFailed), id)
		pipe.ZAdd(ctx, q.waitingKey(), redis.Z{Score: waitingScore(j.Priority, now), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return retried, err
		}
		retried++
	}

	return retried, nil
}

// RetryJob re-queues a single FAILED job by id, for the control
// plane's per-job retry route (spec.md §6). Returns job.ErrNotFound
// if jobID doesn't exist and job.ErrNotReservable if it isn't FAILED.
func (q *Queue) RetryJob(ctx context.Context, jobID string) error {
	j, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != job.StatusFailed {
		return job.ErrNotReservable
	}

	now := time.Now().UTC()
	if j.AttemptsMade > 0 {
		j.AttemptsMade--
	}
	j.Status = job.StatusQueued
	j.ErrorCode = nil
	j.ErrorMessage = nil
	j.FinishedAt = nil
	j.UpdatedAt = now

	return q.saveAndIndex(ctx, j, func(pipe redis.Pipeliner) {
		pipe.ZRem(ctx, q.archiveKey(job.StatusFailed), j.ID)
		pipe.ZAdd(ctx, q.waitingKey(), redis.Z{Score: waitingScore(j.Priority, now), Member: j.ID})
	})
}

func (q *Queue) statusKey(status job.Status) (string, error) {
	switch status {
	case job.StatusQueued:
		return q.waitingKey(), nil
	case job.StatusDelayed:
		return q.delayedKey(), nil
	case job.StatusActive:
		return q.activeKey(), nil
	case job.StatusCompleted, job.StatusFailed, job.StatusCancelled:
		return q.archiveKey(status), nil
	default:
		return "", errors.New("queue: unknown status")
	}
}

func (q *Queue) ListJobs(ctx context.Context, status job.Status, offset, limit int) ([]*job.Job, error) {
	key, err := q.statusKey(status)
	if err != nil {
		return nil, err
	}

	ids, err := q.client.ZRevRange(ctx, key, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, id := range ids {
		j, err := q.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, job.ErrNotFound) {
				continue
			}
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// EnsureRepeatable enqueues one occurrence of a repeatable job unless
// fixedJobID is already non-terminal, giving the at-most-one-live
// guarantee spec.md §4.1 requires without any separate lock. Callers
// (the Snapshot Collector's own ticker, for example) invoke this once
// per tick.
func (q *Queue) EnsureRepeatable(ctx context.Context, fixedJobID, jobType string, payload json.RawMessage) (*job.Job, error) {
	existing, err := q.GetJob(ctx, fixedJobID)
	if err != nil && !errors.Is(err, job.ErrNotFound) {
		return nil, err
	}
	if err == nil && !existing.Status.IsTerminal() {
		return existing, nil
	}

	return q.Enqueue(ctx, jobType, payload, EnqueueOptions{
		ID:          fixedJobID,
		RepeatJobID: fixedJobID,
		MaxAttempts: 1,
	})
}

func itoaMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
