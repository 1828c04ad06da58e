package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/postloop/core/internal/audit"
	"github.com/postloop/core/internal/cache"
	auditdomain "github.com/postloop/core/internal/domain/audit"
	"github.com/postloop/core/internal/domain/incident"
	"github.com/postloop/core/internal/domain/job"
	"github.com/postloop/core/internal/http/middlewares"
	"github.com/postloop/core/internal/queue"
	"github.com/postloop/core/internal/registry"
	"github.com/postloop/core/internal/repo/postgres"
	"github.com/postloop/core/internal/runstate"
)

// overviewCacheTTL matches the ~3s dashboard poll cadence (spec.md
// §4.10): several operators with the panel open would otherwise each
// re-read every queue's counts and the online worker set on every
// poll tick.
const overviewCacheTTL = 3 * time.Second

// WorkerMonitorHandler implements the Control Plane (C8) — the
// operator HTTP surface spec.md §6 tables under /admin/worker-monitor
// — plus the separate dashboard read surface at /dashboard. Every
// mutating route writes an AuditLogEntry before returning success
// (spec.md §4.8), using the caller's identity from the auth
// middleware's context, the same way the teacher's jobs.go reads
// middlewares.UserIDFromContext rather than a custom context package.
type WorkerMonitorHandler struct {
	manager       *queue.Manager
	registryFor   func(queueName string) *registry.Registry
	snapshots     *postgres.SnapshotsRepo
	incidents     *postgres.IncidentsRepo
	auditLog      *audit.Log
	dashboard     *runstate.Reader
	overviewCache *cache.Cache
}

func NewWorkerMonitorHandler(
	manager *queue.Manager,
	registryFor func(queueName string) *registry.Registry,
	snapshots *postgres.SnapshotsRepo,
	incidents *postgres.IncidentsRepo,
	auditLog *audit.Log,
	dashboard *runstate.Reader,
) *WorkerMonitorHandler {
	return &WorkerMonitorHandler{
		manager:       manager,
		registryFor:   registryFor,
		snapshots:     snapshots,
		incidents:     incidents,
		auditLog:      auditLog,
		dashboard:     dashboard,
		overviewCache: cache.New(overviewCacheTTL),
	}
}

func (h *WorkerMonitorHandler) actorID(c *gin.Context) *string {
	id, ok := middlewares.UserIDFromContext(c)
	if !ok || id == "" {
		return nil
	}
	return &id
}

func (h *WorkerMonitorHandler) audit(c *gin.Context, entityType, entityID string, action auditdomain.Action, reason *string) {
	h.auditLog.Write(c.Request.Context(), audit.Record{
		ActorID:    h.actorID(c),
		ActorType:  auditdomain.ActorAdmin,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Reason:     reason,
	})
}

const overviewCacheKey = "overview"

// GET /overview
func (h *WorkerMonitorHandler) Overview(c *gin.Context) {
	if cached, ok := h.overviewCache.Get(overviewCacheKey); ok {
		c.JSON(http.StatusOK, cached)
		return
	}

	ctx := c.Request.Context()

	names := h.manager.Names()
	var totalWaiting, totalActive, totalDelayed, totalFailed int64
	onlineWorkers := 0
	pausedQueues := 0

	for _, name := range names {
		counts, err := h.manager.Queue(name).GetCounts(ctx)
		if err != nil {
			RespondInternal(c, "failed to read queue counts")
			return
		}
		totalWaiting += counts.Waiting
		totalActive += counts.Active
		totalDelayed += counts.Delayed
		totalFailed += counts.Failed
		if counts.Paused {
			pausedQueues++
		}

		if reg := h.registryFor(name); reg != nil {
			online, err := reg.Online(ctx)
			if err == nil {
				onlineWorkers += len(online)
			}
		}
	}

	openIncidents, err := h.incidents.List(ctx, string(incident.StatusActive))
	if err != nil {
		RespondInternal(c, "failed to read incidents")
		return
	}

	body := gin.H{
		"queues":        len(names),
		"pausedQueues":  pausedQueues,
		"waiting":       totalWaiting,
		"active":        totalActive,
		"delayed":       totalDelayed,
		"failed":        totalFailed,
		"onlineWorkers": onlineWorkers,
		"openIncidents": len(openIncidents),
	}
	h.overviewCache.Set(overviewCacheKey, body)
	c.JSON(http.StatusOK, body)
}

// GET /queues
func (h *WorkerMonitorHandler) ListQueues(c *gin.Context) {
	ctx := c.Request.Context()
	names := h.manager.Names()

	out := make([]gin.H, 0, len(names))
	for _, name := range names {
		counts, err := h.manager.Queue(name).GetCounts(ctx)
		if err != nil {
			RespondInternal(c, "failed to read queue counts")
			return
		}
		out = append(out, gin.H{
			"name":      name,
			"waiting":   counts.Waiting,
			"active":    counts.Active,
			"delayed":   counts.Delayed,
			"completed": counts.Completed,
			"failed":    counts.Failed,
			"paused":    counts.Paused,
		})
	}
	c.JSON(http.StatusOK, gin.H{"queues": out})
}

// GET /queues/:name/trend?hours=h
func (h *WorkerMonitorHandler) QueueTrend(c *gin.Context) {
	name := c.Param("name")
	hours := 24
	if v := c.Query("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			RespondBadRequest(c, "hours must be a positive integer", nil)
			return
		}
		hours = n
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	points, err := h.snapshots.Trend(c.Request.Context(), name, since)
	if err != nil {
		RespondInternal(c, "failed to read trend")
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": name, "points": points})
}

// GET /queues/:name/jobs?status=&start=&end=
func (h *WorkerMonitorHandler) ListJobs(c *gin.Context) {
	name := c.Param("name")
	statusStr := c.Query("status")
	if statusStr == "" {
		RespondBadRequest(c, "status is required", nil)
		return
	}
	status := job.Status(statusStr)

	start := queryInt(c, "start", 0)
	end := queryInt(c, "end", start+50)
	if end <= start {
		RespondBadRequest(c, "end must be greater than start", nil)
		return
	}

	jobs, err := h.manager.Queue(name).ListJobs(c.Request.Context(), status, start, end-start)
	if err != nil {
		RespondInternal(c, "failed to list jobs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// GET /queues/:name/jobs/:jobId
func (h *WorkerMonitorHandler) GetJob(c *gin.Context) {
	name := c.Param("name")
	j, err := h.manager.Queue(name).GetJob(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		RespondNotFound(c, "job not found")
		return
	}
	c.JSON(http.StatusOK, j)
}

type reasonBody struct {
	Reason string `json:"reason"`
}

// POST /queues/:name/pause
func (h *WorkerMonitorHandler) PauseQueue(c *gin.Context) {
	name := c.Param("name")
	ctx := c.Request.Context()
	q := h.manager.Queue(name)

	var body reasonBody
	_ = c.ShouldBindJSON(&body)

	paused, err := q.IsPaused(ctx)
	if err != nil {
		RespondInternal(c, "failed to read queue state")
		return
	}
	if paused {
		RespondConflict(c, "already_paused", "queue is already paused")
		return
	}

	if err := q.Pause(ctx); err != nil {
		RespondInternal(c, "failed to pause queue")
		return
	}

	var reason *string
	if body.Reason != "" {
		reason = &body.Reason
	}
	h.audit(c, "queue", name, auditdomain.ActionPauseQueue, reason)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// POST /queues/:name/resume
func (h *WorkerMonitorHandler) ResumeQueue(c *gin.Context) {
	name := c.Param("name")
	ctx := c.Request.Context()
	q := h.manager.Queue(name)

	var body reasonBody
	_ = c.ShouldBindJSON(&body)

	paused, err := q.IsPaused(ctx)
	if err != nil {
		RespondInternal(c, "failed to read queue state")
		return
	}
	if !paused {
		RespondConflict(c, "not_paused", "queue is not paused")
		return
	}

	if err := q.Resume(ctx); err != nil {
		RespondInternal(c, "failed to resume queue")
		return
	}

	var reason *string
	if body.Reason != "" {
		reason = &body.Reason
	}
	h.audit(c, "queue", name, auditdomain.ActionResumeQueue, reason)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// POST /queues/:name/retry-failed
func (h *WorkerMonitorHandler) RetryFailed(c *gin.Context) {
	name := c.Param("name")
	limit := queryInt(c, "limit", 100)

	moved, err := h.manager.Queue(name).RetryFailed(c.Request.Context(), limit)
	if err != nil {
		RespondInternal(c, "failed to retry failed jobs")
		return
	}
	h.audit(c, "queue", name, auditdomain.ActionRetryFailed, nil)
	c.JSON(http.StatusOK, gin.H{"movedCount": moved})
}

type confirmBody struct {
	Confirm string `json:"confirm"`
}

// DELETE /queues/:name/drain
func (h *WorkerMonitorHandler) DrainQueue(c *gin.Context) {
	name := c.Param("name")

	var body confirmBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Confirm != name {
		RespondBadRequest(c, "confirm must equal the queue name", nil)
		return
	}

	removed, err := h.manager.Queue(name).Drain(c.Request.Context())
	if err != nil {
		RespondInternal(c, "failed to drain queue")
		return
	}
	h.audit(c, "queue", name, auditdomain.ActionDrainQueue, nil)
	c.JSON(http.StatusOK, gin.H{"removedCount": removed})
}

// DELETE /queues/:name/clean?status=&limit=
func (h *WorkerMonitorHandler) CleanQueue(c *gin.Context) {
	name := c.Param("name")

	var body confirmBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Confirm != "clean" {
		RespondBadRequest(c, `confirm must equal the literal string "clean"`, nil)
		return
	}

	statusStr := c.Query("status")
	if statusStr == "" {
		statusStr = string(job.StatusCompleted)
	}
	status := job.Status(statusStr)
	limit := queryInt(c, "limit", 1000)

	removed, err := h.manager.Queue(name).Clean(c.Request.Context(), status, 0, limit)
	if err != nil {
		RespondBadRequest(c, err.Error(), nil)
		return
	}
	h.audit(c, "queue", name, auditdomain.ActionCleanQueue, nil)
	c.JSON(http.StatusOK, gin.H{"removedCount": removed})
}

// POST /queues/:name/jobs/:jobId/retry
func (h *WorkerMonitorHandler) RetryJob(c *gin.Context) {
	name := c.Param("name")
	jobID := c.Param("jobId")

	err := h.manager.Queue(name).RetryJob(c.Request.Context(), jobID)
	switch {
	case err == nil:
		h.audit(c, "job", jobID, auditdomain.ActionRetryJob, nil)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	case err == job.ErrNotFound:
		RespondNotFound(c, "job not found")
	case err == job.ErrNotReservable:
		RespondConflict(c, "not_failed", "job is not in a retriable state")
	default:
		RespondInternal(c, "failed to retry job")
	}
}

// POST /queues/:name/jobs/:jobId/cancel
func (h *WorkerMonitorHandler) CancelJob(c *gin.Context) {
	name := c.Param("name")
	jobID := c.Param("jobId")

	err := h.manager.Queue(name).Cancel(c.Request.Context(), jobID)
	switch {
	case err == nil:
		h.audit(c, "job", jobID, auditdomain.ActionCancelJob, nil)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	case err == job.ErrNotFound:
		RespondNotFound(c, "job not found")
	case err == job.ErrAlreadyTerminal:
		RespondConflict(c, "already_terminal", "job has already reached a terminal state")
	default:
		RespondInternal(c, "failed to cancel job")
	}
}

// GET /workers
func (h *WorkerMonitorHandler) ListWorkers(c *gin.Context) {
	ctx := c.Request.Context()
	names := h.manager.Names()

	var all []registry.Info
	onlineTotal := 0
	for _, name := range names {
		reg := h.registryFor(name)
		if reg == nil {
			continue
		}
		ids, err := reg.Online(ctx)
		if err != nil {
			RespondInternal(c, "failed to read worker liveness")
			return
		}
		onlineTotal += len(ids)

		infos, err := reg.Details(ctx, ids)
		if err != nil {
			RespondInternal(c, "failed to read worker details")
			return
		}
		all = append(all, infos...)
	}

	c.JSON(http.StatusOK, gin.H{
		"workers": all,
		"summary": gin.H{"online": onlineTotal},
	})
}

// GET /incidents?status=
func (h *WorkerMonitorHandler) ListIncidents(c *gin.Context) {
	list, err := h.incidents.List(c.Request.Context(), c.Query("status"))
	if err != nil {
		RespondInternal(c, "failed to list incidents")
		return
	}
	c.JSON(http.StatusOK, gin.H{"incidents": list})
}

// POST /incidents/:id/acknowledge
func (h *WorkerMonitorHandler) AcknowledgeIncident(c *gin.Context) {
	id := c.Param("id")
	if err := h.incidents.Acknowledge(c.Request.Context(), id); err != nil {
		if err == postgres.ErrNotFoundOrConflict {
			RespondConflict(c, "not_found_or_conflict", "incident not found or not active")
			return
		}
		RespondInternal(c, "failed to acknowledge incident")
		return
	}
	h.audit(c, "incident", id, auditdomain.ActionAcknowledgeIncident, nil)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// POST /incidents/:id/resolve
func (h *WorkerMonitorHandler) ResolveIncident(c *gin.Context) {
	id := c.Param("id")

	var body reasonBody
	_ = c.ShouldBindJSON(&body)

	actor := "admin"
	if aid := h.actorID(c); aid != nil {
		actor = *aid
	}

	if err := h.incidents.Resolve(c.Request.Context(), id, actor, time.Now().UTC()); err != nil {
		if err == postgres.ErrNotFoundOrConflict {
			RespondNotFound(c, "incident not found")
			return
		}
		RespondInternal(c, "failed to resolve incident")
		return
	}

	var reason *string
	if body.Reason != "" {
		reason = &body.Reason
	}
	h.audit(c, "incident", id, auditdomain.ActionResolveIncident, reason)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GET /dashboard/active-runs
func (h *WorkerMonitorHandler) ActiveRuns(c *gin.Context) {
	runs, err := h.dashboard.ActiveRuns(c.Request.Context())
	if err != nil {
		RespondInternal(c, "failed to read active runs")
		return
	}

	recentEvents := make(map[string][]runstate.Event, len(runs))
	out := make([]gin.H, 0, len(runs))
	for _, r := range runs {
		out = append(out, gin.H{
			"run":           r.Run,
			"status":        r.Status,
			"processedJobs": r.ProcessedJobs,
		})
		recentEvents[r.Run.ID] = r.RecentEvents
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":                 out,
		"recentEventsByRunId": recentEvents,
	})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	v := c.Query(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
