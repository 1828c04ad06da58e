package queue

import "github.com/postloop/core/internal/domain/job"

// DefaultQueueName is the single queue this core dispatches (spec.md
// §1/§5: one primary job type per user session, plus the system
// snapshot-collector job multiplexed onto the same queue by type).
const DefaultQueueName = "create-post"

// key layout, one set per queue name:
//
//	q:{name}:job:{id}      string   full Job JSON
//	q:{name}:waiting       zset     member=jobId score=priority*1e13+enqueuedAtMs
//	q:{name}:delayed       zset     member=jobId score=visibleAtMs
//	q:{name}:active        zset     member=jobId score=lockExpiresAtMs
//	q:{name}:paused        string   presence means paused
//	q:{name}:completed     zset     member=jobId score=finishedAtMs
//	q:{name}:failed        zset     member=jobId score=finishedAtMs
//	q:{name}:cancelled     zset     member=jobId score=finishedAtMs
func (q *Queue) jobKey(id string) string { return "q:" + q.name + ":job:" + id }
func (q *Queue) waitingKey() string      { return "q:" + q.name + ":waiting" }
func (q *Queue) delayedKey() string      { return "q:" + q.name + ":delayed" }
func (q *Queue) activeKey() string       { return "q:" + q.name + ":active" }
func (q *Queue) pausedKey() string       { return "q:" + q.name + ":paused" }

func (q *Queue) archiveKey(status job.Status) string {
	switch status {
	case job.StatusCompleted:
		return "q:" + q.name + ":completed"
	case job.StatusFailed:
		return "q:" + q.name + ":failed"
	case job.StatusCancelled:
		return "q:" + q.name + ":cancelled"
	default:
		return "q:" + q.name + ":" + string(status)
	}
}
