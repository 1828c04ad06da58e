// Package registry implements the Heartbeat Registry (C2): liveness
// tracking for worker processes, per spec.md §4.2. It never
// enumerates keys with KEYS or SCAN — only ZRangeByScore, ZCount,
// ZRemRangeByScore and MGet, so it stays cheap under an arbitrarily
// large key space.
package registry

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type Registry struct {
	client *redis.Client
	queue  string
	ttl    time.Duration
}

func New(client *redis.Client, queue string, ttl time.Duration) *Registry {
	return &Registry{client: client, queue: queue, ttl: ttl}
}

func (r *Registry) heartbeatKey() string { return "workers:" + r.queue + ":heartbeat" }
func (r *Registry) infoKey(workerID string) string {
	return "workers:" + r.queue + ":info:" + workerID
}

// Info is the detail blob stored alongside a heartbeat, read back by
// the Control Plane's worker listing. ActiveJobs/ProcessedJobs/
// FailedJobs are the WorkerInfo counters spec.md §3/§4.3 require the
// Worker Pool to maintain and the Heartbeat Registry to expose.
type Info struct {
	WorkerID      string    `json:"workerId"`
	Queue         string    `json:"queue"`
	StartedAt     time.Time `json:"startedAt"`
	CurrentJobID  *string   `json:"currentJobId,omitempty"`
	ActiveJobs    int       `json:"activeJobs"`
	ProcessedJobs int64     `json:"processedJobs"`
	FailedJobs    int64     `json:"failedJobs"`
}

// Beat records that workerID is alive right now, per spec.md §4.2's
// "a worker reports a heartbeat every N seconds" operation.
func (r *Registry) Beat(ctx context.Context, info Info) error {
	now := time.Now().UTC()

	data, err := json.Marshal(info)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, r.heartbeatKey(), redis.Z{Score: float64(now.UnixMilli()), Member: info.WorkerID})
	pipe.Set(ctx, r.infoKey(info.WorkerID), data, r.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Online returns the IDs of workers whose last heartbeat is within
// ttl of now (spec.md §4.2's liveness predicate).
func (r *Registry) Online(ctx context.Context) ([]string, error) {
	now := time.Now().UTC()
	min := now.Add(-r.ttl)

	return r.client.ZRangeByScore(ctx, r.heartbeatKey(), &redis.ZRangeBy{
		Min: itoaMillis(min),
		Max: itoaMillis(now.Add(time.Minute)), // tolerate small clock skew
	}).Result()
}

// OnlineCount is the cheap form of Online used by the Snapshot
// Collector every tick.
func (r *Registry) OnlineCount(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	min := now.Add(-r.ttl)

	return r.client.ZCount(ctx, r.heartbeatKey(), itoaMillis(min), itoaMillis(now.Add(time.Minute))).Result()
}

// Details fetches Info for each of the given worker IDs in one round
// trip. A worker whose info key already expired is silently skipped.
func (r *Registry) Details(ctx context.Context, workerIDs []string) ([]Info, error) {
	if len(workerIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(workerIDs))
	for i, id := range workerIDs {
		keys[i] = r.infoKey(id)
	}

	raw, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	infos := make([]Info, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var info Info
		if err := json.Unmarshal([]byte(s), &info); err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Prune drops heartbeat members older than ttl so the ZSET doesn't
// grow unbounded with workers that never came back.
func (r *Registry) Prune(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-r.ttl)
	return r.client.ZRemRangeByScore(ctx, r.heartbeatKey(), "-inf", itoaMillis(cutoff)).Result()
}

func itoaMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
