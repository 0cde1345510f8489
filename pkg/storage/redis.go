package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/ndrlab/ndr-orchestrator/pkg/core"
	"github.com/ndrlab/ndr-orchestrator/pkg/security"
)

// DefaultKeyPrefix namespaces every key written by RedisBroker.
const DefaultKeyPrefix = "ndr"

// priorityStride separates priority bands in the waiting set score.
// Scores stay below 2^53 for priorities up to security.MaxPriority.
const priorityStride int64 = 1_000_000_000_000

// Layout per queue:
//
//	<prefix>:<queue>:job:<id>   job JSON
//	<prefix>:<queue>:waiting    zset, score priority*stride+seq
//	<prefix>:<queue>:delayed    zset, score run-at ms
//	<prefix>:<queue>:active     zset, score lock expiry ms
//	<prefix>:<queue>:completed  zset, score finish ms
//	<prefix>:<queue>:failed     zset, score finish ms
//	<prefix>:<queue>:scores     hash id -> waiting score
var dequeueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
	local score = redis.call('HGET', KEYS[4], id)
	if score then
		redis.call('ZADD', KEYS[1], score, id)
	end
	redis.call('ZREM', KEYS[2], id)
end
local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then
	return false
end
redis.call('ZREM', KEYS[1], head[1])
redis.call('ZADD', KEYS[3], ARGV[2], head[1])
return head[1]`)

var removeScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[3], ARGV[1]) then
	return -1
end
if redis.call('EXISTS', KEYS[7]) == 0 then
	return 0
end
redis.call('DEL', KEYS[7])
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('ZREM', KEYS[5], ARGV[1])
redis.call('HDEL', KEYS[6], ARGV[1])
return 1`)

// RedisBroker implements core.Broker on Redis.
type RedisBroker struct {
	client *redis.Client
	prefix string
}

var _ core.Broker = (*RedisBroker)(nil)

// NewRedisBroker wraps a go-redis client. An empty prefix selects DefaultKeyPrefix.
func NewRedisBroker(client *redis.Client, prefix string) *RedisBroker {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisBroker{client: client, prefix: prefix}
}

func (b *RedisBroker) key(queue, part string) string {
	return b.prefix + ":" + queue + ":" + part
}

func (b *RedisBroker) jobKey(queue, id string) string {
	return b.prefix + ":" + queue + ":job:" + id
}

func waitingScore(job *core.Job) int64 {
	return int64(job.Priority)*priorityStride + job.Seq
}

// Ping checks the Redis connection.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

// Enqueue stores the job and adds it to the waiting or delayed set.
func (b *RedisBroker) Enqueue(ctx context.Context, job *core.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Seq == 0 {
		seq, err := b.client.Incr(ctx, b.prefix+":seq").Result()
		if err != nil {
			return err
		}
		job.Seq = seq
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.Status = core.StatusWaiting
	if job.RunAt != nil && job.RunAt.After(now) {
		job.Status = core.StatusDelayed
	}

	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	ok, err := b.client.SetNX(ctx, b.jobKey(job.Queue, job.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return core.ErrDuplicateJob
	}

	score := waitingScore(job)
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.key(job.Queue, "scores"), job.ID, strconv.FormatInt(score, 10))
		if job.Status == core.StatusDelayed {
			pipe.ZAdd(ctx, b.key(job.Queue, "delayed"), &redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
		} else {
			pipe.ZAdd(ctx, b.key(job.Queue, "waiting"), &redis.Z{Score: float64(score), Member: job.ID})
		}
		return nil
	})
	return err
}

// Dequeue atomically moves the head of the waiting set to the active set.
func (b *RedisBroker) Dequeue(ctx context.Context, queue string, workerID string, lockFor time.Duration) (*core.Job, error) {
	now := time.Now()
	lockUntil := now.Add(lockFor)

	keys := []string{
		b.key(queue, "waiting"),
		b.key(queue, "delayed"),
		b.key(queue, "active"),
		b.key(queue, "scores"),
	}
	id, err := dequeueScript.Run(ctx, b.client, keys, now.UnixMilli(), lockUntil.UnixMilli()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job, err := b.load(ctx, queue, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// Removed between the script and the load.
		return nil, b.client.ZRem(ctx, b.key(queue, "active"), id).Err()
	}

	job.Status = core.StatusActive
	job.LockedBy = workerID
	job.LockedUntil = &lockUntil
	job.ProcessedAt = &now
	job.Attempt++
	if err := b.save(ctx, b.client, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Complete marks a job as successfully completed.
func (b *RedisBroker) Complete(ctx context.Context, job *core.Job, result []byte) error {
	stored, err := b.owned(ctx, job)
	if err != nil {
		return err
	}
	now := time.Now()
	stored.Status = core.StatusCompleted
	stored.Result = result
	stored.FinishedAt = &now
	stored.LockedBy = ""
	stored.LockedUntil = nil

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := b.save(ctx, pipe, stored); err != nil {
			return err
		}
		pipe.ZRem(ctx, b.key(job.Queue, "active"), job.ID)
		pipe.ZAdd(ctx, b.key(job.Queue, "completed"), &redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return err
	}
	job.Status = stored.Status
	job.Result = result
	job.FinishedAt = &now
	job.Progress = stored.Progress
	return nil
}

// Fail records a failed attempt, delaying the job when retryAt is set.
func (b *RedisBroker) Fail(ctx context.Context, job *core.Job, reason string, retryAt *time.Time) error {
	stored, err := b.owned(ctx, job)
	if err != nil {
		return err
	}
	now := time.Now()
	stored.FailedReason = security.SanitizeErrorMessage(reason)
	stored.LockedBy = ""
	stored.LockedUntil = nil

	target := b.key(job.Queue, "failed")
	score := float64(now.UnixMilli())
	if retryAt != nil {
		stored.Status = core.StatusDelayed
		stored.RunAt = retryAt
		target = b.key(job.Queue, "delayed")
		score = float64(retryAt.UnixMilli())
	} else {
		stored.Status = core.StatusFailed
		stored.FinishedAt = &now
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := b.save(ctx, pipe, stored); err != nil {
			return err
		}
		pipe.ZRem(ctx, b.key(job.Queue, "active"), job.ID)
		pipe.ZAdd(ctx, target, &redis.Z{Score: score, Member: job.ID})
		return nil
	})
	if err != nil {
		return err
	}
	job.Status = stored.Status
	job.FailedReason = stored.FailedReason
	job.RunAt = stored.RunAt
	job.FinishedAt = stored.FinishedAt
	return nil
}

// UpdateProgress stores the progress percentage reported by a handler.
func (b *RedisBroker) UpdateProgress(ctx context.Context, queue, jobID string, progress int) error {
	job, err := b.load(ctx, queue, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return core.ErrJobNotFound
	}
	job.Progress = progress
	return b.save(ctx, b.client, job)
}

// GetJob loads a job by queue and id.
func (b *RedisBroker) GetJob(ctx context.Context, queue, jobID string) (*core.Job, error) {
	return b.load(ctx, queue, jobID)
}

// Position returns the zero-based rank of the job in the waiting set.
func (b *RedisBroker) Position(ctx context.Context, job *core.Job) (int, error) {
	rank, err := b.client.ZRank(ctx, b.key(job.Queue, "waiting"), job.ID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return int(rank), nil
}

// Counts returns the per-status job counts of a queue.
func (b *RedisBroker) Counts(ctx context.Context, queue string) (core.JobCounts, error) {
	var waiting, active, completed, failed, delayed *redis.IntCmd
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.ZCard(ctx, b.key(queue, "waiting"))
		active = pipe.ZCard(ctx, b.key(queue, "active"))
		completed = pipe.ZCard(ctx, b.key(queue, "completed"))
		failed = pipe.ZCard(ctx, b.key(queue, "failed"))
		delayed = pipe.ZCard(ctx, b.key(queue, "delayed"))
		return nil
	})
	if err != nil {
		return core.JobCounts{}, err
	}
	return core.JobCounts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}, nil
}

// Remove deletes a job that is not active.
func (b *RedisBroker) Remove(ctx context.Context, queue, jobID string) (bool, error) {
	keys := []string{
		b.key(queue, "waiting"),
		b.key(queue, "delayed"),
		b.key(queue, "active"),
		b.key(queue, "completed"),
		b.key(queue, "failed"),
		b.key(queue, "scores"),
		b.jobKey(queue, jobID),
	}
	n, err := removeScript.Run(ctx, b.client, keys, jobID).Int()
	if err != nil {
		return false, err
	}
	switch n {
	case -1:
		return false, core.ErrJobActive
	case 0:
		return false, nil
	}
	return true, nil
}

// Clean deletes completed and failed jobs that finished before the cutoff.
func (b *RedisBroker) Clean(ctx context.Context, queue string, finishedBefore time.Time) (int64, error) {
	var total int64
	for _, set := range []string{"completed", "failed"} {
		ids, err := b.client.ZRangeByScore(ctx, b.key(queue, set), &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + strconv.FormatInt(finishedBefore.UnixMilli(), 10),
		}).Result()
		if err != nil {
			return total, err
		}
		n, err := b.deleteFinished(ctx, queue, set, ids)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Trim keeps only the newest keep jobs with the given terminal status.
func (b *RedisBroker) Trim(ctx context.Context, queue string, status core.JobStatus, keep int) (int64, error) {
	if keep < 0 || !status.IsTerminal() {
		return 0, nil
	}
	set := string(status)
	card, err := b.client.ZCard(ctx, b.key(queue, set)).Result()
	if err != nil {
		return 0, err
	}
	excess := card - int64(keep)
	if excess <= 0 {
		return 0, nil
	}
	ids, err := b.client.ZRange(ctx, b.key(queue, set), 0, excess-1).Result()
	if err != nil {
		return 0, err
	}
	return b.deleteFinished(ctx, queue, set, ids)
}

// ReleaseStaleLocks returns active jobs whose lock expired to the waiting
// set, or to the failed set once they have no attempts left.
func (b *RedisBroker) ReleaseStaleLocks(ctx context.Context, queue string) (int64, error) {
	ids, err := b.client.ZRangeByScore(ctx, b.key(queue, "active"), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(time.Now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	var released int64
	for _, id := range ids {
		job, err := b.load(ctx, queue, id)
		if err != nil {
			return released, err
		}
		if job == nil {
			if err := b.client.ZRem(ctx, b.key(queue, "active"), id).Err(); err != nil {
				return released, err
			}
			continue
		}
		job.LockedBy = ""
		job.LockedUntil = nil
		target := b.key(queue, "waiting")
		if job.AttemptsLeft() {
			job.Status = core.StatusWaiting
		} else {
			now := time.Now()
			job.Status = core.StatusFailed
			job.FailedReason = StalledReason
			job.FinishedAt = &now
			target = b.key(queue, "failed")
		}
		score := float64(waitingScore(job))
		if job.FinishedAt != nil {
			score = float64(job.FinishedAt.UnixMilli())
		}
		_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := b.save(ctx, pipe, job); err != nil {
				return err
			}
			pipe.ZRem(ctx, b.key(queue, "active"), id)
			pipe.ZAdd(ctx, target, &redis.Z{Score: score, Member: id})
			return nil
		})
		if err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

func (b *RedisBroker) deleteFinished(ctx context.Context, queue, set string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	members := make([]interface{}, len(ids))
	keys := make([]string, len(ids))
	fields := make([]string, len(ids))
	for i, id := range ids {
		members[i] = id
		keys[i] = b.jobKey(queue, id)
		fields[i] = id
	}
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, b.key(queue, set), members...)
		pipe.HDel(ctx, b.key(queue, "scores"), fields...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

// owned loads the stored copy of job and checks the caller still holds its lock.
func (b *RedisBroker) owned(ctx context.Context, job *core.Job) (*core.Job, error) {
	stored, err := b.load(ctx, job.Queue, job.ID)
	if err != nil {
		return nil, err
	}
	if stored == nil || stored.Status != core.StatusActive || stored.LockedBy != job.LockedBy {
		return nil, core.ErrJobNotOwned
	}
	return stored, nil
}

func (b *RedisBroker) load(ctx context.Context, queue, id string) (*core.Job, error) {
	data, err := b.client.Get(ctx, b.jobKey(queue, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job core.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (b *RedisBroker) save(ctx context.Context, cmd redis.Cmdable, job *core.Job) error {
	job.UpdatedAt = time.Now()
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return cmd.Set(ctx, b.jobKey(job.Queue, job.ID), data, 0).Err()
}

// String identifies the backend in logs.
func (b *RedisBroker) String() string {
	return "redis(" + b.client.Options().Addr + ")"
}
