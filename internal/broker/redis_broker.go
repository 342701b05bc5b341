package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"lendgate/internal/config"
)

// Job is the unit of work carried by the broker. Job state lives only in
// Redis; the relational store never sees it.
type Job struct {
	ID          string
	Queue       string
	Name        string
	Payload     map[string]any
	Attempts    int
	MaxAttempts int
	Backoff     time.Duration
	RepeatEvery time.Duration
}

// Options control scheduling and retry behavior for an enqueued job.
type Options struct {
	// Delay postpones the first execution.
	Delay time.Duration
	// MaxAttempts caps broker-level retries. Zero means the configured default.
	MaxAttempts int
	// Backoff is the base delay for exponential backoff between retries.
	Backoff time.Duration
	// JobID pins the job to a stable identifier. Enqueueing with a JobID the
	// broker already knows is a no-op, which is what keeps repeating jobs
	// registered exactly once across process restarts.
	JobID string
	// RepeatEvery re-schedules the job after each successful run.
	RepeatEvery time.Duration
}

// RedisBroker coordinates per-queue ready lists, a shared scheduled set, and
// in-flight leases in Redis.
type RedisBroker struct {
	client         *redis.Client
	visibilityTTL  time.Duration
	defaultMax     int
	defaultBackoff time.Duration
	maxBackoff     time.Duration
}

// New builds a broker on top of an existing Redis client.
func New(client *redis.Client, cfg config.Config) *RedisBroker {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 5
	}
	backoff := cfg.BackoffInitial
	if backoff == 0 {
		backoff = 2 * time.Second
	}
	maxBackoff := cfg.BackoffMax
	if maxBackoff == 0 {
		maxBackoff = 5 * time.Minute
	}
	return &RedisBroker{
		client:         client,
		visibilityTTL:  visibility,
		defaultMax:     maxAttempts,
		defaultBackoff: backoff,
		maxBackoff:     maxBackoff,
	}
}

func (b *RedisBroker) readyKey(queue string) string { return "broker:ready:" + queue }
func (b *RedisBroker) jobKey(id string) string      { return "broker:job:" + id }

const (
	scheduledKey = "broker:scheduled"
	inflightKey  = "broker:inflight"
	deadKey      = "broker:dead"
)

// Enqueue registers a job on the named queue. A stable Options.JobID makes
// re-registration a no-op while the job is still known to the broker.
func (b *RedisBroker) Enqueue(ctx context.Context, queue, name string, payload map[string]any, opts Options) (string, error) {
	if queue == "" {
		return "", fmt.Errorf("enqueue: queue name required")
	}
	id := opts.JobID
	if id == "" {
		id = uuid.New().String()
	} else {
		exists, err := b.client.Exists(ctx, b.jobKey(id)).Result()
		if err != nil {
			return "", fmt.Errorf("check job id: %w", err)
		}
		if exists == 1 {
			return id, nil
		}
	}

	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = b.defaultMax
	}
	backoff := opts.Backoff
	if backoff == 0 {
		backoff = b.defaultBackoff
	}

	delay := opts.Delay
	if delay == 0 && opts.RepeatEvery > 0 {
		delay = opts.RepeatEvery
	}

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.jobKey(id), map[string]any{
		"queue":        queue,
		"name":         name,
		"payload":      payloadJSON,
		"attempts":     0,
		"max_attempts": maxAttempts,
		"backoff_ms":   backoff.Milliseconds(),
		"repeat_ms":    opts.RepeatEvery.Milliseconds(),
	})
	if delay > 0 {
		pipe.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(time.Now().Add(delay).UnixMilli()), Member: id})
	} else {
		pipe.RPush(ctx, b.readyKey(queue), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// DequeueWithLease pops a job from the queue's ready list and places it into
// the in-flight set with a visibility timeout. ok is false when idle.
func (b *RedisBroker) DequeueWithLease(ctx context.Context, queue string) (Job, bool, error) {
	res, err := dequeueScript.Run(ctx, b.client,
		[]string{b.readyKey(queue), inflightKey},
		time.Now().Add(b.visibilityTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("dequeue: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return Job{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	job, err := b.loadJob(ctx, id)
	if err != nil {
		// Meta vanished (cancelled out of band); drop the lease.
		_ = b.client.ZRem(ctx, inflightKey, id).Err()
		return Job{}, false, nil
	}
	return job, true, nil
}

func (b *RedisBroker) loadJob(ctx context.Context, id string) (Job, error) {
	fields, err := b.client.HGetAll(ctx, b.jobKey(id)).Result()
	if err != nil {
		return Job{}, fmt.Errorf("load job meta: %w", err)
	}
	if len(fields) == 0 {
		return Job{}, fmt.Errorf("job %s not found", id)
	}
	job := Job{ID: id, Queue: fields["queue"], Name: fields["name"]}
	if raw := fields["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Payload); err != nil {
			return Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	if ms, err := strconv.ParseInt(fields["backoff_ms"], 10, 64); err == nil {
		job.Backoff = time.Duration(ms) * time.Millisecond
	}
	if ms, err := strconv.ParseInt(fields["repeat_ms"], 10, 64); err == nil {
		job.RepeatEvery = time.Duration(ms) * time.Millisecond
	}
	return job, nil
}

// Ack completes a job. Repeating jobs are rescheduled under their stable ID;
// one-shot jobs are deleted.
func (b *RedisBroker) Ack(ctx context.Context, job Job) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, job.ID)
	if job.RepeatEvery > 0 {
		pipe.HSet(ctx, b.jobKey(job.ID), "attempts", 0)
		pipe.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(time.Now().Add(job.RepeatEvery).UnixMilli()), Member: job.ID})
	} else {
		pipe.Del(ctx, b.jobKey(job.ID))
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Fail records a failed attempt. The job is rescheduled with exponential
// backoff until MaxAttempts, then moved to the dead set. Returns whether
// another attempt will be made.
func (b *RedisBroker) Fail(ctx context.Context, job Job, cause error) (bool, error) {
	attempts, err := b.client.HIncrBy(ctx, b.jobKey(job.ID), "attempts", 1).Result()
	if err != nil {
		return false, fmt.Errorf("increment attempts: %w", err)
	}
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}

	if int(attempts) >= job.MaxAttempts {
		// A repeating job keeps its meta hash alive forever, which makes
		// re-registration under its stable ID a no-op. Dead-lettering it would
		// therefore disable the schedule permanently, surviving restarts. Reset
		// the counter and wait out the next interval instead.
		if job.RepeatEvery > 0 {
			pipe := b.client.TxPipeline()
			pipe.ZRem(ctx, inflightKey, job.ID)
			pipe.HSet(ctx, b.jobKey(job.ID), "attempts", 0, "last_error", lastErr)
			pipe.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(time.Now().Add(job.RepeatEvery).UnixMilli()), Member: job.ID})
			if _, err := pipe.Exec(ctx); err != nil {
				return false, fmt.Errorf("reschedule repeating job: %w", err)
			}
			return true, nil
		}
		pipe := b.client.TxPipeline()
		pipe.ZRem(ctx, inflightKey, job.ID)
		pipe.HSet(ctx, b.jobKey(job.ID), "last_error", lastErr)
		pipe.RPush(ctx, deadKey, job.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return false, fmt.Errorf("dead-letter job: %w", err)
		}
		return false, nil
	}

	wait := backoffWithJitter(job.Backoff, b.maxBackoff, int(attempts))
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, job.ID)
	pipe.HSet(ctx, b.jobKey(job.ID), "last_error", lastErr)
	pipe.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(time.Now().Add(wait).UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("reschedule job: %w", err)
	}
	return true, nil
}

// PromoteScheduled moves due scheduled jobs into their ready lists. It returns
// how many were promoted.
func (b *RedisBroker) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := b.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := b.client.TxPipeline()
	for _, id := range ids {
		queue, err := b.client.HGet(ctx, b.jobKey(id), "queue").Result()
		if err == redis.Nil || queue == "" {
			pipe.ZRem(ctx, scheduledKey, id)
			continue
		} else if err != nil {
			continue
		}
		pipe.ZRem(ctx, scheduledKey, id)
		pipe.RPush(ctx, b.readyKey(queue), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// RequeueExpired reclaims in-flight leases that timed out, re-enqueuing them.
func (b *RedisBroker) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := b.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := b.client.TxPipeline()
	for _, id := range ids {
		queue, err := b.client.HGet(ctx, b.jobKey(id), "queue").Result()
		if err == redis.Nil || queue == "" {
			pipe.ZRem(ctx, inflightKey, id)
			continue
		} else if err != nil {
			continue
		}
		pipe.ZRem(ctx, inflightKey, id)
		pipe.RPush(ctx, b.readyKey(queue), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// DeadPeek reads the oldest dead-lettered job IDs for operational inspection.
func (b *RedisBroker) DeadPeek(ctx context.Context, count int64) ([]string, error) {
	return b.client.LRange(ctx, deadKey, 0, count-1).Result()
}

// ReadyDepth returns the length of one queue's ready list.
func (b *RedisBroker) ReadyDepth(ctx context.Context, queue string) (int64, error) {
	return b.client.LLen(ctx, b.readyKey(queue)).Result()
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
