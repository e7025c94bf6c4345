// Package queue implements the durable delayed work queue backing the
// dispatch engine. Jobs live in Redis: a ready list feeds the worker pool, a
// scheduled sorted set holds delayed jobs keyed by due time, and job bodies
// are stored under deterministic ids so a re-submitted identical job dedups
// into one logical job.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"campaign-dispatch/internal/common/config"
	"campaign-dispatch/internal/common/errors"
	"campaign-dispatch/internal/common/logger"
	"campaign-dispatch/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// JobStatus is the queue-side lifecycle of a job record.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusDead      JobStatus = "dead"
)

// Job is one unit of scheduled dispatch work.
type Job struct {
	ID          string          `json:"id"`
	Type        models.JobType  `json:"type"`
	CampaignID  string          `json:"campaignId"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	LastError   string          `json:"lastError,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	LeasedAt    *time.Time      `json:"leasedAt,omitempty"`
}

// EnqueueOptions controls identity, delay and retry budget of a job.
type EnqueueOptions struct {
	// ID gives the job a deterministic identity for dedup. Empty means a
	// random id.
	ID string
	// Delay schedules the job for future execution. Negative values are
	// clamped to zero and the job runs immediately.
	Delay time.Duration
	// MaxAttempts bounds retries. Zero falls back to the queue default.
	MaxAttempts int
}

// Queue is a Redis-backed delayed, retryable job queue.
type Queue struct {
	client *redis.Client
	cfg    config.QueueConfig
	logger logger.Logger
	now    func() time.Time
}

func New(client *redis.Client, cfg config.QueueConfig, log logger.Logger) *Queue {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	return &Queue{
		client: client,
		cfg:    cfg,
		logger: log.WithFields(map[string]interface{}{"component": "queue"}),
		now:    time.Now,
	}
}

func (q *Queue) jobKey(id string) string { return q.cfg.Namespace + ":job:" + id }
func (q *Queue) readyKey() string        { return q.cfg.Namespace + ":ready" }
func (q *Queue) scheduledKey() string    { return q.cfg.Namespace + ":scheduled" }
func (q *Queue) processingKey() string   { return q.cfg.Namespace + ":processing" }
func (q *Queue) deadKey() string         { return q.cfg.Namespace + ":dead" }

// enqueueScript creates the job record and places its id onto the ready list
// or the scheduled set in one atomic step, so a crash can never leave a
// record without a placement. On a duplicate hit it checks whether the
// existing record is an orphan (a still-pending record that sits on none of
// the queue structures, left by an enqueue that died between the two writes)
// and re-places it.
//
// KEYS: 1 job record, 2 ready list, 3 scheduled set, 4 processing list.
// ARGV: 1 record body, 2 retention ms, 3 due score ("0" = immediate), 4 id.
// Returns 0 placed, 1 duplicate, 2 orphan revived.
var enqueueScript = redis.NewScript(`
local created = redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2])
if created then
	if ARGV[3] ~= "0" then
		redis.call("ZADD", KEYS[3], ARGV[3], ARGV[4])
	else
		redis.call("LPUSH", KEYS[2], ARGV[4])
	end
	return 0
end
local body = redis.call("GET", KEYS[1])
if not string.find(body, '"status":"pending"', 1, true) then
	return 1
end
if redis.call("ZSCORE", KEYS[3], ARGV[4]) then
	return 1
end
if redis.call("LPOS", KEYS[2], ARGV[4]) then
	return 1
end
if redis.call("LPOS", KEYS[4], ARGV[4]) then
	return 1
end
if ARGV[3] ~= "0" then
	redis.call("ZADD", KEYS[3], ARGV[3], ARGV[4])
else
	redis.call("LPUSH", KEYS[2], ARGV[4])
end
return 2
`)

const (
	enqueuePlaced    = 0
	enqueueDuplicate = 1
	enqueueRevived   = 2
)

// Enqueue persists and schedules a job. Enqueuing an id that already exists
// within the retention window is a no-op: the queue keeps exactly one logical
// job per id. Transient Redis failures are retried with exponential backoff
// before the error propagates to the caller.
func (q *Queue) Enqueue(ctx context.Context, jobType models.JobType, campaignID string, payload interface{}, opts EnqueueOptions) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", errors.NewValidationError(fmt.Sprintf("marshal payload: %v", err))
	}

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = q.cfg.MaxAttempts
	}

	job := &Job{
		ID:          id,
		Type:        jobType,
		CampaignID:  campaignID,
		Payload:     body,
		Status:      JobStatusPending,
		Attempt:     0,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  q.now().UTC(),
	}

	var lastErr error
	for attempt := 0; attempt < q.cfg.EnqueueRetries; attempt++ {
		if attempt > 0 {
			delay := q.cfg.EnqueueBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		var outcome int
		outcome, lastErr = q.tryEnqueue(ctx, job, opts.Delay)
		if lastErr != nil {
			continue
		}
		switch outcome {
		case enqueueDuplicate:
			q.logger.Debug("duplicate job dropped", map[string]interface{}{
				"jobId":   id,
				"jobType": string(jobType),
			})
		case enqueueRevived:
			q.logger.Warn("re-placed orphaned job record", map[string]interface{}{
				"jobId":   id,
				"jobType": string(jobType),
			})
		}
		return id, nil
	}

	return "", errors.NewEnqueueFailedError(id, lastErr)
}

// tryEnqueue runs the atomic create-and-place script. The job record doubles
// as the dedup marker: it survives completion for the retention window, so an
// identical re-submission stays a no-op.
func (q *Queue) tryEnqueue(ctx context.Context, job *Job, delay time.Duration) (int, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return 0, err
	}

	score := "0"
	if delay > 0 {
		score = strconv.FormatInt(q.now().Add(delay).UnixMilli(), 10)
	}

	return enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.readyKey(), q.scheduledKey(), q.processingKey()},
		data, q.cfg.Retention.Milliseconds(), score, job.ID).Int()
}

// promoteDue moves scheduled jobs whose due time has passed onto the ready
// list. Only the caller that wins the ZRem pushes, so concurrent promoters
// never duplicate a job.
func (q *Queue) promoteDue(ctx context.Context) (int, error) {
	now := float64(q.now().UnixMilli())
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", now),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.scheduledKey(), id).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.readyKey(), id).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// reapStale scans the processing list for jobs whose worker died mid-flight.
// An active record leased longer ago than the visibility timeout goes back
// onto the ready list; an entry whose record is already settled or gone lost
// its ack and is dropped. Only the caller that wins the LRem re-places a job,
// so concurrent reapers never duplicate one.
func (q *Queue) reapStale(ctx context.Context) (int, error) {
	ids, err := q.client.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil {
		return 0, err
	}

	cutoff := q.now().Add(-q.cfg.VisibilityTimeout)
	reaped := 0
	for _, id := range ids {
		job, err := q.load(ctx, id)
		if err != nil {
			return reaped, err
		}
		if job == nil || job.Status == JobStatusCompleted || job.Status == JobStatusDead {
			if err := q.ackInflight(ctx, id); err != nil {
				return reaped, err
			}
			continue
		}
		if job.Status != JobStatusActive || job.LeasedAt == nil || job.LeasedAt.After(cutoff) {
			continue
		}

		removed, err := q.client.LRem(ctx, q.processingKey(), 1, id).Result()
		if err != nil {
			return reaped, err
		}
		if removed == 0 {
			continue
		}
		job.Status = JobStatusPending
		job.LeasedAt = nil
		if err := q.store(ctx, job); err != nil {
			return reaped, err
		}
		if err := q.client.LPush(ctx, q.readyKey(), id).Err(); err != nil {
			return reaped, err
		}
		q.logger.Warn("requeued stale in-flight job", map[string]interface{}{
			"jobId":   id,
			"jobType": string(job.Type),
		})
		reaped++
	}
	return reaped, nil
}

// fetch moves the next ready job onto the processing list, blocking up to
// timeout. The processing entry is the crash guard: a worker that dies
// mid-job leaves the id there for reapStale to resurrect. Returns nil when
// nothing is ready.
func (q *Queue) fetch(ctx context.Context, timeout time.Duration) (*Job, error) {
	id, err := q.client.BRPopLPush(ctx, q.readyKey(), q.processingKey(), timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		_ = q.ackInflight(ctx, id)
		return nil, nil
	}

	leased := q.now().UTC()
	job.Status = JobStatusActive
	job.LeasedAt = &leased
	if err := q.store(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// ackInflight drops the processing-list entry once a job is settled.
func (q *Queue) ackInflight(ctx context.Context, id string) error {
	return q.client.LRem(ctx, q.processingKey(), 1, id).Err()
}

func (q *Queue) load(ctx context.Context, id string) (*Job, error) {
	data, err := q.client.Get(ctx, q.jobKey(id)).Result()
	if err == redis.Nil {
		// Removed (e.g. campaign cancelled) between scheduling and fetch.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("corrupt job record %s: %w", id, err)
	}
	return &job, nil
}

func (q *Queue) store(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, q.jobKey(job.ID), data, q.cfg.Retention).Err()
}

// complete marks a job done. The record is kept for the retention window so
// the deterministic id keeps deduplicating late re-submissions.
func (q *Queue) complete(ctx context.Context, job *Job) error {
	job.Status = JobStatusCompleted
	job.LeasedAt = nil
	if err := q.store(ctx, job); err != nil {
		return err
	}
	return q.ackInflight(ctx, job.ID)
}

// reschedule puts a job back onto the scheduled set after a failed attempt.
func (q *Queue) reschedule(ctx context.Context, job *Job, delay time.Duration) error {
	job.Status = JobStatusPending
	job.LeasedAt = nil
	if err := q.store(ctx, job); err != nil {
		return err
	}
	if err := q.client.ZAdd(ctx, q.scheduledKey(), redis.Z{
		Score:  float64(q.now().Add(delay).UnixMilli()),
		Member: job.ID,
	}).Err(); err != nil {
		return err
	}
	return q.ackInflight(ctx, job.ID)
}

// bury marks a job permanently failed and records it in the bounded dead set
// for operator inspection.
func (q *Queue) bury(ctx context.Context, job *Job, cause error) error {
	job.Status = JobStatusDead
	if cause != nil {
		job.LastError = cause.Error()
	}
	job.LeasedAt = nil
	if err := q.store(ctx, job); err != nil {
		return err
	}
	nowMs := float64(q.now().UnixMilli())
	if err := q.client.ZAdd(ctx, q.deadKey(), redis.Z{Score: nowMs, Member: job.ID}).Err(); err != nil {
		return err
	}
	if err := q.ackInflight(ctx, job.ID); err != nil {
		return err
	}
	// Bound dead-set storage to the retention window.
	cutoff := fmt.Sprintf("%f", float64(q.now().Add(-q.cfg.Retention).UnixMilli()))
	return q.client.ZRemRangeByScore(ctx, q.deadKey(), "-inf", cutoff).Err()
}

// backoff computes the exponential retry delay for the given attempt number.
func (q *Queue) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := q.cfg.BackoffBase * time.Duration(1<<(attempt-1))
	if delay > q.cfg.BackoffMax {
		delay = q.cfg.BackoffMax
	}
	return delay
}

// ListScheduled returns the not-yet-due jobs belonging to a campaign, used
// for best-effort cancellation.
func (q *Queue) ListScheduled(ctx context.Context, campaignID string) ([]*Job, error) {
	ids, err := q.client.ZRange(ctx, q.scheduledKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	var jobs []*Job
	for _, id := range ids {
		job, err := q.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if job != nil && job.CampaignID == campaignID {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// Remove deletes a job from the scheduled set, the ready list and storage.
// In-flight jobs already fetched by a worker run to completion.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	if err := q.client.ZRem(ctx, q.scheduledKey(), jobID).Err(); err != nil {
		return err
	}
	if err := q.client.LRem(ctx, q.readyKey(), 0, jobID).Err(); err != nil {
		return err
	}
	return q.client.Del(ctx, q.jobKey(jobID)).Err()
}

// Depth returns the number of jobs waiting to run, ready plus scheduled.
// The rate engine reads it as a backpressure signal.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	ready, err := q.client.LLen(ctx, q.readyKey()).Result()
	if err != nil {
		return 0, err
	}
	scheduled, err := q.client.ZCard(ctx, q.scheduledKey()).Result()
	if err != nil {
		return 0, err
	}
	return int(ready + scheduled), nil
}

// DeadJobs returns the permanently failed jobs still within retention.
func (q *Queue) DeadJobs(ctx context.Context) ([]*Job, error) {
	ids, err := q.client.ZRange(ctx, q.deadKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	var jobs []*Job
	for _, id := range ids {
		job, err := q.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}
