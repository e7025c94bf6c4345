package queue

import (
	"context"
	goerrors "errors"
	"testing"
	"time"

	"campaign-dispatch/internal/common/config"
	"campaign-dispatch/internal/common/errors"
	"campaign-dispatch/internal/common/logger"
	"campaign-dispatch/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.QueueConfig{
		Namespace:      "dispatch",
		MaxAttempts:    3,
		BackoffBase:    time.Second,
		BackoffMax:     time.Minute,
		Retention:      24 * time.Hour,
		EnqueueRetries: 3,
		EnqueueBackoff: time.Millisecond,
	}
	return New(client, cfg, logger.NewTestLogger(t)), mr
}

func TestEnqueueAndFetch(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, models.JobTypeStartCampaign, "camp-1",
		models.StartCampaignPayload{CampaignID: "camp-1"}, EnqueueOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := q.fetch(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, models.JobTypeStartCampaign, job.Type)
	assert.Equal(t, "camp-1", job.CampaignID)
	assert.Equal(t, 3, job.MaxAttempts)
}

func TestEnqueueDeterministicIDDedup(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	payload := models.SendBatchPayload{
		CampaignID:  "camp-1",
		VariantName: "a",
		Offset:      20,
		Addresses:   []string{"+15550001"},
		UserID:      "u-1",
	}
	jobID := models.BatchJobID("camp-1", "a", 20)

	first, err := q.Enqueue(ctx, models.JobTypeSendBatch, "camp-1", payload, EnqueueOptions{ID: jobID})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, models.JobTypeSendBatch, "camp-1", payload, EnqueueOptions{ID: jobID})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Exactly one logical job on the ready list.
	length, err := q.client.LLen(ctx, q.readyKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
}

func TestEnqueueRevivesOrphanedRecord(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	// A record without a placement is what a crash between the two enqueue
	// writes leaves behind. The next enqueue of the same id must put the job
	// back on the queue instead of treating it as an already-placed duplicate.
	orphan := &Job{
		ID:          "camp-1_a_0",
		Type:        models.JobTypeSendBatch,
		CampaignID:  "camp-1",
		Status:      JobStatusPending,
		MaxAttempts: 3,
		EnqueuedAt:  time.Now().UTC(),
	}
	require.NoError(t, q.store(ctx, orphan))

	id, err := q.Enqueue(ctx, models.JobTypeSendBatch, "camp-1",
		models.SendBatchPayload{CampaignID: "camp-1", VariantName: "a", Addresses: []string{"x"}, UserID: "u-1"},
		EnqueueOptions{ID: "camp-1_a_0"})
	require.NoError(t, err)
	assert.Equal(t, "camp-1_a_0", id)

	length, err := q.client.LLen(ctx, q.readyKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)

	job, err := q.fetch(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "camp-1_a_0", job.ID)
}

func TestEnqueueDoesNotReviveSettledRecord(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.JobTypeSendBatch, "camp-1",
		models.SendBatchPayload{CampaignID: "camp-1", VariantName: "a", Addresses: []string{"x"}, UserID: "u-1"},
		EnqueueOptions{ID: "camp-1_a_0"})
	require.NoError(t, err)

	job, err := q.fetch(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, q.complete(ctx, job))

	// A late re-submission of a finished job stays a no-op.
	_, err = q.Enqueue(ctx, models.JobTypeSendBatch, "camp-1",
		models.SendBatchPayload{CampaignID: "camp-1", VariantName: "a", Addresses: []string{"x"}, UserID: "u-1"},
		EnqueueOptions{ID: "camp-1_a_0"})
	require.NoError(t, err)

	length, err := q.client.LLen(ctx, q.readyKey()).Result()
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestFetchLeasesOntoProcessingListUntilSettled(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.JobTypeSendBatch, "camp-1",
		models.SendBatchPayload{CampaignID: "camp-1", VariantName: "a", Addresses: []string{"x"}, UserID: "u-1"},
		EnqueueOptions{ID: "camp-1_a_0"})
	require.NoError(t, err)

	job, err := q.fetch(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobStatusActive, job.Status)
	require.NotNil(t, job.LeasedAt)

	inflight, err := q.client.LLen(ctx, q.processingKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), inflight)

	require.NoError(t, q.complete(ctx, job))

	inflight, err = q.client.LLen(ctx, q.processingKey()).Result()
	require.NoError(t, err)
	assert.Zero(t, inflight)
}

func TestReapStaleRequeuesCrashedWorkerJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	base := time.Now()
	q.now = func() time.Time { return base }

	_, err := q.Enqueue(ctx, models.JobTypeSendBatch, "camp-1",
		models.SendBatchPayload{CampaignID: "camp-1", VariantName: "a", Addresses: []string{"x"}, UserID: "u-1"},
		EnqueueOptions{ID: "camp-1_a_0"})
	require.NoError(t, err)

	// Lease the job and never settle it, as a crashed worker would.
	job, err := q.fetch(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Within the visibility timeout the lease holds.
	q.now = func() time.Time { return base.Add(time.Minute) }
	reaped, err := q.reapStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped)

	q.now = func() time.Time { return base.Add(10 * time.Minute) }
	reaped, err = q.reapStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	job, err = q.fetch(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "camp-1_a_0", job.ID)
}

func TestReapStaleDropsSettledLeftovers(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.JobTypeSendBatch, "camp-1",
		models.SendBatchPayload{CampaignID: "camp-1", VariantName: "a", Addresses: []string{"x"}, UserID: "u-1"},
		EnqueueOptions{ID: "camp-1_a_0"})
	require.NoError(t, err)

	job, err := q.fetch(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, q.complete(ctx, job))

	// A lost ack leaves the settled job on the processing list.
	require.NoError(t, q.client.LPush(ctx, q.processingKey(), job.ID).Err())

	reaped, err := q.reapStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped)

	inflight, err := q.client.LLen(ctx, q.processingKey()).Result()
	require.NoError(t, err)
	assert.Zero(t, inflight)

	ready, err := q.client.LLen(ctx, q.readyKey()).Result()
	require.NoError(t, err)
	assert.Zero(t, ready)
}

func TestDelayedJobPromotion(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	base := time.Now()
	q.now = func() time.Time { return base }

	_, err := q.Enqueue(ctx, models.JobTypeSendBatch, "camp-1",
		models.SendBatchPayload{CampaignID: "camp-1", VariantName: "a", Addresses: []string{"x"}, UserID: "u-1"},
		EnqueueOptions{ID: "camp-1_a_0", Delay: 5 * time.Second})
	require.NoError(t, err)

	// Not due yet.
	promoted, err := q.promoteDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, promoted)

	job, err := q.fetch(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)

	// Past the due time the job becomes ready.
	q.now = func() time.Time { return base.Add(6 * time.Second) }
	promoted, err = q.promoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	job, err = q.fetch(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "camp-1_a_0", job.ID)
}

func TestNegativeDelayRunsImmediately(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.JobTypeStartCampaign, "camp-1",
		models.StartCampaignPayload{CampaignID: "camp-1"}, EnqueueOptions{Delay: -time.Hour})
	require.NoError(t, err)

	job, err := q.fetch(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestListScheduledAndRemove(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, offset := range []int{0, 20, 40} {
		_, err := q.Enqueue(ctx, models.JobTypeSendBatch, "camp-1",
			models.SendBatchPayload{CampaignID: "camp-1", VariantName: "a", Offset: offset, Addresses: []string{"x"}, UserID: "u-1"},
			EnqueueOptions{ID: models.BatchJobID("camp-1", "a", offset), Delay: time.Hour})
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, models.JobTypeSendBatch, "camp-2",
		models.SendBatchPayload{CampaignID: "camp-2", VariantName: "a", Offset: 0, Addresses: []string{"x"}, UserID: "u-1"},
		EnqueueOptions{ID: models.BatchJobID("camp-2", "a", 0), Delay: time.Hour})
	require.NoError(t, err)

	jobs, err := q.ListScheduled(ctx, "camp-1")
	require.NoError(t, err)
	assert.Len(t, jobs, 3)

	for _, job := range jobs {
		require.NoError(t, q.Remove(ctx, job.ID))
	}

	jobs, err = q.ListScheduled(ctx, "camp-1")
	require.NoError(t, err)
	assert.Empty(t, jobs)

	// The other campaign's job is untouched.
	jobs, err = q.ListScheduled(ctx, "camp-2")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestWorkerSettleRetryThenDead(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	w := NewWorker(q, WorkerConfig{Concurrency: 1}, logger.NewTestLogger(t))
	log := logger.NewTestLogger(t)

	_, err := q.Enqueue(ctx, models.JobTypeSendBatch, "camp-1",
		models.SendBatchPayload{CampaignID: "camp-1", VariantName: "a", Addresses: []string{"x"}, UserID: "u-1"},
		EnqueueOptions{ID: "camp-1_a_0"})
	require.NoError(t, err)

	job, err := q.fetch(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Two failed attempts reschedule, the third buries.
	job.Attempt = 1
	w.settle(ctx, log, job, errors.NewStoreError("claim", goerrors.New("connection reset")))
	scheduled, err := q.client.ZCard(ctx, q.scheduledKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), scheduled)

	job.Attempt = 3
	w.settle(ctx, log, job, errors.NewStoreError("claim", goerrors.New("connection reset")))

	dead, err := q.DeadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, JobStatusDead, dead[0].Status)
}

func TestWorkerSettleTransportUsesFixedDelay(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	base := time.Now()
	q.now = func() time.Time { return base }

	w := NewWorker(q, WorkerConfig{
		Concurrency: 1,
		TransportDelay: map[models.JobType]time.Duration{
			models.JobTypeSendBatch:   time.Minute,
			models.JobTypeSendMessage: 30 * time.Second,
		},
	}, logger.NewTestLogger(t))

	_, err := q.Enqueue(ctx, models.JobTypeSendBatch, "camp-1",
		models.SendBatchPayload{CampaignID: "camp-1", VariantName: "a", Addresses: []string{"x"}, UserID: "u-1"},
		EnqueueOptions{ID: "camp-1_a_0"})
	require.NoError(t, err)

	job, err := q.fetch(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	job.Attempt = 1
	w.settle(ctx, testLog(t), job, errors.NewTransportError(goerrors.New("session closed")))

	score, err := q.client.ZScore(ctx, q.scheduledKey(), job.ID).Result()
	require.NoError(t, err)
	assert.Equal(t, float64(base.Add(time.Minute).UnixMilli()), score)
}

func TestWorkerSettleRaceLostIsSuccess(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	w := NewWorker(q, WorkerConfig{Concurrency: 1}, logger.NewTestLogger(t))

	_, err := q.Enqueue(ctx, models.JobTypeSendBatch, "camp-1",
		models.SendBatchPayload{CampaignID: "camp-1", VariantName: "a", Addresses: []string{"x"}, UserID: "u-1"},
		EnqueueOptions{ID: "camp-1_a_0"})
	require.NoError(t, err)

	job, err := q.fetch(ctx, 100*time.Millisecond)
	require.NoError(t, err)

	job.Attempt = 1
	w.settle(ctx, testLog(t), job, errors.NewRaceLostError("camp-1"))

	// Neither rescheduled nor dead.
	scheduled, err := q.client.ZCard(ctx, q.scheduledKey()).Result()
	require.NoError(t, err)
	assert.Zero(t, scheduled)

	dead, err := q.DeadJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)

	stored, err := q.load(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, JobStatusCompleted, stored.Status)
}

func testLog(t *testing.T) logger.Logger {
	return logger.NewTestLogger(t)
}
