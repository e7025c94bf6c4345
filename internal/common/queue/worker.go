// internal/common/queue/worker.go
package queue

import (
	"context"
	goerrors "errors"
	"sync"
	"time"

	"campaign-dispatch/internal/common/errors"
	"campaign-dispatch/internal/common/logger"
	"campaign-dispatch/internal/common/metrics"
	"campaign-dispatch/internal/models"
)

// Handler processes one job. A nil return acks the job; the returned error's
// class decides requeue versus dead-letter.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *Job) error { return f(ctx, job) }

// WorkerConfig tunes the consuming pool.
type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	// TransportDelay is the fixed requeue delay per job type for transport
	// class failures (channel session faults).
	TransportDelay map[models.JobType]time.Duration
}

// Worker is the bounded pool consuming the queue. Retry/fail decisions are
// centralized here: handlers classify by returning typed errors and never
// touch the queue for their own retries.
type Worker struct {
	queue    *Queue
	cfg      WorkerConfig
	handlers map[models.JobType]Handler
	logger   logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewWorker(q *Queue, cfg WorkerConfig, log logger.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Worker{
		queue:    q,
		cfg:      cfg,
		handlers: make(map[models.JobType]Handler),
		logger:   log.WithFields(map[string]interface{}{"component": "queue-worker"}),
		stopCh:   make(chan struct{}),
	}
}

// Register binds a handler to a job type. Must be called before Start.
func (w *Worker) Register(jobType models.JobType, h Handler) {
	w.handlers[jobType] = h
}

// Start launches the promotion loop and the worker goroutines.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("starting queue workers", map[string]interface{}{
		"concurrency": w.cfg.Concurrency,
	})

	w.wg.Add(1)
	go w.promoteLoop(ctx)

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.runWorker(ctx, i)
	}
}

// Stop shuts the pool down and waits for in-flight jobs to finish.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	w.logger.Info("queue workers stopped", nil)
}

func (w *Worker) promoteLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if _, err := w.queue.promoteDue(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("failed to promote scheduled jobs", map[string]interface{}{
					"error": err,
				})
			}
			if _, err := w.queue.reapStale(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("failed to reap stale in-flight jobs", map[string]interface{}{
					"error": err,
				})
			}
		}
	}
}

func (w *Worker) runWorker(ctx context.Context, id int) {
	defer w.wg.Done()

	log := w.logger.WithFields(map[string]interface{}{"workerId": id})

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		job, err := w.queue.fetch(ctx, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("failed to fetch job", map[string]interface{}{"error": err})
			continue
		}
		if job == nil {
			continue
		}

		w.process(ctx, log, job)
	}
}

func (w *Worker) process(ctx context.Context, log logger.Logger, job *Job) {
	handler, ok := w.handlers[job.Type]
	if !ok {
		log.Error("no handler for job type", map[string]interface{}{
			"jobId":   job.ID,
			"jobType": string(job.Type),
		})
		_ = w.queue.bury(ctx, job, errors.NewValidationError("no handler registered for job type "+string(job.Type)))
		return
	}

	jobType := string(job.Type)
	job.Status = JobStatusActive
	job.Attempt++

	metrics.JobsActive.WithLabelValues(jobType).Inc()
	started := time.Now()

	err := handler.Handle(ctx, job)

	metrics.JobsActive.WithLabelValues(jobType).Dec()
	metrics.JobDuration.WithLabelValues(jobType).Observe(time.Since(started).Seconds())

	w.settle(ctx, log, job, err)
}

// settle is the single requeue/fail dispatcher: it maps the handler error's
// class to complete, reschedule or bury.
func (w *Worker) settle(ctx context.Context, log logger.Logger, job *Job, handlerErr error) {
	jobType := string(job.Type)

	if handlerErr == nil {
		if err := w.queue.complete(ctx, job); err != nil {
			log.Error("failed to ack job", map[string]interface{}{"jobId": job.ID, "error": err})
		}
		metrics.JobsCompleted.WithLabelValues(jobType).Inc()
		return
	}

	switch errors.Classify(handlerErr) {
	case errors.ClassRaceLost:
		// Another worker finished the campaign first. Expected, not a failure.
		log.Debug("completion race lost", map[string]interface{}{"jobId": job.ID})
		if err := w.queue.complete(ctx, job); err != nil {
			log.Error("failed to ack job", map[string]interface{}{"jobId": job.ID, "error": err})
		}
		metrics.JobsCompleted.WithLabelValues(jobType).Inc()

	case errors.ClassPermanent, errors.ClassPerRecipient:
		log.Error("job failed permanently", map[string]interface{}{
			"jobId":   job.ID,
			"attempt": job.Attempt,
			"error":   handlerErr,
		})
		if err := w.queue.bury(ctx, job, handlerErr); err != nil {
			log.Error("failed to bury job", map[string]interface{}{"jobId": job.ID, "error": err})
		}
		metrics.JobsFailed.WithLabelValues(jobType, errorCode(handlerErr)).Inc()

	case errors.ClassTransport:
		w.requeueOrBury(ctx, log, job, handlerErr, w.transportDelay(job.Type), "transport")

	default: // ClassRetryable
		w.requeueOrBury(ctx, log, job, handlerErr, w.queue.backoff(job.Attempt), "retryable")
	}
}

func (w *Worker) requeueOrBury(ctx context.Context, log logger.Logger, job *Job, handlerErr error, delay time.Duration, reason string) {
	jobType := string(job.Type)
	job.LastError = handlerErr.Error()

	if job.Attempt >= job.MaxAttempts {
		exhausted := errors.NewRetriesExhaustedError(job.ID, job.Attempt)
		log.Error("job retries exhausted", map[string]interface{}{
			"jobId":    job.ID,
			"attempts": job.Attempt,
			"error":    handlerErr,
		})
		if err := w.queue.bury(ctx, job, exhausted); err != nil {
			log.Error("failed to bury job", map[string]interface{}{"jobId": job.ID, "error": err})
		}
		metrics.JobsFailed.WithLabelValues(jobType, string(errors.ErrCodeRetriesExhausted)).Inc()
		return
	}

	log.Warn("requeuing job", map[string]interface{}{
		"jobId":   job.ID,
		"attempt": job.Attempt,
		"delay":   delay.String(),
		"reason":  reason,
		"error":   handlerErr,
	})
	if err := w.queue.reschedule(ctx, job, delay); err != nil {
		log.Error("failed to reschedule job", map[string]interface{}{"jobId": job.ID, "error": err})
	}
	metrics.JobsRequeued.WithLabelValues(jobType, reason).Inc()
}

func (w *Worker) transportDelay(jobType models.JobType) time.Duration {
	if d, ok := w.cfg.TransportDelay[jobType]; ok {
		return d
	}
	return time.Minute
}

func errorCode(err error) string {
	var stdErr *errors.StandardError
	if goerrors.As(err, &stdErr) {
		return string(stdErr.Code)
	}
	return "INTERNAL_ERROR"
}
