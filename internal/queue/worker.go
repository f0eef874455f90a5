package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/atlas/services/orchestrator/internal/metrics"
)

// Worker consumes one named queue with a bounded number of in-flight jobs.
// A handler error schedules a retry with exponential backoff; once the
// attempt budget is spent the job is forwarded to the dlq queue (when the
// worker is configured to dead-letter) and discarded. The broker's delivery
// is settled only after the attempt and its follow-up (retry enqueue or
// dead-lettering) have landed, so a crash mid-handler leaves the job with
// the broker rather than losing it.
type Worker struct {
	client      *Client
	queue       string
	concurrency int
	handler     Handler
	deadLetter  bool
	metrics     *metrics.Metrics
}

// WorkerOption customizes a worker.
type WorkerOption func(*Worker)

// WithDeadLetter routes permanently failed jobs onto the dlq queue.
func WithDeadLetter() WorkerOption {
	return func(w *Worker) {
		w.deadLetter = true
	}
}

// WithMetrics records per-queue completion and failure counters plus a
// processing timer.
func WithMetrics(m *metrics.Metrics) WorkerOption {
	return func(w *Worker) {
		w.metrics = m
	}
}

// NewWorker creates a worker for a queue.
func NewWorker(client *Client, queueName string, concurrency int, handler Handler, opts ...WorkerOption) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	w := &Worker{
		client:      client,
		queue:       queueName,
		concurrency: concurrency,
		handler:     handler,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	log.Info().
		Str("queue", w.queue).
		Int("concurrency", w.concurrency).
		Msg("Starting queue worker")

	sem := make(chan struct{}, w.concurrency)
	err := w.client.broker.Consume(ctx, w.queue, func(ctx context.Context, job *Job) error {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		defer func() { <-sem }()
		return w.process(ctx, job)
	})

	if err == context.Canceled {
		return nil
	}
	return err
}

// process runs one attempt. It returns nil once the job has been fully
// handled (completed, retry enqueued, dead-lettered or discarded); an error
// means the follow-up could not be persisted and the broker must keep the
// delivery pending.
func (w *Worker) process(ctx context.Context, job *Job) error {
	job.AttemptsMade++

	start := time.Now()
	err := w.safeHandle(ctx, job)
	duration := time.Since(start)

	if w.metrics != nil {
		w.metrics.RecordTimer("queue."+job.Queue+".duration", duration)
	}

	if err == nil {
		w.count("queue." + job.Queue + ".completed")
		log.Info().
			Str("job_id", job.ID.String()).
			Str("queue", job.Queue).
			Str("job", job.Name).
			Int("attempt", job.AttemptsMade).
			Dur("duration", duration).
			Msg("Job completed")
		return nil
	}

	job.LastError = err.Error()

	if job.AttemptsMade < job.MaxAttempts {
		w.count("queue." + job.Queue + ".retried")
		delay := w.retryDelay(job)
		log.Warn().
			Err(err).
			Str("job_id", job.ID.String()).
			Str("queue", job.Queue).
			Str("job", job.Name).
			Int("attempt", job.AttemptsMade).
			Int("max_attempts", job.MaxAttempts).
			Dur("retry_in", delay).
			Msg("Job failed, scheduling retry")
		return w.scheduleRetry(ctx, job, delay)
	}

	w.count("queue." + job.Queue + ".failed")
	log.Error().
		Err(err).
		Str("job_id", job.ID.String()).
		Str("queue", job.Queue).
		Str("job", job.Name).
		Int("attempts", job.AttemptsMade).
		Msg("Job failed permanently")

	if w.deadLetter {
		return w.forwardToDLQ(ctx, job)
	}
	return nil
}

func (w *Worker) count(name string) {
	if w.metrics != nil {
		w.metrics.IncrementCounter(name)
	}
}

// safeHandle runs the handler, containing panics so one bad job cannot take
// the worker down.
func (w *Worker) safeHandle(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return w.handler(ctx, job)
}

// retryDelay doubles the base backoff with each attempt already made.
func (w *Worker) retryDelay(job *Job) time.Duration {
	if job.Backoff <= 0 {
		return 0
	}
	delay := job.Backoff
	for i := 1; i < job.AttemptsMade; i++ {
		delay *= 2
	}
	return delay
}

// scheduleRetry re-enqueues the job for a later attempt. The delay travels on
// the job itself so the broker, not an in-memory timer, owns the pending
// retry.
func (w *Worker) scheduleRetry(ctx context.Context, job *Job, delay time.Duration) error {
	retry := *job
	if delay > 0 {
		retry.NotBefore = time.Now().UTC().Add(delay)
	}
	if err := w.client.broker.Enqueue(ctx, &retry); err != nil {
		log.Error().
			Err(err).
			Str("job_id", job.ID.String()).
			Str("queue", job.Queue).
			Msg("Failed to re-enqueue job for retry")
		return errors.Wrap(err, "failed to schedule retry")
	}
	return nil
}

// forwardToDLQ places a terminal record of the failed job on the dlq queue,
// carrying the original id, payload and last error.
func (w *Worker) forwardToDLQ(ctx context.Context, job *Job) error {
	_, err := w.client.Enqueue(ctx, QueueDLQ, "dead_letter", map[string]interface{}{
		"original_job_id": job.ID.String(),
		"original_queue":  job.Queue,
		"original_job":    job.Name,
		"data":            job.Data,
		"error":           job.LastError,
		"failed_at":       time.Now().UTC().Format(time.RFC3339),
	}, WithAttempts(1))
	if err != nil {
		log.Error().
			Err(err).
			Str("job_id", job.ID.String()).
			Str("queue", job.Queue).
			Msg("Failed to forward job to dead-letter queue")
		return errors.Wrap(err, "failed to forward job to dead-letter queue")
	}
	return nil
}

type panicError struct {
	value interface{}
}

func (e *panicError) Error() string {
	return fmt.Sprintf("job handler panicked: %v", e.value)
}
