package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Named queues. The set is fixed; adding a queue means adding a worker for it
// in the composition root.
const (
	QueueEmail    = "email"
	QueueReport   = "report"
	QueueWorkflow = "workflow"
	QueueEvents   = "events"
	QueueSaga     = "saga" // reserved for compensating-transaction flows, no processor yet
	QueueDLQ      = "dlq"
)

// DefaultMaxAttempts applies when a producer does not pass WithAttempts.
const DefaultMaxAttempts = 3

// Job is a unit of deferred work on a named queue. The id stays stable across
// retries of the same logical job.
type Job struct {
	ID           uuid.UUID              `json:"id"`
	Queue        string                 `json:"queue"`
	Name         string                 `json:"name"`
	Data         map[string]interface{} `json:"data"`
	AttemptsMade int                    `json:"attempts_made"`
	MaxAttempts  int                    `json:"max_attempts"`
	Backoff      time.Duration          `json:"backoff"`
	EnqueuedAt   time.Time              `json:"enqueued_at"`
	NotBefore    time.Time              `json:"not_before"`
	LastError    string                 `json:"last_error,omitempty"`
}

// DataString returns a string field from the job data, or "" if absent.
func (j *Job) DataString(key string) string {
	if v, ok := j.Data[key].(string); ok {
		return v
	}
	return ""
}

// Option customizes a job at enqueue time.
type Option func(*Job)

// WithAttempts sets the maximum number of processing attempts.
func WithAttempts(n int) Option {
	return func(j *Job) {
		if n > 0 {
			j.MaxAttempts = n
		}
	}
}

// WithBackoff sets the base delay between retries. The actual delay doubles
// with each failed attempt.
func WithBackoff(d time.Duration) Option {
	return func(j *Job) {
		j.Backoff = d
	}
}

// Handler processes one job attempt. Returning an error triggers the worker's
// retry policy; returning nil marks the job complete.
type Handler func(ctx context.Context, job *Job) error

// Broker is the durable transport behind the queues. It delivers each
// enqueued job to exactly one consumer per attempt (at-least-once overall);
// retry bookkeeping and dead-lettering live in the Worker, not here.
type Broker interface {
	// Enqueue places a job on its queue. A job with NotBefore in the
	// future must not be delivered before that instant.
	Enqueue(ctx context.Context, job *Job) error

	// Consume delivers jobs from the named queue to fn until ctx is
	// cancelled. fn blocks until the job is fully handled; the broker
	// settles the delivery only after fn returns. A nil return
	// acknowledges the job, an error means the job was not handed off
	// and the broker should redeliver it where the transport supports
	// that.
	Consume(ctx context.Context, queue string, fn func(ctx context.Context, job *Job) error) error

	Close() error
}

// Client is the producer-side handle used by event handlers, workflow
// triggers and API routes.
type Client struct {
	broker Broker
}

// NewClient creates a queue client over a broker.
func NewClient(broker Broker) *Client {
	return &Client{broker: broker}
}

// Enqueue places a named job with the given data on a queue and returns it.
func (c *Client) Enqueue(ctx context.Context, queueName, jobName string, data map[string]interface{}, opts ...Option) (*Job, error) {
	if data == nil {
		data = map[string]interface{}{}
	}
	job := &Job{
		ID:          uuid.New(),
		Queue:       queueName,
		Name:        jobName,
		Data:        data,
		MaxAttempts: DefaultMaxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(job)
	}

	if err := c.broker.Enqueue(ctx, job); err != nil {
		return nil, err
	}

	log.Debug().
		Str("job_id", job.ID.String()).
		Str("queue", job.Queue).
		Str("job", job.Name).
		Msg("Job enqueued")
	return job, nil
}
