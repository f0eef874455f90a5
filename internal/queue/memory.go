package queue

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// memoryBroker is a channel-backed broker for single-process deployments and
// tests. Jobs are lost on restart; production deployments use the Service Bus
// broker instead.
type memoryBroker struct {
	mu     sync.Mutex
	queues map[string]chan *Job
	buffer int
	closed bool
}

// NewMemoryBroker creates an in-memory broker with the given per-queue buffer.
func NewMemoryBroker(buffer int) Broker {
	if buffer <= 0 {
		buffer = 1024
	}
	return &memoryBroker{
		queues: make(map[string]chan *Job),
		buffer: buffer,
	}
}

func (b *memoryBroker) channel(queue string) chan *Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.queues[queue]
	if !ok {
		ch = make(chan *Job, b.buffer)
		b.queues[queue] = ch
	}
	return ch
}

func (b *memoryBroker) Enqueue(ctx context.Context, job *Job) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("broker is closed")
	}
	b.mu.Unlock()

	if delay := time.Until(job.NotBefore); delay > 0 {
		timer := time.NewTimer(delay)
		go func() {
			defer timer.Stop()
			select {
			case <-timer.C:
				select {
				case b.channel(job.Queue) <- job:
				case <-ctx.Done():
				}
			case <-ctx.Done():
			}
		}()
		return nil
	}

	select {
	case b.channel(job.Queue) <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *memoryBroker) Consume(ctx context.Context, queue string, fn func(ctx context.Context, job *Job) error) error {
	ch := b.channel(queue)
	for {
		select {
		case job := <-ch:
			go func(job *Job) {
				// No redelivery here: an unsettled job is dropped, the
				// way every in-memory job is on restart.
				if err := fn(ctx, job); err != nil && ctx.Err() == nil {
					log.Error().
						Err(err).
						Str("queue", queue).
						Str("job_id", job.ID.String()).
						Msg("Job not settled, dropped")
				}
			}(job)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *memoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
