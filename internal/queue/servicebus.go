package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"example.com/atlas/services/orchestrator/config"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// serviceBusBroker is the durable broker backed by Azure Service Bus. Each
// named queue maps to a Service Bus queue "<prefix>-<name>". A message is
// completed only after the worker has fully handled it; retries travel as
// new scheduled messages, so the logical job id in the body stays stable
// while delivery remains at-least-once.
type serviceBusBroker struct {
	client  *azservicebus.Client
	prefix  string
	mu      sync.Mutex
	senders map[string]*azservicebus.Sender
}

// NewServiceBusBroker creates a broker over an Azure Service Bus namespace.
func NewServiceBusBroker(cfg config.AzureConfig) (Broker, error) {
	if cfg.QueueConnStr == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	return &serviceBusBroker{
		client:  client,
		prefix:  cfg.QueuePrefix,
		senders: make(map[string]*azservicebus.Sender),
	}, nil
}

func (b *serviceBusBroker) queueName(queue string) string {
	if b.prefix == "" {
		return queue
	}
	return b.prefix + "-" + queue
}

func (b *serviceBusBroker) sender(queue string) (*azservicebus.Sender, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.senders[queue]; ok {
		return s, nil
	}
	s, err := b.client.NewSender(b.queueName(queue), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create sender for queue %s", queue)
	}
	b.senders[queue] = s
	return s, nil
}

func (b *serviceBusBroker) Enqueue(ctx context.Context, job *Job) error {
	sender, err := b.sender(job.Queue)
	if err != nil {
		return err
	}

	body, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "failed to marshal job")
	}

	msg := &azservicebus.Message{
		Body: body,
		ApplicationProperties: map[string]interface{}{
			"job":   job.Name,
			"queue": job.Queue,
		},
	}
	if job.NotBefore.After(time.Now()) {
		notBefore := job.NotBefore
		msg.ScheduledEnqueueTime = &notBefore
	}

	if err := sender.SendMessage(ctx, msg, nil); err != nil {
		return errors.Wrapf(err, "failed to send job to queue %s", job.Queue)
	}
	return nil
}

func (b *serviceBusBroker) Consume(ctx context.Context, queue string, fn func(ctx context.Context, job *Job) error) error {
	receiver, err := b.client.NewReceiverForQueue(b.queueName(queue), nil)
	if err != nil {
		return errors.Wrapf(err, "failed to create receiver for queue %s", queue)
	}
	defer func() {
		if err := receiver.Close(context.Background()); err != nil {
			log.Error().Err(err).Str("queue", queue).Msg("Error closing Service Bus receiver")
		}
	}()

	for {
		messages, err := receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Str("queue", queue).Msg("Error receiving messages")
			continue
		}

		var wg sync.WaitGroup
		for _, message := range messages {
			var job Job
			if err := json.Unmarshal(message.Body, &job); err != nil {
				log.Error().
					Err(err).
					Str("queue", queue).
					Str("message_id", message.MessageID).
					Msg("Dropping undecodable message")
				if err := receiver.DeadLetterMessage(ctx, message, nil); err != nil {
					log.Error().Err(err).Msgf("(DeadLetterMessage) err: %v", err)
				}
				continue
			}

			wg.Add(1)
			message := message
			go func(job Job) {
				defer wg.Done()
				// Settled only after the worker is done with the job; a
				// crash before this point leaves the message pending and
				// it is redelivered once its lock expires.
				if err := fn(ctx, &job); err != nil {
					if err := receiver.AbandonMessage(ctx, message, nil); err != nil {
						log.Error().Err(err).Msgf("(AbandonMessage) err: %v", err)
					}
					return
				}
				if err := receiver.CompleteMessage(ctx, message, nil); err != nil {
					log.Error().Err(err).Msgf("(CompleteMessage) err: %v", err)
				}
			}(job)
		}
		wg.Wait()
	}
}

func (b *serviceBusBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for queue, sender := range b.senders {
		if err := sender.Close(context.Background()); err != nil {
			log.Error().Err(err).Str("queue", queue).Msg("Error closing Service Bus sender")
		}
	}
	return b.client.Close(context.Background())
}
