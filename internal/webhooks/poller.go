package webhooks

import (
	"context"
	"time"

	"example.com/atlas/services/orchestrator/internal/events"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
)

// PollFunc queries one external system and synthesizes the events observed
// since the previous poll.
type PollFunc func(ctx context.Context) ([]*events.Event, error)

type pollSource struct {
	name string
	poll PollFunc
}

// Poller periodically polls external systems and publishes the synthesized
// events. Structurally it is just another event producer feeding the bus,
// symmetric to the inbound receiver.
type Poller struct {
	bus      *events.Bus
	interval time.Duration
	sources  []pollSource
}

// NewPoller creates a poller with the given interval.
func NewPoller(bus *events.Bus, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Poller{
		bus:      bus,
		interval: interval,
	}
}

// AddSource registers a named poll source. Must be called before Run.
func (p *Poller) AddSource(name string, poll PollFunc) {
	p.sources = append(p.sources, pollSource{name: name, poll: poll})
}

// Run schedules the poll job and blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	if len(p.sources) == 0 {
		<-ctx.Done()
		return nil
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(p.interval),
		gocron.NewTask(func() {
			p.pollAll(ctx)
		}),
	)
	if err != nil {
		return err
	}

	log.Info().
		Int("sources", len(p.sources)).
		Dur("interval", p.interval).
		Msg("Starting polling adapter")
	scheduler.Start()

	<-ctx.Done()

	return scheduler.Shutdown()
}

func (p *Poller) pollAll(ctx context.Context) {
	for _, source := range p.sources {
		evts, err := source.poll(ctx)
		if err != nil {
			log.Error().Err(err).Str("source", source.name).Msg("Poll source failed")
			continue
		}
		for _, event := range evts {
			if err := p.bus.Publish(ctx, event); err != nil {
				log.Error().
					Err(err).
					Str("source", source.name).
					Str("event_type", event.Type).
					Msg("Handler failures while dispatching polled event")
			}
		}
	}
}
