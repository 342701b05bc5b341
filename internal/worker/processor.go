package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"lendgate/internal/broker"
	"lendgate/internal/config"
	"lendgate/internal/telemetry"
)

// Handler executes one job from a queue. Returning an error asks the broker
// to retry per its backoff policy; handlers must treat permanent failures as
// normal completion after writing terminal state.
type Handler func(ctx context.Context, job broker.Job) error

type registration struct {
	queue       string
	handler     Handler
	concurrency int
}

// Processor drives the consumer loops for all registered queues.
type Processor struct {
	cfg    config.Config
	broker *broker.RedisBroker
	regs   []registration
}

func NewProcessor(cfg config.Config, b *broker.RedisBroker) *Processor {
	return &Processor{cfg: cfg, broker: b}
}

// RegisterWorker binds a handler to a queue with the given concurrency.
func (p *Processor) RegisterWorker(queue string, handler Handler, concurrency int) {
	if queue == "" || handler == nil {
		return
	}
	if concurrency < 1 {
		concurrency = 1
	}
	p.regs = append(p.regs, registration{queue: queue, handler: handler, concurrency: concurrency})
}

// Run starts the maintenance loop and per-queue consumers, blocking until
// context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintain(ctx)
	}()

	for _, reg := range p.regs {
		for i := 0; i < reg.concurrency; i++ {
			wg.Add(1)
			go func(reg registration) {
				defer wg.Done()
				p.consume(ctx, reg)
			}(reg)
		}
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// maintain promotes due scheduled jobs, reclaims expired leases, and keeps the
// depth gauges current.
func (p *Processor) maintain(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			_, _ = p.broker.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize))
			if reclaimed, _ := p.broker.RequeueExpired(ctx, now, 100); len(reclaimed) > 0 {
				log.Warn().Int("count", len(reclaimed)).Msg("reclaimed expired job leases")
			}
			for _, reg := range p.regs {
				if depth, err := p.broker.ReadyDepth(ctx, reg.queue); err == nil {
					telemetry.QueueDepth.WithLabelValues(reg.queue).Set(float64(depth))
				}
			}
		}
	}
}

func (p *Processor) consume(ctx context.Context, reg registration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, ok, err := p.broker.DequeueWithLease(ctx, reg.queue)
		if err != nil || !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		telemetry.InFlightGauge.Inc()
		err = reg.handler(ctx, job)
		telemetry.InFlightGauge.Dec()

		if err == nil {
			if ackErr := p.broker.Ack(ctx, job); ackErr != nil {
				log.Error().Err(ackErr).Str("job_id", job.ID).Str("queue", reg.queue).Msg("ack failed")
			}
			telemetry.JobsCompleted.WithLabelValues(reg.queue).Inc()
			continue
		}

		retrying, failErr := p.broker.Fail(ctx, job, err)
		if failErr != nil {
			log.Error().Err(failErr).Str("job_id", job.ID).Str("queue", reg.queue).Msg("failed to record job failure")
			continue
		}
		if retrying {
			telemetry.JobsRetried.WithLabelValues(reg.queue).Inc()
			log.Warn().Err(err).Str("job_id", job.ID).Str("queue", reg.queue).Str("job", job.Name).Msg("job failed, retry scheduled")
		} else {
			telemetry.JobsDeadLettered.WithLabelValues(reg.queue).Inc()
			log.Error().Err(err).Str("job_id", job.ID).Str("queue", reg.queue).Str("job", job.Name).Msg("job exhausted retries, dead-lettered")
		}
	}
}
