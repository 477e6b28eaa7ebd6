package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Worker drains the queue with a fixed number of consumers, handing each
// delivery to the Runner. A Run error leaves the delivery unacked for
// redelivery; everything else is acked, including executions the runner
// recognized as not runnable.
type Worker struct {
	queue       Queue
	runner      Runner
	concurrency int
	log         zerolog.Logger
}

// NewWorker builds a pool of concurrency consumers over the queue.
func NewWorker(q Queue, r Runner, concurrency int, log zerolog.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{queue: q, runner: r, concurrency: concurrency, log: log}
}

// Start blocks until the context is cancelled or the queue closes, then
// waits for in-flight executions to finish.
func (w *Worker) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		consumer := i + 1
		g.Go(func() error {
			w.consume(ctx, consumer)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) consume(ctx context.Context, consumer int) {
	log := w.log.With().Int("consumer", consumer).Logger()
	for {
		delivery, err := w.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to receive from queue")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.handle(ctx, log, delivery)
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, delivery Delivery) {
	executionID := delivery.ExecutionID()
	start := time.Now()
	log.Debug().Str("executionId", executionID).Msg("execution claimed")

	if err := w.runner.Run(ctx, executionID); err != nil {
		log.Error().Err(err).Str("executionId", executionID).Msg("execution abandoned for redelivery")
		if nerr := delivery.Nack(context.WithoutCancel(ctx)); nerr != nil && !errors.Is(nerr, ErrClosed) {
			log.Warn().Err(nerr).Str("executionId", executionID).Msg("failed to nack delivery")
		}
		return
	}
	if err := delivery.Ack(context.WithoutCancel(ctx)); err != nil {
		log.Warn().Err(err).Str("executionId", executionID).Msg("failed to ack delivery")
	}
	log.Debug().Str("executionId", executionID).Dur("duration", time.Since(start)).Msg("delivery acked")
}
