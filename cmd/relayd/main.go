// Command relayd runs the Relay workflow engine: the HTTP API, the
// queue consumers and the startup requeue sweep in one process.
//
// Configuration is environment only. DATABASE_URL selects the SQL store
// (postgres://, mysql://, sqlite://; empty runs in memory), REDIS_URL
// selects the Redis Streams queue (empty runs the in-process queue) and
// the engine options are read per engine.FromEnv. Scaling out means
// starting more relayd processes against the same database and Redis.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/relayforge/relay/engine"
	"github.com/relayforge/relay/engine/api"
	"github.com/relayforge/relay/engine/blocks"
	"github.com/relayforge/relay/engine/emit"
	"github.com/relayforge/relay/engine/model"
	"github.com/relayforge/relay/engine/queue"
	"github.com/relayforge/relay/engine/sandbox"
	"github.com/relayforge/relay/engine/store"
)

const shutdownGrace = 15 * time.Second

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "relayd").Logger()

	opts, err := engine.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if level, perr := zerolog.ParseLevel(opts.LogLevel); perr == nil && level != zerolog.NoLevel {
		log = log.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, opts); err != nil {
		log.Fatal().Err(err).Msg("relayd exited")
	}
	log.Info().Msg("shutdown complete")
}

func run(ctx context.Context, log zerolog.Logger, opts engine.Options) error {
	metrics := engine.NewMetrics(nil)

	// Health pings accumulate as backends come up; the in-memory
	// fallbacks have nothing to probe.
	var pings []func(context.Context) error

	var gw engine.Gateway
	if opts.DatabaseURL == "" {
		log.Info().Msg("no DATABASE_URL set, using the in-memory store")
		gw = store.NewMemory()
	} else {
		db, err := store.Open(opts.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer db.Close()
		if err := db.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
		gw = db
		pings = append(pings, db.Ping)
		log.Info().Msg("database ready")
	}

	var q queue.Queue
	if opts.RedisURL == "" {
		log.Info().Msg("no REDIS_URL set, using the in-process queue")
		q = queue.NewMemory(metrics)
	} else {
		rq, err := queue.NewRedis(ctx, queue.RedisOptions{
			URL:      opts.RedisURL,
			Prefetch: opts.QueuePrefetch,
			Metrics:  metrics,
			Log:      log,
		})
		if err != nil {
			return fmt.Errorf("failed to connect queue: %w", err)
		}
		q = rq
		pings = append(pings, rq.Ping)
		log.Info().Msg("redis queue ready")
	}
	defer q.Close()

	providers, err := model.FromEnv(ctx)
	if err != nil {
		return fmt.Errorf("failed to configure model providers: %w", err)
	}
	log.Info().Strs("providers", providers.Names()).Msg("model providers ready")

	deps := blocks.Deps{
		Models:  providers,
		Sandbox: sandbox.New(opts.SandboxTimeout),
	}
	if feed := os.Getenv("PRICE_FEED_URL"); feed != "" {
		deps.Prices = blocks.NewHTTPPriceSource(nil, feed)
	}
	breakers := engine.NewBreakerSet(gw, opts.BreakerThreshold, opts.BreakerCooldown, metrics)
	registry := blocks.NewRegistry(deps, metrics, breakers)

	stream := api.NewStream()
	emitters := emit.Multi{emit.NewLogEmitter(log), stream}
	if os.Getenv("OTEL_ENABLED") != "" {
		tp := sdktrace.NewTracerProvider()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(sctx)
		}()
		otel.SetTracerProvider(tp)
		// Span construction runs off the worker goroutines; a slow span
		// pipeline drops events rather than stalling executions.
		spans := emit.NewAsyncEmitter(emit.NewOTelEmitter(tp.Tracer("relay")), 0)
		defer spans.Close()
		emitters = append(emitters, spans)
		log.Info().Msg("otel span emitter enabled")
	}

	coord := engine.NewCoordinator(gw, q, registry, metrics, emitters, log, opts)

	// Executions accepted before a crash are pending rows; put them back
	// on the queue before the consumers start.
	if n, err := coord.RequeuePending(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to requeue pending executions")
	} else if n > 0 {
		log.Info().Int("count", n).Msg("requeued pending executions")
	}

	srv := api.NewServer(coord, gw, api.Options{
		Stream: stream,
		Health: func(ctx context.Context) error {
			for _, ping := range pings {
				if err := ping(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		Log: log,
	})
	httpServer := &http.Server{
		Addr:              opts.HTTPAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	worker := queue.NewWorker(q, coord, opts.WorkerConcurrency, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", opts.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return worker.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
