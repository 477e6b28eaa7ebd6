package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisOptions configure the Redis Streams queue.
type RedisOptions struct {
	// URL is a redis:// connection string.
	URL string

	// Stream and Group name the stream topology. They default to
	// relay:executions and relay-workers; every worker process joins the
	// same group.
	Stream string
	Group  string

	// Consumer identifies this process within the group. Defaults to the
	// hostname plus a random suffix.
	Consumer string

	// Prefetch caps how many deliveries this instance claims ahead of
	// Receive calls.
	Prefetch int

	// Visibility is how long a claimed execution may sit unacked before
	// another consumer reclaims it. Must exceed the longest expected
	// execution run, or a slow run is delivered twice.
	Visibility time.Duration

	// Block bounds each blocking read so shutdown stays responsive.
	Block time.Duration

	// Metrics receives queue depth updates. May be nil.
	Metrics DepthReporter

	Log zerolog.Logger
}

func (o *RedisOptions) applyDefaults() {
	if o.Stream == "" {
		o.Stream = "relay:executions"
	}
	if o.Group == "" {
		o.Group = "relay-workers"
	}
	if o.Consumer == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "relay"
		}
		o.Consumer = host + "-" + uuid.NewString()[:8]
	}
	if o.Prefetch < 1 {
		o.Prefetch = 1
	}
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.Block <= 0 {
		o.Block = 5 * time.Second
	}
}

// Redis is a Redis Streams queue. Executions are appended to one stream
// and claimed through a consumer group, which provides acknowledgements,
// per-consumer prefetch and redelivery of entries whose consumer died.
// Acked entries are deleted, so the stream length is the backlog.
type Redis struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	prefetch   int64
	visibility time.Duration
	block      time.Duration
	metrics    DepthReporter
	log        zerolog.Logger

	mu          sync.Mutex
	buffer      []redis.XMessage
	nextReclaim time.Time
	closed      bool
}

var _ Queue = (*Redis)(nil)

// NewRedis connects to Redis and joins (creating if needed) the consumer
// group.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	opts.applyDefaults()

	cfg, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	err = client.XGroupCreateMkStream(ctx, opts.Stream, opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		client.Close()
		return nil, fmt.Errorf("failed to create consumer group %s: %w", opts.Group, err)
	}

	return &Redis{
		client:     client,
		stream:     opts.Stream,
		group:      opts.Group,
		consumer:   opts.Consumer,
		prefetch:   int64(opts.Prefetch),
		visibility: opts.Visibility,
		block:      opts.Block,
		metrics:    opts.Metrics,
		log:        opts.Log,
	}, nil
}

func (q *Redis) Enqueue(ctx context.Context, executionID string) error {
	if q.isClosed() {
		return ErrClosed
	}
	reserved, err := q.client.SetNX(ctx, q.dedupKey(executionID), "1", 2*q.visibility).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve execution %s: %w", executionID, err)
	}
	if !reserved {
		// Already queued or in flight.
		return nil
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"execution_id": executionID},
	}).Err()
	if err != nil {
		q.client.Del(context.WithoutCancel(ctx), q.dedupKey(executionID))
		return fmt.Errorf("failed to enqueue execution %s: %w", executionID, err)
	}
	q.reportDepth(ctx)
	return nil
}

func (q *Redis) Receive(ctx context.Context) (Delivery, error) {
	for {
		if msg, ok := q.take(); ok {
			id, ok := executionIDFrom(msg)
			if !ok {
				q.log.Warn().Str("messageId", msg.ID).Msg("dropping malformed queue entry")
				q.discard(ctx, msg.ID)
				continue
			}
			return &redisDelivery{queue: q, messageID: msg.ID, executionID: id}, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.isClosed() {
			return nil, ErrClosed
		}

		if q.shouldReclaim() {
			if err := q.reclaim(ctx); err != nil && ctx.Err() == nil {
				q.log.Warn().Err(err).Msg("failed to reclaim stale deliveries")
			}
			continue
		}

		res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.prefetch,
			Block:    q.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if q.isClosed() {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("failed to read stream %s: %w", q.stream, err)
		}
		for _, stream := range res {
			q.fill(stream.Messages)
		}
	}
}

// Close releases the connection. Blocked Receive calls fail once their
// current read returns.
func (q *Redis) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	return q.client.Close()
}

// Ping verifies the connection.
func (q *Redis) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Depth returns the current backlog length.
func (q *Redis) Depth(ctx context.Context) (int, error) {
	n, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read stream length: %w", err)
	}
	return int(n), nil
}

// reclaim moves entries whose consumer went quiet past the visibility
// timeout into this consumer's buffer.
func (q *Redis) reclaim(ctx context.Context) error {
	q.mu.Lock()
	q.nextReclaim = time.Now().Add(q.visibility / 2)
	q.mu.Unlock()

	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.visibility,
		Start:    "0-0",
		Count:    q.prefetch,
	}).Result()
	if err != nil {
		return err
	}
	if len(msgs) > 0 {
		q.log.Info().Int("count", len(msgs)).Msg("reclaimed stale deliveries")
		q.fill(msgs)
	}
	return nil
}

func (q *Redis) take() (redis.XMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buffer) == 0 {
		return redis.XMessage{}, false
	}
	msg := q.buffer[0]
	q.buffer = q.buffer[1:]
	return msg, true
}

func (q *Redis) fill(msgs []redis.XMessage) {
	if len(msgs) == 0 {
		return
	}
	q.mu.Lock()
	q.buffer = append(q.buffer, msgs...)
	q.mu.Unlock()
}

func (q *Redis) shouldReclaim() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return time.Now().After(q.nextReclaim)
}

func (q *Redis) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Redis) dedupKey(executionID string) string {
	return q.stream + ":queued:" + executionID
}

// discard acks and deletes an entry that cannot be processed.
func (q *Redis) discard(ctx context.Context, messageID string) {
	if err := q.client.XAck(ctx, q.stream, q.group, messageID).Err(); err != nil {
		q.log.Warn().Err(err).Str("messageId", messageID).Msg("failed to ack discarded entry")
	}
	if err := q.client.XDel(ctx, q.stream, messageID).Err(); err != nil {
		q.log.Warn().Err(err).Str("messageId", messageID).Msg("failed to delete discarded entry")
	}
}

func (q *Redis) reportDepth(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	n, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return
	}
	q.metrics.SetQueueDepth(int(n))
}

func executionIDFrom(msg redis.XMessage) (string, bool) {
	v, ok := msg.Values["execution_id"]
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

type redisDelivery struct {
	queue       *Redis
	messageID   string
	executionID string
}

func (d *redisDelivery) ExecutionID() string { return d.executionID }

// Ack acknowledges and deletes the entry, then releases the dedup claim so
// the execution may be enqueued again later.
func (d *redisDelivery) Ack(ctx context.Context) error {
	q := d.queue
	if err := q.client.XAck(ctx, q.stream, q.group, d.messageID).Err(); err != nil {
		return fmt.Errorf("failed to ack execution %s: %w", d.executionID, err)
	}
	if err := q.client.XDel(ctx, q.stream, d.messageID).Err(); err != nil {
		q.log.Warn().Err(err).Str("messageId", d.messageID).Msg("failed to delete acked entry")
	}
	if err := q.client.Del(ctx, q.dedupKey(d.executionID)).Err(); err != nil {
		q.log.Warn().Err(err).Str("executionId", d.executionID).Msg("failed to release dedup key")
	}
	q.reportDepth(ctx)
	return nil
}

// Nack leaves the entry pending on purpose: it is redelivered only after
// the visibility timeout, which spaces out retries when persistence is
// down instead of hot-looping.
func (d *redisDelivery) Nack(ctx context.Context) error {
	return nil
}
