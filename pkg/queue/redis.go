package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/meetpipe/pkg/logging"
	"github.com/otherjamesbrown/meetpipe/pkg/observability"
)

// Redis key prefixes
const (
	keyPrefixQueue      = "queue:"      // Ready messages (sorted set by priority, then age)
	keyPrefixDelayed    = "delayed:"    // Backed-off messages (sorted set by visible-at)
	keyPrefixProcessing = "processing:" // Messages being processed (sorted set by deadline)
	keyPrefixMessage    = "msg:"        // Message data
	keyPrefixDLQ        = "dlq:"        // Dead letter queue
)

const pollInterval = 100 * time.Millisecond

// RedisQueue implements Queue using Redis sorted sets.
type RedisQueue struct {
	client  redis.UniversalClient
	name    string
	config  Config
	metrics *observability.Metrics
	logger  logging.Logger
	now     func() time.Time
	closed  chan struct{}
}

// Option configures a RedisQueue.
type Option func(*RedisQueue)

// WithMetrics records enqueue, depth and DLQ metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(q *RedisQueue) { q.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(q *RedisQueue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *RedisQueue) { q.now = now }
}

// NewRedisQueue creates a new Redis-backed queue.
func NewRedisQueue(client redis.UniversalClient, config Config, opts ...Option) *RedisQueue {
	config = config.withDefaults()
	q := &RedisQueue{
		client: client,
		name:   config.Name,
		config: config,
		logger: logging.NewNopLogger(),
		now:    time.Now,
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With(logging.F("component", "queue"), logging.F("queue", q.name))
	return q
}

func (q *RedisQueue) Name() string { return q.name }

func (q *RedisQueue) queueKey() string      { return keyPrefixQueue + q.name }
func (q *RedisQueue) delayedKey() string    { return keyPrefixDelayed + q.name }
func (q *RedisQueue) processingKey() string { return keyPrefixProcessing + q.name }
func (q *RedisQueue) dlqKey() string        { return keyPrefixDLQ + q.name }
func (q *RedisQueue) msgKey(id string) string {
	return keyPrefixMessage + q.name + ":" + id
}

// Enqueue stores all jobs in one transaction.
func (q *RedisQueue) Enqueue(ctx context.Context, jobs ...Job) ([]string, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	now := q.now()
	pipe := q.client.TxPipeline()
	ids := make([]string, 0, len(jobs))

	for _, j := range jobs {
		qm, err := newMessage(uuid.New().String(), j, now)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(qm)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal queued message: %w", err)
		}
		pipe.Set(ctx, q.msgKey(qm.ID), data, q.config.RetentionPeriod)
		pipe.ZAdd(ctx, q.queueKey(), redis.Z{Score: score(qm.Priority, now), Member: qm.ID})
		ids = append(ids, qm.ID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue: %w", err)
	}
	for _, j := range jobs {
		q.metrics.RecordEnqueue(q.name, j.Priority.String())
	}
	q.refreshDepth(ctx)
	return ids, nil
}

// Dequeue pops the highest priority ready messages into the processing set.
func (q *RedisQueue) Dequeue(ctx context.Context, max int, timeout time.Duration) ([]*QueuedMessage, error) {
	if max <= 0 {
		max = 1
	}
	deadline := q.now().Add(timeout)
	var messages []*QueuedMessage

	for len(messages) < max {
		if err := q.promoteDelayed(ctx); err != nil {
			return messages, err
		}

		result, err := q.client.ZPopMax(ctx, q.queueKey(), 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return messages, fmt.Errorf("failed to pop from queue: %w", err)
		}
		if len(result) == 0 {
			if len(messages) > 0 || !q.now().Before(deadline) {
				break
			}
			select {
			case <-time.After(pollInterval):
				continue
			case <-q.closed:
				return messages, ErrQueueClosed
			case <-ctx.Done():
				return messages, ctx.Err()
			}
		}

		id, _ := result[0].Member.(string)
		qm, err := q.load(ctx, id)
		if errors.Is(err, ErrMessageNotFound) {
			// Expired past retention.
			continue
		}
		if err != nil {
			return messages, err
		}

		qm.VisibleAfter = q.now().Add(q.config.VisibilityTimeout)
		data, _ := json.Marshal(qm)
		pipe := q.client.TxPipeline()
		pipe.Set(ctx, q.msgKey(id), data, q.config.RetentionPeriod)
		pipe.ZAdd(ctx, q.processingKey(), redis.Z{Score: float64(qm.VisibleAfter.UnixMilli()), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return messages, fmt.Errorf("failed to move to processing: %w", err)
		}
		messages = append(messages, qm)
	}

	q.refreshDepth(ctx)
	return messages, nil
}

// promoteDelayed moves backed-off messages whose delay elapsed to the ready set.
func (q *RedisQueue) promoteDelayed(ctx context.Context) error {
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read delayed set: %w", err)
	}
	for _, id := range due {
		// Only the worker that removes the member re-adds it.
		n, err := q.client.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil {
			return fmt.Errorf("failed to promote message: %w", err)
		}
		if n == 0 {
			continue
		}
		qm, err := q.load(ctx, id)
		if errors.Is(err, ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := q.client.ZAdd(ctx, q.queueKey(), redis.Z{Score: score(qm.Priority, qm.EnqueuedAt), Member: id}).Err(); err != nil {
			return fmt.Errorf("failed to promote message: %w", err)
		}
	}
	return nil
}

func (q *RedisQueue) load(ctx context.Context, id string) (*QueuedMessage, error) {
	data, err := q.client.Get(ctx, q.msgKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message data: %w", err)
	}
	var qm QueuedMessage
	if err := json.Unmarshal(data, &qm); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &qm, nil
}

// Ack acknowledges successful processing of a message.
func (q *RedisQueue) Ack(ctx context.Context, messageID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), messageID)
	pipe.Del(ctx, q.msgKey(messageID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// Nack records the failure and delays redelivery.
func (q *RedisQueue) Nack(ctx context.Context, messageID string, reason string) error {
	qm, err := q.load(ctx, messageID)
	if err != nil {
		return err
	}
	qm.RetryCount++
	qm.LastError = reason

	if qm.RetryCount >= q.config.MaxRetries {
		return q.deadLetter(ctx, qm, "max retries exceeded: "+reason, reasonCode(reason))
	}
	return q.delay(ctx, qm)
}

func (q *RedisQueue) delay(ctx context.Context, qm *QueuedMessage) error {
	qm.VisibleAfter = q.now().Add(q.config.Backoff(qm.RetryCount))
	data, _ := json.Marshal(qm)

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), qm.ID)
	pipe.Set(ctx, q.msgKey(qm.ID), data, q.config.RetentionPeriod)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(qm.VisibleAfter.UnixMilli()), Member: qm.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to nack message: %w", err)
	}
	return nil
}

// MoveToDeadLetter moves a message to the dead letter queue.
func (q *RedisQueue) MoveToDeadLetter(ctx context.Context, messageID string, reason string) error {
	qm, err := q.load(ctx, messageID)
	if err != nil {
		return err
	}
	return q.deadLetter(ctx, qm, reason, reasonCode(reason))
}

func (q *RedisQueue) deadLetter(ctx context.Context, qm *QueuedMessage, reason, code string) error {
	now := q.now()
	entry, err := json.Marshal(DeadLetter{Message: *qm, Reason: reason, MovedAt: now, Queue: q.name})
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), qm.ID)
	pipe.ZRem(ctx, q.delayedKey(), qm.ID)
	pipe.Del(ctx, q.msgKey(qm.ID))
	pipe.ZAdd(ctx, q.dlqKey(), redis.Z{Score: float64(now.UnixNano()), Member: string(entry)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to move to DLQ: %w", err)
	}

	q.metrics.RecordDLQ(q.name, code)
	q.logger.Warn("Message dead-lettered",
		logging.F("message_id", qm.ID),
		logging.F("retry_count", qm.RetryCount),
		logging.F("reason", reason))
	return nil
}

// DeadLetters lists dead-lettered entries, newest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := q.client.ZRevRange(ctx, q.dlqKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ: %w", err)
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			q.logger.Warn("Skipping malformed DLQ entry", logging.Err(err))
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// Depth counts ready and delayed messages.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, q.queueKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return ready.Val() + delayed.Val(), nil
}

func (q *RedisQueue) refreshDepth(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	if d, err := q.Depth(ctx); err == nil {
		q.metrics.SetQueueDepth(q.name, d)
	}
}

// RecoverStale returns messages whose visibility timeout has expired to the
// delayed set, counting the expiry as a failed attempt. Call it periodically.
func (q *RedisQueue) RecoverStale(ctx context.Context) (int, error) {
	stale, err := q.client.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to find stale messages: %w", err)
	}

	recovered := 0
	for _, id := range stale {
		qm, err := q.load(ctx, id)
		if errors.Is(err, ErrMessageNotFound) {
			q.client.ZRem(ctx, q.processingKey(), id)
			continue
		}
		if err != nil {
			return recovered, err
		}
		if err := q.Nack(ctx, qm.ID, "visibility timeout exceeded"); err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		q.logger.Info("Recovered stale messages", logging.F("count", recovered))
	}
	return recovered, nil
}

// Close stops pending Dequeue waits. The client is owned by the caller.
func (q *RedisQueue) Close() error {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
	return nil
}

// reasonCode reduces a failure reason to a low-cardinality metric label.
// Worker reasons lead with the error code ("provider_unavailable: ...").
func reasonCode(reason string) string {
	code, _, _ := strings.Cut(reason, ":")
	code = strings.ReplaceAll(strings.TrimSpace(code), " ", "_")
	if code == "" {
		return "unknown"
	}
	return code
}

// Verify interface compliance
var _ Queue = (*RedisQueue)(nil)
