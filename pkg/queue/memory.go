package queue

import (
	"context"
	"sort"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue with the same delivery rules as
// RedisQueue. It backs tests and single-process runs.
type MemoryQueue struct {
	mu         stdsync.Mutex
	config     Config
	now        func() time.Time
	messages   map[string]*QueuedMessage
	ready      map[string]bool
	processing map[string]time.Time
	dead       []DeadLetter
	closed     bool
	notify     chan struct{}
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue(config Config) *MemoryQueue {
	return &MemoryQueue{
		config:     config.withDefaults(),
		now:        time.Now,
		messages:   make(map[string]*QueuedMessage),
		ready:      make(map[string]bool),
		processing: make(map[string]time.Time),
		notify:     make(chan struct{}, 1),
	}
}

// SetClock overrides time.Now.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *MemoryQueue) Name() string { return q.config.Name }

func (q *MemoryQueue) Enqueue(ctx context.Context, jobs ...Job) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	now := q.now()
	msgs := make([]*QueuedMessage, 0, len(jobs))
	for _, j := range jobs {
		qm, err := newMessage(uuid.New().String(), j, now)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, qm)
	}
	ids := make([]string, 0, len(msgs))
	for _, qm := range msgs {
		q.messages[qm.ID] = qm
		q.ready[qm.ID] = true
		ids = append(ids, qm.ID)
	}
	q.signal()
	return ids, nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, max int, timeout time.Duration) ([]*QueuedMessage, error) {
	if max <= 0 {
		max = 1
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		out := q.popLocked(max)
		q.mu.Unlock()
		if len(out) > 0 {
			return out, nil
		}
		select {
		case <-q.notify:
		case <-time.After(pollInterval):
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *MemoryQueue) popLocked(max int) []*QueuedMessage {
	now := q.now()
	var visible []*QueuedMessage
	for id := range q.ready {
		qm := q.messages[id]
		if qm.VisibleAfter.IsZero() || !qm.VisibleAfter.After(now) {
			visible = append(visible, qm)
		}
	}
	sort.Slice(visible, func(i, j int) bool {
		return score(visible[i].Priority, visible[i].EnqueuedAt) > score(visible[j].Priority, visible[j].EnqueuedAt)
	})
	if len(visible) > max {
		visible = visible[:max]
	}
	out := make([]*QueuedMessage, 0, len(visible))
	for _, qm := range visible {
		delete(q.ready, qm.ID)
		qm.VisibleAfter = now.Add(q.config.VisibilityTimeout)
		q.processing[qm.ID] = qm.VisibleAfter
		cp := *qm
		out = append(out, &cp)
	}
	return out
}

func (q *MemoryQueue) Ack(ctx context.Context, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, messageID)
	delete(q.messages, messageID)
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, messageID string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nackLocked(messageID, reason)
}

func (q *MemoryQueue) nackLocked(messageID, reason string) error {
	qm, ok := q.messages[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	qm.RetryCount++
	qm.LastError = reason
	if qm.RetryCount >= q.config.MaxRetries {
		q.deadLocked(qm, "max retries exceeded: "+reason)
		return nil
	}
	delete(q.processing, messageID)
	qm.VisibleAfter = q.now().Add(q.config.Backoff(qm.RetryCount))
	q.ready[messageID] = true
	return nil
}

func (q *MemoryQueue) MoveToDeadLetter(ctx context.Context, messageID string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	qm, ok := q.messages[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	q.deadLocked(qm, reason)
	return nil
}

func (q *MemoryQueue) deadLocked(qm *QueuedMessage, reason string) {
	delete(q.processing, qm.ID)
	delete(q.ready, qm.ID)
	delete(q.messages, qm.ID)
	q.dead = append(q.dead, DeadLetter{Message: *qm, Reason: reason, MovedAt: q.now(), Queue: q.config.Name})
}

func (q *MemoryQueue) Depth(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready)), nil
}

func (q *MemoryQueue) DeadLetters(ctx context.Context, limit int64) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, 0, len(q.dead))
	for i := len(q.dead) - 1; i >= 0; i-- {
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
		out = append(out, q.dead[i])
	}
	return out, nil
}

func (q *MemoryQueue) RecoverStale(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	n := 0
	for id, deadline := range q.processing {
		if deadline.After(now) {
			continue
		}
		if err := q.nackLocked(id, "visibility timeout exceeded"); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// InFlight returns the number of dequeued, unacknowledged messages.
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.processing)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
