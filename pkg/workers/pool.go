// Package workers runs queue consumers that drive the pipeline.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	"github.com/otherjamesbrown/meetpipe/pkg/logging"
	"github.com/otherjamesbrown/meetpipe/pkg/observability"
	"github.com/otherjamesbrown/meetpipe/pkg/queue"
)

// WorkerStatus represents the worker's current status.
type WorkerStatus string

const (
	WorkerStatusStarting WorkerStatus = "starting"
	WorkerStatusHealthy  WorkerStatus = "healthy"
	WorkerStatusDraining WorkerStatus = "draining"
	WorkerStatusStopped  WorkerStatus = "stopped"
)

// Handler processes one job.
type Handler func(ctx context.Context, job queue.Job) error

// Config configures a pool.
type Config struct {
	Name            string        `yaml:"name"`
	Count           int           `yaml:"count"`
	BatchSize       int           `yaml:"batch_size"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RecoverInterval time.Duration `yaml:"recover_interval"`
}

// DefaultConfigs returns the pools the worker command starts: artifact
// processing is slow and kept apart from syncs so a backlog of recordings
// does not delay follow-ups.
func DefaultConfigs() map[string]Config {
	return map[string]Config{
		"process": {
			Name:            "process",
			Count:           2,
			BatchSize:       1,
			PollInterval:    time.Second,
			JobTimeout:      25 * time.Minute,
			ShutdownTimeout: 60 * time.Second,
			RecoverInterval: time.Minute,
		},
		"sync": {
			Name:            "sync",
			Count:           4,
			BatchSize:       1,
			PollInterval:    500 * time.Millisecond,
			JobTimeout:      5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			RecoverInterval: time.Minute,
		},
	}
}

func (c Config) withDefaults() Config {
	if c.Count <= 0 {
		c.Count = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// Worker consumes jobs from a queue one at a time.
type Worker struct {
	ID      string
	Config  Config
	Queue   queue.Queue
	Handler Handler

	ProcessedCount atomic.Int64
	FailedCount    atomic.Int64

	mu           sync.Mutex
	status       WorkerStatus
	startedAt    time.Time
	lastActivity time.Time

	logger     logging.Logger
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewWorker creates a new worker.
func NewWorker(config Config, q queue.Queue, handler Handler, logger logging.Logger) *Worker {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()
	return &Worker{
		ID:         id,
		Config:     config.withDefaults(),
		Queue:      q,
		Handler:    handler,
		status:     WorkerStatusStarting,
		logger:     logger.With(logging.F("worker_id", id)),
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Status returns the current status.
func (w *Worker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// LastActivity returns when the worker last picked up a job.
func (w *Worker) LastActivity() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActivity
}

func (w *Worker) setStatus(s WorkerStatus) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

// Start begins processing messages.
func (w *Worker) Start() {
	w.mu.Lock()
	w.startedAt = time.Now()
	w.status = WorkerStatusHealthy
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.processLoop()
	}()
}

// Stop cancels the worker and waits up to ShutdownTimeout for the current job.
func (w *Worker) Stop() {
	w.setStatus(WorkerStatusDraining)
	w.cancelFunc()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.Config.ShutdownTimeout):
		w.logger.Warn("Worker did not drain before shutdown timeout")
	}
	w.setStatus(WorkerStatusStopped)
}

func (w *Worker) processLoop() {
	for {
		if w.ctx.Err() != nil {
			return
		}
		messages, err := w.Queue.Dequeue(w.ctx, w.Config.BatchSize, w.Config.PollInterval)
		if err != nil {
			if w.ctx.Err() != nil || errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			w.logger.Warn("Dequeue failed", logging.Err(err))
			select {
			case <-time.After(w.Config.PollInterval):
			case <-w.ctx.Done():
				return
			}
			continue
		}

		for _, qm := range messages {
			if w.ctx.Err() != nil {
				// Left in the processing set; RecoverStale redelivers it.
				return
			}
			w.processMessage(qm)
		}
	}
}

func (w *Worker) processMessage(qm *queue.QueuedMessage) {
	w.mu.Lock()
	w.lastActivity = time.Now()
	w.mu.Unlock()

	// Queue bookkeeping outlives worker shutdown.
	bg := context.WithoutCancel(w.ctx)

	job, err := qm.ParseJob()
	if err != nil {
		w.logger.Error("Dropping unparseable message", logging.F("message_id", qm.ID), logging.Err(err))
		if err := w.Queue.MoveToDeadLetter(bg, qm.ID, fmt.Sprintf("%s: %v", mperrors.ErrCodeSchemaValidation, err)); err != nil {
			w.logger.Error("Failed to dead-letter message", logging.F("message_id", qm.ID), logging.Err(err))
		}
		w.FailedCount.Add(1)
		return
	}

	log := w.logger.With(
		logging.F("message_id", qm.ID),
		logging.F("job_type", string(job.Type)),
		logging.F("org_id", job.OrgID),
		logging.F("subject", job.Subject()),
		logging.F("retry_count", qm.RetryCount),
	)

	ctx, cancel := context.WithTimeout(w.ctx, w.Config.JobTimeout)
	defer cancel()
	ctx = logging.ContextWithOrgID(ctx, job.OrgID)

	start := time.Now()
	err = w.Handler(ctx, job)
	if err == nil {
		if err := w.Queue.Ack(bg, qm.ID); err != nil {
			log.Error("Failed to ack message", logging.Err(err))
		}
		w.ProcessedCount.Add(1)
		log.Info("Job completed", logging.F("duration_ms", time.Since(start).Milliseconds()))
		return
	}

	w.FailedCount.Add(1)
	if w.ctx.Err() != nil {
		log.Warn("Job interrupted by shutdown", logging.Err(err))
		return
	}

	pe := mperrors.ClassifyError(err, "")
	reason := fmt.Sprintf("%s: %s", pe.Code, err.Error())
	if mperrors.IsRetryable(pe.Code) {
		log.Warn("Job failed, will retry", logging.F("error_code", string(pe.Code)), logging.Err(err))
		err = w.Queue.Nack(bg, qm.ID, reason)
	} else {
		log.Error("Job failed permanently", logging.F("error_code", string(pe.Code)), logging.Err(err))
		err = w.Queue.MoveToDeadLetter(bg, qm.ID, reason)
	}
	if err != nil {
		log.Error("Failed to settle message", logging.Err(err))
	}
}

// Pool runs Count workers over one queue and periodically recovers stale
// messages.
type Pool struct {
	Name    string
	Config  Config
	Workers []*Worker
	Queue   queue.Queue
	Handler Handler

	logger  logging.Logger
	metrics *observability.Metrics

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l logging.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics publishes queue depth on every recovery tick.
func WithMetrics(m *observability.Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// NewPool creates a new worker pool.
func NewPool(config Config, q queue.Queue, handler Handler, opts ...PoolOption) *Pool {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		Name:    config.Name,
		Config:  config,
		Queue:   q,
		Handler: handler,
		Workers: make([]*Worker, 0, config.Count),
		logger:  logging.NewNopLogger(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(logging.F("component", "worker_pool"), logging.F("pool", p.Name), logging.F("queue", q.Name()))
	return p
}

// Start starts all workers in the pool.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < p.Config.Count; i++ {
		w := NewWorker(p.Config, p.Queue, p.Handler, p.logger)
		w.Start()
		p.Workers = append(p.Workers, w)
	}
	if p.Config.RecoverInterval > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.recoverLoop()
		}()
	}
	p.logger.Info("Worker pool started", logging.F("workers", p.Config.Count))
}

func (p *Pool) recoverLoop() {
	ticker := time.NewTicker(p.Config.RecoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Queue.RecoverStale(p.ctx)
			if err != nil && p.ctx.Err() == nil {
				p.logger.Warn("Stale message recovery failed", logging.Err(err))
			}
			if n > 0 {
				p.logger.Info("Recovered stale messages", logging.F("count", n))
			}
			if depth, err := p.Queue.Depth(p.ctx); err == nil {
				p.metrics.SetQueueDepth(p.Queue.Name(), depth)
			}
		}
	}
}

// Stop gracefully stops all workers.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	var wg sync.WaitGroup
	for _, worker := range p.Workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop()
		}(worker)
	}
	wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{
		Name:        p.Name,
		WorkerCount: len(p.Workers),
	}
	for _, w := range p.Workers {
		if w.Status() == WorkerStatusHealthy {
			stats.ActiveCount++
		}
		stats.Processed += w.ProcessedCount.Load()
		stats.Failed += w.FailedCount.Load()
	}
	return stats
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Name        string
	WorkerCount int
	ActiveCount int
	Processed   int64
	Failed      int64
}

// PoolManager manages multiple worker pools.
type PoolManager struct {
	pools map[string]*Pool
	mu    sync.RWMutex
}

// NewPoolManager creates a new pool manager.
func NewPoolManager() *PoolManager {
	return &PoolManager{pools: make(map[string]*Pool)}
}

// RegisterPool registers a worker pool.
func (pm *PoolManager) RegisterPool(pool *Pool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.pools[pool.Name] = pool
}

// GetPool returns a pool by name.
func (pm *PoolManager) GetPool(name string) (*Pool, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	pool, ok := pm.pools[name]
	return pool, ok
}

// StartAll starts all registered pools.
func (pm *PoolManager) StartAll() {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	for _, pool := range pm.pools {
		pool.Start()
	}
}

// StopAll stops all registered pools.
func (pm *PoolManager) StopAll() {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	var wg sync.WaitGroup
	for _, pool := range pm.pools {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			p.Stop()
		}(pool)
	}
	wg.Wait()
}

// AllStats returns statistics for all pools.
func (pm *PoolManager) AllStats() map[string]PoolStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	stats := make(map[string]PoolStats, len(pm.pools))
	for name, pool := range pm.pools {
		stats[name] = pool.Stats()
	}
	return stats
}
