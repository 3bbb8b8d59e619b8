// Package workerpool provides a bounded worker pool with retry and
// backoff, used to keep notification delivery concurrency under control.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is a unit of work. Fn is retried on failure up to the pool's
// MaxRetries with linear backoff.
type Job struct {
	ID string
	Fn func(ctx context.Context) error

	done chan error
}

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the job queue
	QueueSize int
	// MaxRetries is the maximum number of retries for failed jobs
	MaxRetries int
	// RetryDelay is the base delay between retries
	RetryDelay time.Duration
	// GracefulShutdownTimeout is the timeout for graceful shutdown
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for notification delivery, where
// the bottleneck is the provider gateway rather than local CPU.
func DefaultConfig() Config {
	return Config{
		Workers:                 16,
		QueueSize:               1024,
		MaxRetries:              2,
		RetryDelay:              200 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a fixed set of workers draining a bounded job queue
type Pool struct {
	config Config
	logger *zap.Logger

	jobChan chan *Job
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	closed int32

	jobsSubmitted int64
	jobsCompleted int64
	jobsFailed    int64
	jobsRetried   int64
	activeWorkers int64
	queueDepth    int64
}

// New creates a new worker pool
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultConfig().GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		config:  cfg,
		logger:  logger,
		jobChan: make(chan *Job, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit enqueues a job without waiting for it. Returns an error when
// the pool is shutting down or the queue is full.
func (p *Pool) Submit(job *Job) error {
	if atomic.LoadInt32(&p.closed) == 1 {
		return fmt.Errorf("pool is shutting down")
	}

	select {
	case p.jobChan <- job:
		atomic.AddInt64(&p.jobsSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	default:
		return fmt.Errorf("job queue is full")
	}
}

// SubmitWait enqueues a job and blocks until it finishes or ctx expires.
// The returned error is the job's final error after retries.
func (p *Pool) SubmitWait(ctx context.Context, job *Job) error {
	job.done = make(chan error, 1)
	if err := p.Submit(job); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-job.done:
		return err
	}
}

// Stop drains queued jobs, then shuts the pool down. Jobs still running
// past the graceful timeout get their context cancelled.
func (p *Pool) Stop() error {
	p.logger.Info("stopping worker pool")

	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}
	close(p.jobChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		p.cancel()
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
		p.cancel()
		return fmt.Errorf("shutdown timed out after %s", p.config.GracefulShutdownTimeout)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	for job := range p.jobChan {
		atomic.AddInt64(&p.queueDepth, -1)
		p.runJob(id, job)
	}
}

// runJob executes one job with retries and linear backoff
func (p *Pool) runJob(workerID int, job *Job) {
	var err error

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		select {
		case <-p.ctx.Done():
			err = p.ctx.Err()
			p.finish(workerID, job, err)
			return
		default:
		}

		err = job.Fn(p.ctx)
		if err == nil {
			p.finish(workerID, job, nil)
			return
		}

		if attempt < p.config.MaxRetries {
			atomic.AddInt64(&p.jobsRetried, 1)
			p.logger.Debug("retrying job",
				zap.String("job_id", job.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))

			select {
			case <-p.ctx.Done():
				p.finish(workerID, job, p.ctx.Err())
				return
			case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
			}
		}
	}

	p.finish(workerID, job, fmt.Errorf("job failed after %d retries: %w", p.config.MaxRetries, err))
}

func (p *Pool) finish(workerID int, job *Job, err error) {
	if err == nil {
		atomic.AddInt64(&p.jobsCompleted, 1)
	} else {
		atomic.AddInt64(&p.jobsFailed, 1)
		p.logger.Error("job failed",
			zap.String("job_id", job.ID),
			zap.Int("worker_id", workerID),
			zap.Error(err))
	}

	if job.done != nil {
		job.done <- err
	}
}

// Stats holds a snapshot of pool counters
type Stats struct {
	JobsSubmitted int64
	JobsCompleted int64
	JobsFailed    int64
	JobsRetried   int64
	ActiveWorkers int64
	QueueDepth    int64
	QueueCapacity int
	Workers       int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		JobsSubmitted: atomic.LoadInt64(&p.jobsSubmitted),
		JobsCompleted: atomic.LoadInt64(&p.jobsCompleted),
		JobsFailed:    atomic.LoadInt64(&p.jobsFailed),
		JobsRetried:   atomic.LoadInt64(&p.jobsRetried),
		ActiveWorkers: atomic.LoadInt64(&p.activeWorkers),
		QueueDepth:    atomic.LoadInt64(&p.queueDepth),
		QueueCapacity: p.config.QueueSize,
		Workers:       p.config.Workers,
	}
}

// IsHealthy returns true if the queue is not backing up
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
