// Package worker runs named background jobs on fixed intervals until stopped.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Job struct {
	Name     string
	Interval time.Duration
	// Immediate runs the job once on Start instead of waiting a full interval.
	Immediate bool
	Run       func(ctx context.Context) error
}

type Pool struct {
	logger *zap.Logger
	jobs   []Job
	wg     sync.WaitGroup
	stop   chan struct{}
	once   sync.Once
}

func NewPool(logger *zap.Logger, jobs ...Job) *Pool {
	return &Pool{
		logger: logger,
		jobs:   jobs,
		stop:   make(chan struct{}),
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("Starting worker pool", zap.Int("jobs", len(p.jobs)))

	for _, job := range p.jobs {
		if job.Interval <= 0 || job.Run == nil {
			p.logger.Warn("skipping job", zap.String("job", job.Name))
			continue
		}
		p.wg.Add(1)
		go p.worker(ctx, job)
	}
}

// Stop signals every job and waits for in-flight runs to return. It is safe
// to call more than once.
func (p *Pool) Stop() {
	p.once.Do(func() {
		p.logger.Info("Stopping worker pool...")
		close(p.stop)
	})
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, job Job) {
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if job.Immediate {
		p.run(ctx, job)
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.run(ctx, job)
		}
	}
}

func (p *Pool) run(ctx context.Context, job Job) {
	start := time.Now()
	if err := job.Run(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("job failed", zap.String("job", job.Name), zap.Error(err))
		return
	}
	p.logger.Debug("job finished", zap.String("job", job.Name), zap.Duration("took", time.Since(start)))
}
