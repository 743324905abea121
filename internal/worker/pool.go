// Package worker runs import tasks on a fixed set of goroutines.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

const (
	defaultTaskTimeout = 10 * time.Minute
	dequeueBackoff     = time.Second
)

// Handler processes one task. Its error is logged, never retried.
type Handler func(ctx context.Context, task domain.ImportTask) error

type Pool struct {
	queue       port.TaskQueue
	handle      Handler
	size        int
	taskTimeout time.Duration
	logger      *zap.Logger
	wg          sync.WaitGroup
}

func NewPool(queue port.TaskQueue, handle Handler, size int, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		queue:       queue,
		handle:      handle,
		size:        size,
		taskTimeout: defaultTaskTimeout,
		logger:      logger.Named("worker"),
	}
}

// Start launches the workers. They stop taking new tasks when ctx is done or
// the queue is closed; a task already running is allowed to finish.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	p.logger.Info("started workers", zap.Int("count", p.size))
}

// Wait blocks until every worker has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) {
	log := p.logger.With(zap.Int("worker", id))
	for {
		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, port.ErrQueueClosed) || ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueBackoff):
			}
			continue
		}
		p.run(ctx, log, task)
	}
}

func (p *Pool) run(ctx context.Context, log *zap.Logger, task domain.ImportTask) {
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.taskTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered panic", zap.String("job_id", task.JobID), zap.Any("panic", r))
		}
	}()

	start := time.Now()
	if err := p.handle(taskCtx, task); err != nil {
		log.Warn("task failed", zap.String("job_id", task.JobID), zap.Duration("took", time.Since(start)), zap.Error(err))
		return
	}
	log.Info("task done", zap.String("job_id", task.JobID), zap.Duration("took", time.Since(start)))
}
