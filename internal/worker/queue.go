package worker

import (
	"context"
	"sync"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

// ChannelQueue is an in-process TaskQueue backed by a buffered channel.
// Tasks do not survive a restart; the reaper re-enqueues their jobs.
type ChannelQueue struct {
	tasks  chan domain.ImportTask
	closed chan struct{}
	once   sync.Once
}

func NewChannelQueue(size int) *ChannelQueue {
	return &ChannelQueue{
		tasks:  make(chan domain.ImportTask, size),
		closed: make(chan struct{}),
	}
}

func (q *ChannelQueue) Enqueue(ctx context.Context, task domain.ImportTask) error {
	select {
	case <-q.closed:
		return port.ErrQueueClosed
	default:
	}

	select {
	case q.tasks <- task:
		return nil
	case <-q.closed:
		return port.ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue keeps handing out buffered tasks after Close and reports
// ErrQueueClosed once the buffer is drained.
func (q *ChannelQueue) Dequeue(ctx context.Context) (domain.ImportTask, error) {
	select {
	case task := <-q.tasks:
		return task, nil
	case <-ctx.Done():
		return domain.ImportTask{}, ctx.Err()
	case <-q.closed:
		select {
		case task := <-q.tasks:
			return task, nil
		default:
			return domain.ImportTask{}, port.ErrQueueClosed
		}
	}
}

func (q *ChannelQueue) Len() int { return len(q.tasks) }

func (q *ChannelQueue) Close() {
	q.once.Do(func() { close(q.closed) })
}
