package port

import (
	"context"
	"errors"

	"github.com/rl1809/storefront/internal/core/domain"
)

var (
	ErrQueueClosed   = errors.New("queue closed")
	ErrAlreadyQueued = errors.New("task already queued")
)

type TaskQueue interface {
	// Enqueue pushes task, returning ErrAlreadyQueued when the same job
	// attempt was pushed before and nothing was added
	Enqueue(ctx context.Context, task domain.ImportTask) error

	// Dequeue blocks until a task is available, ctx is done, or the queue is
	// closed (ErrQueueClosed)
	Dequeue(ctx context.Context) (domain.ImportTask, error)
}

// ProgressFeed fans out job status changes to interested readers.
type ProgressFeed interface {
	Publish(ctx context.Context, status domain.JobStatus) error

	// Subscribe delivers updates for one job until cancel is called or ctx ends
	Subscribe(ctx context.Context, jobID string) (updates <-chan domain.JobStatus, cancel func(), err error)
}
