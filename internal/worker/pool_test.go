package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestChannelQueue(t *testing.T) {
	ctx := context.Background()
	q := NewChannelQueue(4)

	require.NoError(t, q.Enqueue(ctx, domain.ImportTask{JobID: "a"}))
	require.NoError(t, q.Enqueue(ctx, domain.ImportTask{JobID: "b"}))
	assert.Equal(t, 2, q.Len())

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", task.JobID)

	q.Close()
	q.Close()
	assert.ErrorIs(t, q.Enqueue(ctx, domain.ImportTask{JobID: "c"}), port.ErrQueueClosed)

	task, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", task.JobID)

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, port.ErrQueueClosed)
}

func TestChannelQueue_FullQueueRespectsContext(t *testing.T) {
	q := NewChannelQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), domain.ImportTask{JobID: "a"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Enqueue(ctx, domain.ImportTask{JobID: "b"}), context.DeadlineExceeded)
}

func TestPool_ProcessesEveryTask(t *testing.T) {
	const tasks = 50
	q := NewChannelQueue(tasks)
	for i := 0; i < tasks; i++ {
		require.NoError(t, q.Enqueue(context.Background(), domain.ImportTask{JobID: string(rune('A' + i))}))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	pool := NewPool(q, func(ctx context.Context, task domain.ImportTask) error {
		mu.Lock()
		seen[task.JobID]++
		mu.Unlock()
		return nil
	}, 4, zaptest.NewLogger(t))

	pool.Start(context.Background())
	q.Close()
	pool.Wait()

	assert.Len(t, seen, tasks)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s", id)
	}
}

func TestPool_SurvivesPanicsAndErrors(t *testing.T) {
	q := NewChannelQueue(3)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, domain.ImportTask{JobID: "panic"}))
	require.NoError(t, q.Enqueue(ctx, domain.ImportTask{JobID: "error"}))
	require.NoError(t, q.Enqueue(ctx, domain.ImportTask{JobID: "ok"}))

	var mu sync.Mutex
	var handled []string
	pool := NewPool(q, func(ctx context.Context, task domain.ImportTask) error {
		mu.Lock()
		handled = append(handled, task.JobID)
		mu.Unlock()
		switch task.JobID {
		case "panic":
			panic("boom")
		case "error":
			return errors.New("bad file")
		}
		return nil
	}, 1, zaptest.NewLogger(t))

	pool.Start(ctx)
	q.Close()
	pool.Wait()

	assert.Equal(t, []string{"panic", "error", "ok"}, handled)
}

func TestPool_StopsOnContextCancel(t *testing.T) {
	q := NewChannelQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(q, func(ctx context.Context, task domain.ImportTask) error { return nil }, 3, nil)

	pool.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not stop")
	}
}
