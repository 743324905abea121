package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

const (
	importQueueKey        = "import:tasks"
	enqueuedKeyPrefix     = "import:enqueued:"
	progressChannelPrefix = "import:progress:"
	enqueueMarkerTTL      = 24 * time.Hour
	dequeueBlock          = 2 * time.Second
	subscriberBuffer      = 16
)

// enqueueOnceScript pushes a task unless the same job attempt was already
// pushed, so a retried upload request cannot queue a job twice.
var enqueueOnceScript = redis.NewScript(`
local marker = KEYS[1]
local queue = KEYS[2]
local payload = ARGV[1]
local ttl = tonumber(ARGV[2])

if redis.call('SET', marker, 1, 'NX', 'EX', ttl) then
	redis.call('LPUSH', queue, payload)
	return 1
end

return 0
`)

// RedisAdapter is a durable TaskQueue (a Redis list) and a ProgressFeed
// (Redis pub/sub).
type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) Enqueue(ctx context.Context, task domain.ImportTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	marker := enqueuedKeyPrefix + task.JobID + ":" + strconv.Itoa(task.Attempt)
	pushed, err := enqueueOnceScript.Run(ctx, r.client,
		[]string{marker, importQueueKey}, payload, int(enqueueMarkerTTL/time.Second)).Int()
	if err != nil {
		return fmt.Errorf("push task: %w", err)
	}
	if pushed == 0 {
		return fmt.Errorf("%w: job %s attempt %d", port.ErrAlreadyQueued, task.JobID, task.Attempt)
	}
	return nil
}

func (r *RedisAdapter) Dequeue(ctx context.Context) (domain.ImportTask, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.ImportTask{}, err
		}

		res, err := r.client.BRPop(ctx, dequeueBlock, importQueueKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return domain.ImportTask{}, ctx.Err()
			}
			return domain.ImportTask{}, fmt.Errorf("pop task: %w", err)
		}

		var task domain.ImportTask
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			return domain.ImportTask{}, fmt.Errorf("decode task: %w", err)
		}
		return task, nil
	}
}

// QueueLength reports how many tasks are waiting.
func (r *RedisAdapter) QueueLength(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, importQueueKey).Result()
}

func (r *RedisAdapter) Publish(ctx context.Context, status domain.JobStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	return r.client.Publish(ctx, progressChannelPrefix+status.JobID, payload).Err()
}

func (r *RedisAdapter) Subscribe(ctx context.Context, jobID string) (<-chan domain.JobStatus, func(), error) {
	sub := r.client.Subscribe(ctx, progressChannelPrefix+jobID)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}

	var once sync.Once
	cancel := func() { once.Do(func() { sub.Close() }) }

	out := make(chan domain.JobStatus, subscriberBuffer)
	go func() {
		defer close(out)
		defer cancel()

		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var status domain.JobStatus
				if err := json.Unmarshal([]byte(msg.Payload), &status); err != nil {
					continue
				}
				select {
				case out <- status:
				case <-ctx.Done():
					return
				}
				if status.Status.Terminal() {
					return
				}
			}
		}
	}()
	return out, cancel, nil
}
