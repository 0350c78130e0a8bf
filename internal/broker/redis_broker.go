package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/qcgateway/qcgateway/internal/apierr"
)

// pendingTTL bounds how long a revocation marker lingers if a worker never
// checks it; matches the order of magnitude of a slow job, not the
// submission timeout.
const pendingTTL = 24 * time.Hour

// queueCommander is the minimal slice of redis.Cmdable the broker client
// needs; a fake satisfying it drives unit tests without a live Redis.
type queueCommander interface {
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisClient submits task descriptors onto program/queue-scoped Redis
// lists, giving a celery-broker-equivalent FIFO queue. google/uuid mints
// every id returned, matching the "every id is a UUID v4" invariant.
type RedisClient struct {
	cmd queueCommander
}

// NewRedisClient wraps an existing *redis.Client. The caller owns the
// client's lifecycle (it is safe for concurrent use and should be created
// once at process startup).
func NewRedisClient(cmd *redis.Client) *RedisClient {
	return &RedisClient{cmd: cmd}
}

func queueKey(queue string) string {
	if queue == "" {
		queue = "default"
	}
	return "qcgateway:queue:" + queue
}

func pendingKey(taskID string) string {
	return "qcgateway:pending:" + taskID
}

// submit mints an id for spec, pushes its descriptor onto the queue, and
// leaves a pending marker a worker can consult before starting work so a
// subsequent Revoke has something to act on.
func (c *RedisClient) submit(ctx context.Context, queue string, spec TaskSpec) (AsyncHandle, error) {
	taskID := uuid.New().String()
	desc := Descriptor{TaskID: taskID, Program: string(spec.Program), Input: spec.Input, Options: spec.Options}

	data, err := json.Marshal(desc)
	if err != nil {
		return AsyncHandle{}, apierr.Wrap(apierr.KindBrokerUnavailable, "encode task descriptor", err)
	}
	if err := c.cmd.Set(ctx, pendingKey(taskID), "1", pendingTTL).Err(); err != nil {
		return AsyncHandle{}, apierr.Wrap(apierr.KindBrokerUnavailable, "mark task pending", err)
	}
	if err := c.cmd.LPush(ctx, queueKey(queue), data).Err(); err != nil {
		return AsyncHandle{}, apierr.Wrap(apierr.KindBrokerUnavailable, "submit task to broker", err)
	}
	return AsyncHandle{TaskID: taskID}, nil
}

func (c *RedisClient) SubmitLeaf(ctx context.Context, spec TaskSpec) (AsyncHandle, error) {
	return c.submit(ctx, spec.Options.Queue, spec)
}

func (c *RedisClient) SubmitGroup(ctx context.Context, specs []TaskSpec, queue string) (GroupHandle, error) {
	handles := make([]AsyncHandle, 0, len(specs))
	for _, spec := range specs {
		h, err := c.submit(ctx, queue, spec)
		if err != nil {
			return GroupHandle{}, err
		}
		handles = append(handles, h)
	}
	return GroupHandle{GroupID: uuid.New().String(), Leaves: handles}, nil
}

func (c *RedisClient) SubmitChord(ctx context.Context, fanOut []TaskSpec, reducer TaskSpec, queue string) (ChordHandle, error) {
	handles := make([]AsyncHandle, 0, len(fanOut))
	for _, spec := range fanOut {
		h, err := c.submit(ctx, queue, spec)
		if err != nil {
			return ChordHandle{}, err
		}
		handles = append(handles, h)
	}
	// Pushed last so a queue consumed in order sees the fan-out leaves
	// before the reducer that depends on them.
	reducerHandle, err := c.submit(ctx, queue, reducer)
	if err != nil {
		return ChordHandle{}, err
	}
	return ChordHandle{ChordID: uuid.New().String(), Leaves: handles, Reducer: reducerHandle}, nil
}

func (c *RedisClient) Revoke(ctx context.Context, taskIDs []string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(taskIDs))
	for _, id := range taskIDs {
		keys = append(keys, pendingKey(id))
	}
	if err := c.cmd.Del(ctx, keys...).Err(); err != nil {
		return apierr.Wrap(apierr.KindBrokerUnavailable, "revoke tasks", err)
	}
	return nil
}
