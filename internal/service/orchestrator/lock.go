package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// BuildLock grants at most one holder per project. The token identifies the
// holder so a stale owner cannot release a newer lock.
type BuildLock interface {
	Acquire(ctx context.Context, projectID, token string) (bool, error)
	Release(ctx context.Context, projectID, token string) error
	Held(ctx context.Context, projectID string) (bool, error)
}

// MemoryLock is a process-local BuildLock.
type MemoryLock struct {
	mu   sync.Mutex
	held map[string]string
}

// NewMemoryLock constructs an empty lock table.
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{held: make(map[string]string)}
}

func (l *MemoryLock) Acquire(_ context.Context, projectID, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[projectID]; ok {
		return false, nil
	}
	l.held[projectID] = token
	return true, nil
}

func (l *MemoryLock) Release(_ context.Context, projectID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[projectID] == token {
		delete(l.held, projectID)
	}
	return nil
}

func (l *MemoryLock) Held(_ context.Context, projectID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[projectID]
	return ok, nil
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLock is a BuildLock shared by every orchestrator replica using the
// same Redis. Locks expire after ttl so a crashed holder cannot wedge a project.
type RedisLock struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLock constructs a Redis backed lock.
func NewRedisLock(client *redis.Client, ttl time.Duration) (*RedisLock, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		ttl = 25 * time.Minute
	}
	return &RedisLock{client: client, prefix: "kapsules:buildlock:", ttl: ttl}, nil
}

func (l *RedisLock) Acquire(ctx context.Context, projectID, token string) (bool, error) {
	return l.client.SetNX(ctx, l.prefix+projectID, token, l.ttl).Result()
}

func (l *RedisLock) Release(ctx context.Context, projectID, token string) error {
	err := releaseScript.Run(ctx, l.client, []string{l.prefix + projectID}, token).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (l *RedisLock) Held(ctx context.Context, projectID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.prefix+projectID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
