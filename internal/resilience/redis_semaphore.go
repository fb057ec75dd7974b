package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Semaphore caps concurrent holders of a named slot.
type Semaphore interface {
	// Acquire attempts to acquire a slot. Returns true if acquired, false if limit reached.
	// The caller must call Release when done if Acquire returns true.
	Acquire(ctx context.Context, key string) (bool, error)
	// Release releases a previously acquired slot.
	Release(ctx context.Context, key string) error
}

// RedisSemaphore bounds how many capture runs the fleet executes at once.
//
// Each acquisition is a lease: a random holder id in a sorted set scored by
// its expiry. Expired leases are pruned before every acquire, so a holder
// that crashes without releasing frees its slot after TTL.
type RedisSemaphore struct {
	client   *redis.Client
	limit    int
	ttl      time.Duration
	fallback *LocalSemaphoreManager
	logger   *zap.Logger

	mu   sync.Mutex
	held map[string][]lease
}

type lease struct {
	holder string
	local  bool
}

// RedisSemaphoreConfig holds configuration for the Redis semaphore.
type RedisSemaphoreConfig struct {
	// Limit is the maximum concurrent leases per key (default: 1)
	Limit int
	// TTL is how long a lease is valid before it lapses (default: 10m).
	// It must outlast the longest run.
	TTL time.Duration
}

func DefaultRedisSemaphoreConfig() RedisSemaphoreConfig {
	return RedisSemaphoreConfig{
		Limit: 1,
		TTL:   10 * time.Minute,
	}
}

func NewRedisSemaphore(client *redis.Client, config RedisSemaphoreConfig, logger *zap.Logger) *RedisSemaphore {
	defaults := DefaultRedisSemaphoreConfig()
	if config.Limit <= 0 {
		config.Limit = defaults.Limit
	}
	if config.TTL == 0 {
		config.TTL = defaults.TTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisSemaphore{
		client:   client,
		limit:    config.Limit,
		ttl:      config.TTL,
		fallback: NewLocalSemaphoreManager(config.Limit),
		logger:   logger,
		held:     make(map[string][]lease),
	}
}

// acquireScript prunes lapsed leases and adds ARGV[4] if fewer than ARGV[3]
// remain. Returns 1 if the lease was granted.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local ttl_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local holder = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now_ms)

if redis.call('ZCARD', key) >= limit then
    return 0
end

redis.call('ZADD', key, now_ms + ttl_ms, holder)
redis.call('PEXPIRE', key, ttl_ms)
return 1
`)

func semaphoreKey(key string) string {
	return "connector:sem:" + key
}

// Acquire attempts to take a lease on key. When Redis is unreachable the
// limit is enforced per instance instead.
func (s *RedisSemaphore) Acquire(ctx context.Context, key string) (bool, error) {
	holder := uuid.NewString()
	now := time.Now()

	result, err := acquireScript.Run(ctx, s.client, []string{semaphoreKey(key)},
		now.UnixMilli(), s.ttl.Milliseconds(), s.limit, holder).Int()
	if err != nil {
		s.logger.Warn("redis semaphore acquire failed, using fallback",
			zap.Error(err),
			zap.String("key", key),
		)
		if !s.fallback.Acquire(key) {
			return false, nil
		}
		s.push(key, lease{local: true})
		return true, nil
	}
	if result != 1 {
		return false, nil
	}

	s.push(key, lease{holder: holder})
	return true, nil
}

// Release gives back the most recent lease this instance holds on key.
func (s *RedisSemaphore) Release(ctx context.Context, key string) error {
	l, ok := s.pop(key)
	if !ok {
		return fmt.Errorf("no lease held on %s", key)
	}
	if l.local {
		s.fallback.Release(key)
		return nil
	}

	if err := s.client.ZRem(ctx, semaphoreKey(key), l.holder).Err(); err != nil {
		// The lease lapses on its own after TTL.
		s.logger.Warn("redis semaphore release failed",
			zap.Error(err),
			zap.String("key", key),
		)
	}
	return nil
}

func (s *RedisSemaphore) push(key string, l lease) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held[key] = append(s.held[key], l)
}

func (s *RedisSemaphore) pop(key string) (lease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	leases := s.held[key]
	if len(leases) == 0 {
		return lease{}, false
	}
	l := leases[len(leases)-1]
	s.held[key] = leases[:len(leases)-1]
	return l, true
}

// LocalSemaphoreManager provides in-memory semaphores as fallback.
type LocalSemaphoreManager struct {
	mu         sync.Mutex
	limit      int
	semaphores map[string]chan struct{}
}

func NewLocalSemaphoreManager(limit int) *LocalSemaphoreManager {
	return &LocalSemaphoreManager{
		limit:      limit,
		semaphores: make(map[string]chan struct{}),
	}
}

// Acquire attempts to acquire a local semaphore slot (non-blocking).
func (m *LocalSemaphoreManager) Acquire(key string) bool {
	select {
	case m.semaphore(key) <- struct{}{}:
		return true
	default:
		return false
	}
}

func (m *LocalSemaphoreManager) Release(key string) {
	select {
	case <-m.semaphore(key):
	default:
	}
}

func (m *LocalSemaphoreManager) semaphore(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	sem, exists := m.semaphores[key]
	if !exists {
		sem = make(chan struct{}, m.limit)
		m.semaphores[key] = sem
	}
	return sem
}
