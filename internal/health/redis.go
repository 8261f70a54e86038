package health

import (
	"context"
	"fmt"
	"runtime"

	"github.com/redis/go-redis/v9"
)

// RedisChecker checks the connectivity of the Redis registry.
type RedisChecker struct {
	client redis.UniversalClient
	name   string
}

// NewRedisChecker creates a new Redis health checker.
func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{
		client: client,
		name:   "redis",
	}
}

// Name returns the name of the checker.
func (r *RedisChecker) Name() string {
	return r.name
}

// Check pings Redis and reads its server info.
func (r *RedisChecker) Check(ctx context.Context) error {
	if r.client == nil {
		return fmt.Errorf("redis client not configured")
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	info, err := r.client.Info(ctx, "server").Result()
	if err != nil {
		return fmt.Errorf("failed to get redis info: %w", err)
	}
	if len(info) == 0 {
		return fmt.Errorf("empty redis info response")
	}
	return nil
}

// MemoryChecker reports degraded once the Go heap passes a limit. Decoded
// pictures held by the display queues are the main heap consumer.
type MemoryChecker struct {
	limitBytes uint64
	readStats  func(*runtime.MemStats)
}

// NewMemoryChecker creates a memory checker; a zero limit only reports.
func NewMemoryChecker(limitBytes uint64) *MemoryChecker {
	return &MemoryChecker{
		limitBytes: limitBytes,
		readStats:  runtime.ReadMemStats,
	}
}

// Name returns the name of the checker.
func (m *MemoryChecker) Name() string {
	return "memory"
}

// Check compares the heap in use against the limit.
func (m *MemoryChecker) Check(ctx context.Context) error {
	var ms runtime.MemStats
	m.readStats(&ms)
	if m.limitBytes > 0 && ms.HeapAlloc > m.limitBytes {
		return Degraded(fmt.Sprintf("heap %d MB above limit %d MB", ms.HeapAlloc>>20, m.limitBytes>>20))
	}
	return nil
}

// Details implements DetailReporter.
func (m *MemoryChecker) Details() map[string]interface{} {
	var ms runtime.MemStats
	m.readStats(&ms)
	return map[string]interface{}{
		"heap_alloc_mb": ms.HeapAlloc >> 20,
		"num_gc":        ms.NumGC,
		"goroutines":    runtime.NumGoroutine(),
	}
}
