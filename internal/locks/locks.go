package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock is an acquired advisory lock. Only the manager that issued it can
// release it, and only while the holder token still matches.
type Lock struct {
	key   string
	token string
}

func (l Lock) Key() string { return l.key }

// Manager hands out mutually exclusive named locks. Engine operations take a
// document lock for their whole duration; create-in-room additionally takes
// a room lock, always after the document lock.
type Manager interface {
	TakeDocumentLock(ctx context.Context, documentID string) (Lock, error)
	TakeRoomLock(ctx context.Context, roomID string) (Lock, error)
	Release(ctx context.Context, l Lock) error
}

const (
	documentKeyPrefix = "lock:document:"
	roomKeyPrefix     = "lock:room:"

	// acquisition poll interval while another holder has the lock
	retryInterval = 25 * time.Millisecond
)

// releaseScript deletes the lock only when the stored token matches, so a
// manager never releases a lock a slow peer lost and someone else re-acquired.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// RedisManager implements Manager on Redis via SET NX with a holder token and
// a TTL that covers a crashed holder.
type RedisManager struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisManager creates a Redis-backed lock manager. ttl bounds how long a
// crashed process can keep a document locked; it must comfortably exceed the
// longest engine operation.
func NewRedisManager(client *redis.Client, ttl time.Duration) *RedisManager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisManager{client: client, ttl: ttl}
}

func (m *RedisManager) TakeDocumentLock(ctx context.Context, documentID string) (Lock, error) {
	return m.take(ctx, documentKeyPrefix+documentID)
}

func (m *RedisManager) TakeRoomLock(ctx context.Context, roomID string) (Lock, error) {
	return m.take(ctx, roomKeyPrefix+roomID)
}

func (m *RedisManager) take(ctx context.Context, key string) (Lock, error) {
	token := uuid.NewString()
	for {
		ok, err := m.client.SetNX(ctx, key, token, m.ttl).Result()
		if err != nil {
			return Lock{}, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return Lock{key: key, token: token}, nil
		}
		select {
		case <-ctx.Done():
			return Lock{}, fmt.Errorf("acquire %s: %w", key, ctx.Err())
		case <-time.After(retryInterval):
		}
	}
}

func (m *RedisManager) Release(ctx context.Context, l Lock) error {
	if l.key == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, m.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}

// MemoryManager implements Manager with an in-process mutex table. Kept for
// tests and single-node deployments, mirroring the in-memory stores.
type MemoryManager struct {
	mu    sync.Mutex
	held  map[string]string
	freed *sync.Cond
}

func NewMemoryManager() *MemoryManager {
	m := &MemoryManager{held: map[string]string{}}
	m.freed = sync.NewCond(&m.mu)
	return m
}

func (m *MemoryManager) TakeDocumentLock(ctx context.Context, documentID string) (Lock, error) {
	return m.take(ctx, documentKeyPrefix+documentID)
}

func (m *MemoryManager) TakeRoomLock(ctx context.Context, roomID string) (Lock, error) {
	return m.take(ctx, roomKeyPrefix+roomID)
}

func (m *MemoryManager) take(ctx context.Context, key string) (Lock, error) {
	token := uuid.NewString()

	// Cond.Wait never sees ctx.Done(), so a cancellation wakes the waiters
	// itself; the loop below then observes ctx.Err() and bails out.
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.freed.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return Lock{}, fmt.Errorf("acquire %s: %w", key, err)
		}
		if _, taken := m.held[key]; !taken {
			m.held[key] = token
			return Lock{key: key, token: token}, nil
		}
		m.freed.Wait()
	}
}

func (m *MemoryManager) Release(_ context.Context, l Lock) error {
	if l.key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[l.key] == l.token {
		delete(m.held, l.key)
		m.freed.Broadcast()
	}
	return nil
}
