package locks

import (
	"context"
	"sync"
	"testing"
	"time"

	mr "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisManager(t *testing.T) (*RedisManager, *mr.Miniredis) {
	t.Helper()
	m, err := mr.Run()
	require.NoError(t, err)
	t.Cleanup(m.Close)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	return NewRedisManager(client, 30*time.Second), m
}

func TestRedisManager_AcquireRelease(t *testing.T) {
	mgr, srv := newRedisManager(t)
	ctx := context.Background()

	l, err := mgr.TakeDocumentLock(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, "lock:document:doc1", l.Key())
	require.True(t, srv.Exists("lock:document:doc1"))

	require.NoError(t, mgr.Release(ctx, l))
	require.False(t, srv.Exists("lock:document:doc1"))
}

func TestRedisManager_MutualExclusion(t *testing.T) {
	mgr, _ := newRedisManager(t)
	ctx := context.Background()

	l, err := mgr.TakeDocumentLock(ctx, "doc1")
	require.NoError(t, err)

	// a second acquire must block until the first holder releases
	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = mgr.TakeDocumentLock(short, "doc1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, mgr.Release(ctx, l))
	l2, err := mgr.TakeDocumentLock(ctx, "doc1")
	require.NoError(t, err)
	require.NoError(t, mgr.Release(ctx, l2))
}

func TestRedisManager_DifferentKeysIndependent(t *testing.T) {
	mgr, _ := newRedisManager(t)
	ctx := context.Background()

	l1, err := mgr.TakeDocumentLock(ctx, "doc1")
	require.NoError(t, err)
	l2, err := mgr.TakeDocumentLock(ctx, "doc2")
	require.NoError(t, err)
	l3, err := mgr.TakeRoomLock(ctx, "doc1") // room namespace, same id
	require.NoError(t, err)

	require.NoError(t, mgr.Release(ctx, l1))
	require.NoError(t, mgr.Release(ctx, l2))
	require.NoError(t, mgr.Release(ctx, l3))
}

func TestRedisManager_ReleaseChecksToken(t *testing.T) {
	mgr, srv := newRedisManager(t)
	ctx := context.Background()

	l, err := mgr.TakeDocumentLock(ctx, "doc1")
	require.NoError(t, err)

	// simulate TTL expiry plus re-acquisition by another holder
	srv.FastForward(time.Minute)
	require.False(t, srv.Exists("lock:document:doc1"))
	l2, err := mgr.TakeDocumentLock(ctx, "doc1")
	require.NoError(t, err)

	// the stale holder's release must not free the new holder's lock
	require.NoError(t, mgr.Release(ctx, l))
	require.True(t, srv.Exists("lock:document:doc1"))

	require.NoError(t, mgr.Release(ctx, l2))
	require.False(t, srv.Exists("lock:document:doc1"))
}

func TestRedisManager_ReleaseZeroLockIsNoop(t *testing.T) {
	mgr, _ := newRedisManager(t)
	require.NoError(t, mgr.Release(context.Background(), Lock{}))
}

func TestRedisManager_ContendedHandoff(t *testing.T) {
	mgr, _ := newRedisManager(t)
	ctx := context.Background()

	const workers = 4
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := mgr.TakeDocumentLock(ctx, "doc1")
			require.NoError(t, err)
			// unsynchronized on purpose; the lock is the only protection
			v := counter
			time.Sleep(5 * time.Millisecond)
			counter = v + 1
			require.NoError(t, mgr.Release(ctx, l))
		}()
	}
	wg.Wait()
	require.Equal(t, workers, counter)
}

func TestMemoryManager_MutualExclusion(t *testing.T) {
	mgr := NewMemoryManager()
	ctx := context.Background()

	l, err := mgr.TakeDocumentLock(ctx, "doc1")
	require.NoError(t, err)

	acquired := make(chan Lock)
	go func() {
		l2, err := mgr.TakeDocumentLock(ctx, "doc1")
		require.NoError(t, err)
		acquired <- l2
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, mgr.Release(ctx, l))
	select {
	case l2 := <-acquired:
		require.NoError(t, mgr.Release(ctx, l2))
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestMemoryManager_CancelWhileWaiting(t *testing.T) {
	mgr := NewMemoryManager()
	ctx := context.Background()

	l, err := mgr.TakeDocumentLock(ctx, "doc1")
	require.NoError(t, err)

	waitCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		_, err := mgr.TakeDocumentLock(waitCtx, "doc1")
		errCh <- err
	}()

	// let the waiter block, then cancel it while the lock is still held
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("canceled waiter stayed blocked")
	}

	// the holder is unaffected and the lock still works
	require.NoError(t, mgr.Release(ctx, l))
	l2, err := mgr.TakeDocumentLock(ctx, "doc1")
	require.NoError(t, err)
	require.NoError(t, mgr.Release(ctx, l2))
}

func TestMemoryManager_ContendedHandoff(t *testing.T) {
	mgr := NewMemoryManager()
	ctx := context.Background()

	const workers = 8
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := mgr.TakeRoomLock(ctx, "room1")
			require.NoError(t, err)
			v := counter
			counter = v + 1
			require.NoError(t, mgr.Release(ctx, l))
		}()
	}
	wg.Wait()
	require.Equal(t, workers, counter)
}
