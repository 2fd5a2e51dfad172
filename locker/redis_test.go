package locker_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/costing-engine/costing"
	"github.com/warp/costing-engine/costing/store"
	"github.com/warp/costing-engine/locker"
)

var keyA = costing.CostingKey{InstallationID: "inst-1", ItemID: "sku-100", LocationID: "main"}

func newTestLocker(t *testing.T) (*locker.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	l := locker.NewRedis(rdb)
	l.Retry = 5 * time.Millisecond
	return l, mr
}

func TestLockKey(t *testing.T) {
	assert.Equal(t, "costing:lock:inst-1/sku-100/main", locker.LockKey(keyA))
}

func TestLockKey_SlashInsideFieldDoesNotCollide(t *testing.T) {
	a := costing.CostingKey{InstallationID: "a/b", ItemID: "c", LocationID: "d"}
	b := costing.CostingKey{InstallationID: "a", ItemID: "b/c", LocationID: "d"}

	assert.NotEqual(t, locker.LockKey(a), locker.LockKey(b))
	assert.Equal(t, "costing:lock:a%2Fb/c/d", locker.LockKey(a))
}

func TestConnect_UnreachableAddress(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := locker.Connect(ctx, "127.0.0.1:1")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
}

func TestConnect_Reachable(t *testing.T) {
	mr := miniredis.RunT(t)

	rdb, err := locker.Connect(context.Background(), mr.Addr())

	require.NoError(t, err)
	assert.NoError(t, rdb.Close())
}

func TestRedis_HeldKeyTimesOutWithLockNotObtained(t *testing.T) {
	// GIVEN: A key locked by one writer
	// WHEN: A second writer waits past its deadline
	// THEN: It gets ErrLockNotObtained, which is retryable

	l, mr := newTestLocker(t)
	unlock, err := l.Lock(context.Background(), keyA)
	require.NoError(t, err)
	defer unlock()
	assert.True(t, mr.Exists(locker.LockKey(keyA)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, keyA)

	assert.ErrorIs(t, err, costing.ErrLockNotObtained)
	assert.True(t, costing.IsRetryable(err))
}

func TestRedis_UnlockReleasesKey(t *testing.T) {
	l, mr := newTestLocker(t)

	unlock, err := l.Lock(context.Background(), keyA)
	require.NoError(t, err)
	unlock()
	assert.False(t, mr.Exists(locker.LockKey(keyA)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	unlock, err = l.Lock(ctx, keyA)
	require.NoError(t, err)
	unlock()

	// A second release of an already released lock is quiet.
	unlock()
}

func TestRedis_ExpiredHolderStopsBlocking(t *testing.T) {
	l, mr := newTestLocker(t)
	l.TTL = time.Second

	_, err := l.Lock(context.Background(), keyA)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	unlock, err := l.Lock(ctx, keyA)
	require.NoError(t, err)
	unlock()
}

func TestRedis_DifferentKeysDoNotBlock(t *testing.T) {
	l, _ := newTestLocker(t)
	keyB := costing.CostingKey{InstallationID: "inst-1", ItemID: "sku-200", LocationID: "main"}

	unlockA, err := l.Lock(context.Background(), keyA)
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	unlockB, err := l.Lock(ctx, keyB)
	require.NoError(t, err)
	unlockB()
}

func TestRedis_SerializesHoldersOfOneKey(t *testing.T) {
	// Two lockers on one Redis stand in for two processes.
	l1, mr := newTestLocker(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	l2 := locker.NewRedis(rdb)
	l2.Retry = 5 * time.Millisecond
	lockers := []*locker.Redis{l1, l2}

	var (
		holders    atomic.Int32
		maxHolders atomic.Int32
		wg         sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			unlock, err := lockers[i%2].Lock(ctx, keyA)
			if !assert.NoError(t, err) {
				return
			}
			n := holders.Add(1)
			for {
				m := maxHolders.Load()
				if n <= m || maxHolders.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			holders.Add(-1)
			unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxHolders.Load())
}

func TestLedger_WithRedisLockerKeepsChainLinear(t *testing.T) {
	// GIVEN: A ledger whose writers are serialized through Redis
	// WHEN: Many goroutines record against one key
	// THEN: Every event chains to its predecessor and replay agrees

	ctx := context.Background()
	l, _ := newTestLocker(t)
	mem := store.NewMemory()
	ledger := costing.NewLedger(mem)
	ledger.Locker = l

	t0 := time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Record(ctx, costing.Movement{
				Key:            keyA,
				QtyDelta:       2,
				UnitCost:       costing.MustMoney("4.5"),
				EventTimestamp: t0,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events, err := mem.Events(ctx, keyA)
	require.NoError(t, err)
	require.Len(t, events, 20)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].ID, events[i].PreviousEventID)
	}
	assert.Equal(t, int64(40), events[19].QtyOnHandAtEvent)

	report, err := costing.NewReconciler(mem).Check(ctx, keyA)
	require.NoError(t, err)
	assert.True(t, report.InSync)
}

var _ costing.KeyLocker = (*locker.Redis)(nil)
