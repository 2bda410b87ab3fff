package queue

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	return NewRedisStore(client, time.Minute, zerolog.Nop())
}

func TestRedisStore_PairsAndNotifies(t *testing.T) {
	store := newRedisStore(t)
	scope := "it-" + uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	aliceCh, err := store.SubscribeMatches(ctx, scope, "alice")
	require.NoError(t, err)

	first, err := store.Enqueue(ctx, scope, "alice")
	require.NoError(t, err)
	assert.False(t, first.Paired)

	again, err := store.Enqueue(ctx, scope, "alice")
	require.NoError(t, err)
	assert.Equal(t, first.InsertedID, again.InsertedID)

	second, err := store.Enqueue(ctx, scope, "bob")
	require.NoError(t, err)
	assert.True(t, second.Paired)
	assert.Equal(t, "alice", second.OpponentID)

	select {
	case n := <-aliceCh:
		assert.Equal(t, "bob", n.OpponentID)
		assert.Equal(t, first.InsertedID, n.EntryID)
	case <-ctx.Done():
		t.Fatal("alice was not notified")
	}
}

func TestRedisStore_ConcurrentEnqueueNeverDoubleAssigns(t *testing.T) {
	store := newRedisStore(t)
	scope := "it-" + uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Enqueue(ctx, scope, fmt.Sprintf("p-%02d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries, err := store.Entries(ctx, scope)
	require.NoError(t, err)
	require.Len(t, entries, 50)
	assertConsistentPairs(t, entries)
}

func TestRedisStore_ExpiredEntriesAreSkipped(t *testing.T) {
	store := newRedisStore(t)
	scope := "it-" + uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stale, err := store.Enqueue(ctx, scope, "alice")
	require.NoError(t, err)
	// The entry hash expires before the scope sets do.
	require.NoError(t, store.client.Del(ctx, entryKey(scope, stale.InsertedID)).Err())

	entries, err := store.Entries(ctx, scope)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = store.Enqueue(ctx, scope, "bob")
	require.NoError(t, err)
	res, err := store.Enqueue(ctx, scope, "carol")
	require.NoError(t, err)
	assert.True(t, res.Paired)
	assert.Equal(t, "bob", res.OpponentID)

	entries, err = store.Entries(ctx, scope)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "bob", entries[0].ParticipantID)
}
