package storage_test

import (
	"context"
	"fmt"
	"math"
	"os"
	"testing"

	"chatrelay/backend/internal/broker"
	"chatrelay/backend/internal/models"
	"chatrelay/backend/internal/pending"
	"chatrelay/backend/internal/storage"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ pending.Store  = (*storage.PendingStore)(nil)
	_ broker.Archive = (*storage.Service)(nil)
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, rdb.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestService_WithoutBackends(t *testing.T) {
	s := storage.NewStorageService(nil, nil)

	assert.Nil(t, s.Pending())
	assert.NoError(t, s.Close())
}

func TestPendingStore_CapAndTrim(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	store := storage.NewPendingStore(rdb)
	key := pending.Key{Kind: pending.KindChat, UserID: "u-" + uuid.NewString(), RoomID: "R"}
	t.Cleanup(func() { rdb.Del(ctx, key.String()) })

	for i := 1; i <= 5; i++ {
		evicted, err := store.Append(ctx, key, []byte(fmt.Sprintf("m%d", i)), 3)
		require.NoError(t, err)
		if i <= 3 {
			assert.Zero(t, evicted)
		} else {
			assert.Equal(t, 1, evicted)
		}
	}

	entries, err := store.Entries(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("m3"), []byte("m4"), []byte("m5")}, entries)

	require.NoError(t, store.Trim(ctx, key, 2))
	entries, err = store.Entries(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("m5")}, entries)

	require.NoError(t, store.Trim(ctx, key, 1))
	exists, err := rdb.Exists(ctx, key.String()).Result()
	require.NoError(t, err)
	assert.Zero(t, exists, "empty list is removed")
}

func TestPendingStore_WithBuffer(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	s := storage.NewStorageService(nil, rdb)
	key := pending.Key{Kind: pending.KindNotification, UserID: "u-" + uuid.NewString()}
	t.Cleanup(func() { rdb.Del(ctx, key.String()) })

	b := pending.NewBuffer(s.Pending(), 100, zerolog.Nop())
	require.NoError(t, b.Store(ctx, key, []byte("a")))
	require.NoError(t, b.Store(ctx, key, []byte("b")))

	n, err := b.Len(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPendingStore_SeparatorInIDsKeepsListsApart(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	store := storage.NewPendingStore(rdb)
	id := uuid.NewString()
	a := pending.Key{Kind: pending.KindChat, UserID: id + ":b", RoomID: "c"}
	b := pending.Key{Kind: pending.KindChat, UserID: id, RoomID: "b:c"}
	t.Cleanup(func() { rdb.Del(ctx, a.String(), b.String()) })

	_, err := store.Append(ctx, a, []byte("for a"), 10)
	require.NoError(t, err)
	_, err = store.Append(ctx, b, []byte("for b"), 10)
	require.NoError(t, err)

	entries, err := store.Entries(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("for a")}, entries)
}

func TestDeadLetterArchive(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	db, err := storage.OpenPostgres(dsn)
	require.NoError(t, err)
	s := storage.NewStorageService(db, nil)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	queue := "dlx_test_" + uuid.NewString()
	dl := &models.DeadLetter{
		Queue:       queue,
		Exchange:    "chat_exchange",
		RoutingKey:  "R",
		Reason:      "rejected",
		DeathQueues: []string{"chatroom_R_queue"},
		DeathCount:  1,
		Body:        `{"text":"x"}`,
		ValidJSON:   true,
	}
	require.NoError(t, s.SaveDeadLetter(ctx, dl))
	require.NotZero(t, dl.ID)

	listed, err := s.ListDeadLetters(ctx, queue, false, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, []string{"chatroom_R_queue"}, []string(listed[0].DeathQueues))

	require.NoError(t, s.MarkReplayed(ctx, dl.ID))
	listed, err = s.ListDeadLetters(ctx, queue, false, 10)
	require.NoError(t, err)
	assert.Empty(t, listed)

	found, err := s.FindDeadLetter(ctx, dl.ID)
	require.NoError(t, err)
	assert.True(t, found.Replayed)

	_, err = s.FindDeadLetter(ctx, uint(math.MaxInt32))
	assert.ErrorIs(t, err, storage.ErrDeadLetterNotFound)
	t.Cleanup(func() { db.Unscoped().Where("queue = ?", queue).Delete(&models.DeadLetter{}) })
}
