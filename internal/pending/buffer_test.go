package pending_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"chatrelay/backend/internal/pending"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	accept int // frames accepted before refusing; negative accepts all
	got    []string
}

func (s *recordingSender) Send(frame []byte) bool {
	if s.accept >= 0 && len(s.got) >= s.accept {
		return false
	}
	s.got = append(s.got, string(frame))
	return true
}

type failingStore struct {
	pending.Store
	err error
}

func (f failingStore) Append(ctx context.Context, key pending.Key, entry []byte, limit int) (int, error) {
	return 0, f.err
}

func (f failingStore) Entries(ctx context.Context, key pending.Key) ([][]byte, error) {
	return nil, f.err
}

var key = pending.Key{Kind: pending.KindChat, UserID: "B", RoomID: "R"}

func newBuffer(limit int) *pending.Buffer {
	return pending.NewBuffer(pending.NewMemoryStore(), limit, zerolog.Nop())
}

func TestBuffer_FlushInOrder(t *testing.T) {
	ctx := context.Background()
	b := newBuffer(100)
	for i := 1; i <= 3; i++ {
		require.NoError(t, b.Store(ctx, key, []byte(fmt.Sprintf("m%d", i))))
	}

	s := &recordingSender{accept: -1}
	sent, err := b.Flush(ctx, key, s)

	require.NoError(t, err)
	assert.Equal(t, 3, sent)
	assert.Equal(t, []string{"m1", "m2", "m3"}, s.got)
	n, _ := b.Len(ctx, key)
	assert.Zero(t, n, "flushed buffer is empty")
}

func TestBuffer_CapEvictsOldest(t *testing.T) {
	ctx := context.Background()
	b := newBuffer(100)
	for i := 1; i <= 150; i++ {
		require.NoError(t, b.Store(ctx, key, []byte(fmt.Sprintf("m%d", i))))
	}

	n, err := b.Len(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	s := &recordingSender{accept: -1}
	_, err = b.Flush(ctx, key, s)
	require.NoError(t, err)
	assert.Equal(t, "m51", s.got[0])
	assert.Equal(t, "m150", s.got[99])
}

func TestBuffer_PartialFlushKeepsTail(t *testing.T) {
	ctx := context.Background()
	b := newBuffer(100)
	for i := 1; i <= 4; i++ {
		require.NoError(t, b.Store(ctx, key, []byte(fmt.Sprintf("m%d", i))))
	}

	sent, err := b.Flush(ctx, key, &recordingSender{accept: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	s := &recordingSender{accept: -1}
	_, err = b.Flush(ctx, key, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m4"}, s.got)
}

func TestBuffer_FlushEmpty(t *testing.T) {
	sent, err := newBuffer(10).Flush(context.Background(), key, &recordingSender{accept: -1})
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestBuffer_KeysAreIsolated(t *testing.T) {
	ctx := context.Background()
	b := newBuffer(10)
	other := pending.Key{Kind: pending.KindNotification, UserID: "B"}

	require.NoError(t, b.Store(ctx, key, []byte("chat")))
	require.NoError(t, b.Store(ctx, other, []byte("notif")))

	s := &recordingSender{accept: -1}
	_, err := b.Flush(ctx, other, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"notif"}, s.got)

	n, _ := b.Len(ctx, key)
	assert.Equal(t, 1, n)
}

func TestBuffer_StoreErrorIsWrapped(t *testing.T) {
	storeErr := errors.New("redis: connection refused")
	b := pending.NewBuffer(failingStore{err: storeErr}, 10, zerolog.Nop())

	err := b.Store(context.Background(), key, []byte("x"))
	assert.ErrorIs(t, err, storeErr)

	_, err = b.Flush(context.Background(), key, &recordingSender{accept: -1})
	assert.ErrorIs(t, err, storeErr)
}

func TestKey_String(t *testing.T) {
	assert.Equal(t, "pending:chat:B:R", key.String())
	assert.Equal(t, "pending:notification:B:", pending.Key{Kind: pending.KindNotification, UserID: "B"}.String())
}

func TestKey_StringSeparatorInIDs(t *testing.T) {
	a := pending.Key{Kind: pending.KindChat, UserID: "a:b", RoomID: "c"}
	b := pending.Key{Kind: pending.KindChat, UserID: "a", RoomID: "b:c"}

	assert.NotEqual(t, a.String(), b.String())
	assert.Equal(t, "pending:chat:a%3Ab:c", a.String())
}
