package storage

import (
	"context"

	"chatrelay/backend/internal/pending"

	"github.com/redis/go-redis/v9"
)

// PendingStore keeps pending buffers in Redis lists, so frames survive a
// restart of the delivery service.
type PendingStore struct {
	rdb *redis.Client
}

func NewPendingStore(rdb *redis.Client) *PendingStore {
	return &PendingStore{rdb: rdb}
}

// Append pushes and caps the list in one MULTI/EXEC.
func (p *PendingStore) Append(ctx context.Context, key pending.Key, entry []byte, limit int) (int, error) {
	k := key.String()
	var push *redis.IntCmd
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		push = pipe.RPush(ctx, k, entry)
		if limit > 0 {
			pipe.LTrim(ctx, k, int64(-limit), -1)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	evicted := 0
	if limit > 0 && push.Val() > int64(limit) {
		evicted = int(push.Val() - int64(limit))
	}
	return evicted, nil
}

func (p *PendingStore) Entries(ctx context.Context, key pending.Key) ([][]byte, error) {
	vals, err := p.rdb.LRange(ctx, key.String(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// Trim drops the n oldest entries; Redis removes the key once the list is empty.
func (p *PendingStore) Trim(ctx context.Context, key pending.Key, n int) error {
	return p.rdb.LTrim(ctx, key.String(), int64(n), -1).Err()
}
