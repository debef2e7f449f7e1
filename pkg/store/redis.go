package store

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

const defaultRedisRetries = 64

// Redis 基于 WATCH/MULTI/EXEC 的乐观事务，并发写入冲突时重跑 UpdateFunc。
type Redis struct {
	client     goredis.UniversalClient
	keyFunc    func(parts ...string) string
	maxRetries int
}

// NewRedis keyFunc 负责加前缀，传 nil 时原样使用 key。
func NewRedis(client goredis.UniversalClient, keyFunc func(parts ...string) string) *Redis {
	if keyFunc == nil {
		keyFunc = func(parts ...string) string {
			if len(parts) == 0 {
				return ""
			}
			return parts[0]
		}
	}
	return &Redis{
		client:     client,
		keyFunc:    keyFunc,
		maxRetries: defaultRedisRetries,
	}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.keyFunc("kv", key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) Update(ctx context.Context, key string, fn UpdateFunc) error {
	fullKey := r.keyFunc("kv", key)

	txf := func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, fullKey).Bytes()
		if errors.Is(err, goredis.Nil) {
			current = nil
		} else if err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, fullKey)
			} else {
				pipe.Set(ctx, fullKey, next, 0)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		err := r.client.Watch(ctx, txf, fullKey)
		switch {
		case err == nil, errors.Is(err, ErrSkip):
			return nil
		case errors.Is(err, goredis.TxFailedErr):
			// 其他写入者抢先提交，重读后再算一次
			continue
		default:
			return err
		}
	}

	return ErrConflict
}
