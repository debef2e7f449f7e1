package store

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisKV(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, nil)
}

func backends(t *testing.T) map[string]KV {
	return map[string]KV{
		"memory": NewMemory(),
		"redis":  newRedisKV(t),
	}
}

func TestKVBasicLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := kv.Get(ctx, "slot")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, Set(ctx, kv, "slot", []byte("a")))
			v, err := kv.Get(ctx, "slot")
			require.NoError(t, err)
			assert.Equal(t, "a", string(v))

			require.NoError(t, kv.Update(ctx, "slot", func(cur []byte) ([]byte, error) {
				return append(cur, 'b'), nil
			}))
			v, err = kv.Get(ctx, "slot")
			require.NoError(t, err)
			assert.Equal(t, "ab", string(v))

			require.NoError(t, kv.Update(ctx, "slot", func([]byte) ([]byte, error) {
				return nil, ErrSkip
			}))
			v, _ = kv.Get(ctx, "slot")
			assert.Equal(t, "ab", string(v))

			// 返回 nil 即删除，key 不存在时再删一次也不报错
			remove := func([]byte) ([]byte, error) { return nil, nil }
			require.NoError(t, kv.Update(ctx, "slot", remove))
			require.NoError(t, kv.Update(ctx, "slot", remove))
			_, err = kv.Get(ctx, "slot")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestKVConcurrentIncrementsAreNotLost(t *testing.T) {
	ctx := context.Background()
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			const writers = 4
			const perWriter = 10

			var wg sync.WaitGroup
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < perWriter; j++ {
						err := kv.Update(ctx, "counter", func(cur []byte) ([]byte, error) {
							n := 0
							if cur != nil {
								n, _ = strconv.Atoi(string(cur))
							}
							return []byte(strconv.Itoa(n + 1)), nil
						})
						assert.NoError(t, err)
					}
				}()
			}
			wg.Wait()

			v, err := kv.Get(ctx, "counter")
			require.NoError(t, err)
			assert.Equal(t, strconv.Itoa(writers*perWriter), string(v))
		})
	}
}
