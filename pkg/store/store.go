// Package store 提供持久化的键值槽位，所有写入都是整值的读-改-写。
//
// 提醒集合、已调度通知索引、待处理通知槽位都按一个 key 一整块 JSON 存放，
// 主线程和后台 worker 可能同时写同一个 key，因此不允许字段级的局部更新。
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound key 不存在
	ErrNotFound = errors.New("store: key not found")
	// ErrSkip 由 UpdateFunc 返回，表示不写入，Update 返回 nil
	ErrSkip = errors.New("store: skip write")
	// ErrConflict 乐观事务重试耗尽
	ErrConflict = errors.New("store: too many concurrent writers")
)

// UpdateFunc 接收当前值（不存在时为 nil），返回新值；返回 nil 表示删除。
// 乐观实现可能多次调用它，因此不能有外部副作用。
type UpdateFunc func(current []byte) ([]byte, error)

type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

// Set 整值覆盖。
func Set(ctx context.Context, kv KV, key string, value []byte) error {
	return kv.Update(ctx, key, func([]byte) ([]byte, error) {
		return value, nil
	})
}
