package repository

import (
	"context"

	"CRMNotify/internal/model"
	"CRMNotify/pkg/store"
)

// slot 单值槽位，后写覆盖先写，读取并清除是一次原子操作
type slot[T any] struct {
	kv  store.KV
	key string
}

func (s slot[T]) save(ctx context.Context, v T) error {
	b, err := encode(v)
	if err != nil {
		return err
	}
	return store.Set(ctx, s.kv, s.key, b)
}

func (s slot[T]) peek(ctx context.Context) (*T, error) {
	raw, err := s.kv.Get(ctx, s.key)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := decode(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// take pred 为 nil 时无条件取走；不满足 pred 时槽位保持不变
func (s slot[T]) take(ctx context.Context, pred func(T) bool) (*T, error) {
	var taken *T
	err := s.kv.Update(ctx, s.key, func(current []byte) ([]byte, error) {
		taken = nil
		if current == nil {
			return nil, store.ErrSkip
		}
		var v T
		if err := decode(current, &v); err != nil {
			// 损坏的槽位直接清掉，否则每次重放都会失败
			return nil, nil
		}
		if pred != nil && !pred(v) {
			return nil, store.ErrSkip
		}
		taken = &v
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return taken, nil
}

// PendingSlot 等待重放的通知记录。后台 worker 和主线程都会写。
type PendingSlot struct {
	s slot[model.PendingNotificationRecord]
}

func NewPendingSlot(kv store.KV) *PendingSlot {
	return &PendingSlot{s: slot[model.PendingNotificationRecord]{kv: kv, key: keyPendingRecord}}
}

func (p *PendingSlot) Save(ctx context.Context, rec model.PendingNotificationRecord) error {
	return p.s.save(ctx, rec)
}

func (p *PendingSlot) Peek(ctx context.Context) (*model.PendingNotificationRecord, error) {
	return p.s.peek(ctx)
}

func (p *PendingSlot) Take(ctx context.Context) (*model.PendingNotificationRecord, error) {
	return p.s.take(ctx, nil)
}

// TakeImmediate 只取 ShouldNavigateImmediately 的记录
func (p *PendingSlot) TakeImmediate(ctx context.Context) (*model.PendingNotificationRecord, error) {
	return p.s.take(ctx, func(rec model.PendingNotificationRecord) bool {
		return rec.ShouldNavigateImmediately
	})
}

// RetrySlot 导航超时后保存的意图，就绪后重放一次
type RetrySlot struct {
	s slot[model.NavigationIntent]
}

func NewRetrySlot(kv store.KV) *RetrySlot {
	return &RetrySlot{s: slot[model.NavigationIntent]{kv: kv, key: keyRetryNavigation}}
}

func (r *RetrySlot) Save(ctx context.Context, intent model.NavigationIntent) error {
	return r.s.save(ctx, intent)
}

func (r *RetrySlot) Peek(ctx context.Context) (*model.NavigationIntent, error) {
	return r.s.peek(ctx)
}

func (r *RetrySlot) Take(ctx context.Context) (*model.NavigationIntent, error) {
	return r.s.take(ctx, nil)
}
