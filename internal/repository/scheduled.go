package repository

import (
	"context"
	"sort"

	"CRMNotify/internal/model"
	"CRMNotify/pkg/store"
)

// ScheduledRepo 已调度通知的索引，按 NotificationID 唯一。
// 平台层是真正的触发源，这里只用于列表展示和取消时的反查。
type ScheduledRepo struct {
	kv store.KV
}

func NewScheduledRepo(kv store.KV) *ScheduledRepo {
	return &ScheduledRepo{kv: kv}
}

func (r *ScheduledRepo) load(ctx context.Context) (map[string]model.ScheduledNotification, error) {
	raw, err := r.kv.Get(ctx, keyScheduled)
	if err == store.ErrNotFound {
		return map[string]model.ScheduledNotification{}, nil
	}
	if err != nil {
		return nil, err
	}
	index := map[string]model.ScheduledNotification{}
	if err := decode(raw, &index); err != nil {
		return nil, err
	}
	return index, nil
}

func (r *ScheduledRepo) mutate(ctx context.Context, fn func(map[string]model.ScheduledNotification) bool) error {
	return r.kv.Update(ctx, keyScheduled, func(current []byte) ([]byte, error) {
		index := map[string]model.ScheduledNotification{}
		if err := decode(current, &index); err != nil {
			return nil, err
		}
		if !fn(index) {
			return nil, store.ErrSkip
		}
		if len(index) == 0 {
			return nil, nil
		}
		return encode(index)
	})
}

// Put 同 ID 覆盖
func (r *ScheduledRepo) Put(ctx context.Context, n model.ScheduledNotification) error {
	return r.mutate(ctx, func(index map[string]model.ScheduledNotification) bool {
		index[n.NotificationID] = n
		return true
	})
}

// Remove 返回是否确实删除了记录
func (r *ScheduledRepo) Remove(ctx context.Context, notificationID string) (bool, error) {
	var removed bool
	err := r.mutate(ctx, func(index map[string]model.ScheduledNotification) bool {
		_, removed = index[notificationID]
		if !removed {
			return false
		}
		delete(index, notificationID)
		return true
	})
	return removed, err
}

func (r *ScheduledRepo) Get(ctx context.Context, notificationID string) (model.ScheduledNotification, bool, error) {
	index, err := r.load(ctx)
	if err != nil {
		return model.ScheduledNotification{}, false, err
	}
	n, ok := index[notificationID]
	return n, ok, nil
}

// List 按触发时间升序
func (r *ScheduledRepo) List(ctx context.Context) ([]model.ScheduledNotification, error) {
	index, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.ScheduledNotification, 0, len(index))
	for _, n := range index {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FiresAt.Equal(out[j].FiresAt) {
			return out[i].NotificationID < out[j].NotificationID
		}
		return out[i].FiresAt.Before(out[j].FiresAt)
	})
	return out, nil
}
