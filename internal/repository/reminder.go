package repository

import (
	"context"
	"sort"
	"time"

	"CRMNotify/internal/model"
	"CRMNotify/pkg/errors"
	"CRMNotify/pkg/snowflake"
	"CRMNotify/pkg/store"
)

// ReminderRepo 提醒集合。每次调用都对整个集合做一次原子读-改-写，
// 轮询协程和 UI 请求交错执行也不会写坏集合。
type ReminderRepo struct {
	kv    store.KV
	now   func() time.Time
	newID func() (string, error)
}

type ReminderOption func(*ReminderRepo)

func WithReminderClock(now func() time.Time) ReminderOption {
	return func(r *ReminderRepo) { r.now = now }
}

func WithReminderIDGenerator(gen func() (string, error)) ReminderOption {
	return func(r *ReminderRepo) { r.newID = gen }
}

func NewReminderRepo(kv store.KV, opts ...ReminderOption) *ReminderRepo {
	r := &ReminderRepo{
		kv:    kv,
		now:   time.Now,
		newID: snowflake.NextString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewID 对外暴露 ID 生成，派生提醒时使用
func (r *ReminderRepo) NewID() (string, error) {
	return r.newID()
}

func (r *ReminderRepo) load(ctx context.Context) ([]model.Reminder, error) {
	raw, err := r.kv.Get(ctx, keyReminders)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var list []model.Reminder
	if err := decode(raw, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// mutate fn 返回 false 表示无需写回
func (r *ReminderRepo) mutate(ctx context.Context, fn func([]model.Reminder) ([]model.Reminder, bool, error)) error {
	return r.kv.Update(ctx, keyReminders, func(current []byte) ([]byte, error) {
		var list []model.Reminder
		if err := decode(current, &list); err != nil {
			return nil, err
		}
		next, changed, err := fn(list)
		if err != nil {
			return nil, err
		}
		if !changed {
			return nil, store.ErrSkip
		}
		return encode(next)
	})
}

// Add 缺省字段补齐后写入；同 ID 已存在时原样返回已存储的记录。
func (r *ReminderRepo) Add(ctx context.Context, reminder model.Reminder) (model.Reminder, error) {
	if reminder.ScheduledAt.IsZero() {
		return model.Reminder{}, errors.MissingField.Withf("scheduled_at")
	}
	if reminder.Title == "" && reminder.Message == "" {
		return model.Reminder{}, errors.MissingField.Withf("title or message")
	}

	if reminder.ID == "" {
		id, err := r.newID()
		if err != nil {
			return model.Reminder{}, err
		}
		reminder.ID = id
	}
	if reminder.CreatedAt.IsZero() {
		reminder.CreatedAt = r.now()
	}
	if reminder.Status == "" {
		reminder.Status = model.ReminderStatusPending
	}
	if reminder.RepeatKind == "" {
		reminder.RepeatKind = model.RepeatNone
	}

	var stored model.Reminder
	err := r.mutate(ctx, func(list []model.Reminder) ([]model.Reminder, bool, error) {
		for _, existing := range list {
			if existing.ID == reminder.ID {
				stored = existing
				return list, false, nil
			}
		}
		stored = reminder
		return append(list, reminder), true, nil
	})
	if err != nil {
		return model.Reminder{}, err
	}
	return stored, nil
}

func (r *ReminderRepo) Get(ctx context.Context, id string) (model.Reminder, error) {
	list, err := r.load(ctx)
	if err != nil {
		return model.Reminder{}, err
	}
	for _, rem := range list {
		if rem.ID == id {
			return rem, nil
		}
	}
	return model.Reminder{}, errors.ReminderNotFound
}

// List 全部提醒，按 ScheduledAt 升序
func (r *ReminderRepo) List(ctx context.Context) ([]model.Reminder, error) {
	list, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	sortBySchedule(list)
	return list, nil
}

// ListPending status=pending 且未触发
func (r *ReminderRepo) ListPending(ctx context.Context) ([]model.Reminder, error) {
	list, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Reminder, 0, len(list))
	for _, rem := range list {
		if rem.Actionable() {
			out = append(out, rem)
		}
	}
	return out, nil
}

// ListUpcoming 未来 within 内待触发的提醒，按时间升序
func (r *ReminderRepo) ListUpcoming(ctx context.Context, within time.Duration) ([]model.Reminder, error) {
	pending, err := r.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	end := now.Add(within)

	out := make([]model.Reminder, 0, len(pending))
	for _, rem := range pending {
		if rem.ScheduledAt.Before(now) || rem.ScheduledAt.After(end) {
			continue
		}
		out = append(out, rem)
	}
	sortBySchedule(out)
	return out, nil
}

// MarkTriggered 返回本次调用是否真正完成了翻转；已触发时返回 false 且不报错。
// 多个轮询者并发时只有一个能拿到 true。
func (r *ReminderRepo) MarkTriggered(ctx context.Context, id string) (bool, error) {
	var flipped, found bool
	err := r.mutate(ctx, func(list []model.Reminder) ([]model.Reminder, bool, error) {
		flipped, found = false, false
		for i := range list {
			if list[i].ID != id {
				continue
			}
			found = true
			if list[i].Triggered {
				return list, false, nil
			}
			list[i].Triggered = true
			if list[i].Status == model.ReminderStatusPending {
				list[i].Status = model.ReminderStatusTriggered
			}
			flipped = true
			return list, true, nil
		}
		return list, false, nil
	})
	if err != nil {
		return false, err
	}
	if !found {
		return false, errors.ReminderNotFound
	}
	return flipped, nil
}

// MarkCompleted 记录处理结果，重复完成不报错
func (r *ReminderRepo) MarkCompleted(ctx context.Context, id string, response string) (model.Reminder, error) {
	var updated model.Reminder
	var found bool
	now := r.now()

	err := r.mutate(ctx, func(list []model.Reminder) ([]model.Reminder, bool, error) {
		found = false
		for i := range list {
			if list[i].ID != id {
				continue
			}
			found = true
			if list[i].Status == model.ReminderStatusCompleted {
				updated = list[i]
				return list, false, nil
			}
			list[i].Status = model.ReminderStatusCompleted
			list[i].Triggered = true
			list[i].Response = model.StringPtr(response)
			completedAt := now
			list[i].CompletedAt = &completedAt
			updated = list[i]
			return list, true, nil
		}
		return list, false, nil
	})
	if err != nil {
		return model.Reminder{}, err
	}
	if !found {
		return model.Reminder{}, errors.ReminderNotFound
	}
	return updated, nil
}

// Replace 在同一次读-改-写里完成 origID 并追加 derive 生成的后续提醒。
// 原提醒已完成时不再派生：有后续提醒就原样返回（created=false），
// 没有则返回 ReminderAlreadyHandled。
func (r *ReminderRepo) Replace(ctx context.Context, origID, response string, derive func(orig model.Reminder) (model.Reminder, error)) (model.Reminder, bool, error) {
	var child model.Reminder
	var created bool
	now := r.now()

	err := r.mutate(ctx, func(list []model.Reminder) ([]model.Reminder, bool, error) {
		child, created = model.Reminder{}, false
		idx := -1
		for i := range list {
			if list[i].ID == origID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, false, errors.ReminderNotFound
		}

		if list[idx].Status == model.ReminderStatusCompleted {
			existing, ok := latestChild(list, origID)
			if !ok {
				return nil, false, errors.ReminderAlreadyHandled.Withf("reminder %s", origID)
			}
			child = existing
			return list, false, nil
		}

		next, err := derive(list[idx])
		if err != nil {
			return nil, false, err
		}
		if next.ID == "" || next.ScheduledAt.IsZero() {
			return nil, false, errors.MissingField.Withf("derived reminder id or scheduled_at")
		}
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
		}
		if next.Status == "" {
			next.Status = model.ReminderStatusPending
		}

		list[idx].Status = model.ReminderStatusCompleted
		list[idx].Triggered = true
		list[idx].Response = model.StringPtr(response)
		completedAt := now
		list[idx].CompletedAt = &completedAt

		child, created = next, true
		return append(list, next), true, nil
	})
	if err != nil {
		return model.Reminder{}, false, err
	}
	return child, created, nil
}

// latestChild 最近一次从 origID 派生出的提醒
func latestChild(list []model.Reminder, origID string) (model.Reminder, bool) {
	var out model.Reminder
	found := false
	for _, rem := range list {
		if rem.OriginID == nil || *rem.OriginID != origID {
			continue
		}
		if !found || rem.CreatedAt.After(out.CreatedAt) {
			out, found = rem, true
		}
	}
	return out, found
}

// Delete 不存在时视为成功
func (r *ReminderRepo) Delete(ctx context.Context, id string) error {
	return r.mutate(ctx, func(list []model.Reminder) ([]model.Reminder, bool, error) {
		for i := range list {
			if list[i].ID == id {
				return append(list[:i:i], list[i+1:]...), true, nil
			}
		}
		return list, false, nil
	})
}

func sortBySchedule(list []model.Reminder) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].ScheduledAt.Before(list[j].ScheduledAt)
	})
}
