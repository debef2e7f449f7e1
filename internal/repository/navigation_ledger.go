package repository

import (
	"context"
	"time"

	"CRMNotify/internal/model"
	"CRMNotify/pkg/store"
)

// NavigationLedger 通知导航去重账本，按投递记录认领时间和是否已完成。
//
// 同一条通知可能从前台回调、后台回调、冷启动三个入口各到一次；
// 账本放在共享存储里，主线程和后台 worker 看到的是同一份。
// 键带触发时间时精确到一次投递；只有通知 ID 时，冷却窗口外的点击按新的投递处理。
type NavigationLedger struct {
	kv        store.KV
	retention time.Duration
}

func NewNavigationLedger(kv store.KV, retention time.Duration) *NavigationLedger {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &NavigationLedger{kv: kv, retention: retention}
}

// ClaimMode 决定是否受冷却窗口约束
type ClaimMode int

const (
	// ClaimTap 点击入口：冷却期内的重复投递丢弃，精确投递完成后也丢弃
	ClaimTap ClaimMode = iota
	// ClaimReplay 恢复/重放入口：只丢弃已完成的
	ClaimReplay
)

// mutate 账本损坏时返回 STORAGE_CORRUPTED，不静默清空
func (l *NavigationLedger) mutate(ctx context.Context, now time.Time, fn func(map[string]model.HandledNavigation) bool) error {
	return l.kv.Update(ctx, keyNavigationHandled, func(current []byte) ([]byte, error) {
		entries := map[string]model.HandledNavigation{}
		if err := decode(current, &entries); err != nil {
			return nil, err
		}
		pruned := l.prune(entries, now)
		if !fn(entries) && !pruned {
			return nil, store.ErrSkip
		}
		if len(entries) == 0 {
			return nil, nil
		}
		return encode(entries)
	})
}

func (l *NavigationLedger) prune(entries map[string]model.HandledNavigation, now time.Time) bool {
	pruned := false
	for id, e := range entries {
		if now.Sub(e.ClaimedAt) > l.retention {
			delete(entries, id)
			pruned = true
		}
	}
	return pruned
}

// Claim 尝试认领一次导航，返回 false 表示应当丢弃。exact 表示 key 精确到一次投递。
func (l *NavigationLedger) Claim(ctx context.Context, key string, mode ClaimMode, cooldown time.Duration, exact bool, now time.Time) (bool, error) {
	var claimed bool
	err := l.mutate(ctx, now, func(entries map[string]model.HandledNavigation) bool {
		claimed = false
		if e, ok := entries[key]; ok && !claimable(e, mode, cooldown, now) {
			return false
		}
		entries[key] = model.HandledNavigation{ClaimedAt: now, Exact: exact}
		claimed = true
		return true
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func claimable(e model.HandledNavigation, mode ClaimMode, cooldown time.Duration, now time.Time) bool {
	if mode == ClaimReplay {
		return !e.Done
	}
	if now.Sub(e.ClaimedAt) < cooldown {
		return false
	}
	return !(e.Done && e.Exact)
}

// MarkDone 导航成功后调用
func (l *NavigationLedger) MarkDone(ctx context.Context, key string, now time.Time) error {
	return l.mutate(ctx, now, func(entries map[string]model.HandledNavigation) bool {
		e := entries[key]
		if e.Done {
			return false
		}
		if e.ClaimedAt.IsZero() {
			e.ClaimedAt = now
		}
		e.Done = true
		entries[key] = e
		return true
	})
}

func (l *NavigationLedger) Get(ctx context.Context, key string) (model.HandledNavigation, bool, error) {
	raw, err := l.kv.Get(ctx, keyNavigationHandled)
	if err == store.ErrNotFound {
		return model.HandledNavigation{}, false, nil
	}
	if err != nil {
		return model.HandledNavigation{}, false, err
	}
	entries := map[string]model.HandledNavigation{}
	if err := decode(raw, &entries); err != nil {
		return model.HandledNavigation{}, false, err
	}
	e, ok := entries[key]
	return e, ok, nil
}
