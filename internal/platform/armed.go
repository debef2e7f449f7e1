package platform

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"CRMNotify/internal/model"
	"CRMNotify/pkg/errors"
	"CRMNotify/pkg/store"
)

const (
	keyArmedTriggers = "platform_triggers"
	keyChannels      = "platform_channels"
)

// armedTrigger 已登记的触发。投递出去的延迟消息带着 Token，
// 到期时 Token 不一致说明已被取消或被重新调度覆盖。
type armedTrigger struct {
	Notification model.Notification `json:"notification"`
	FiresAt      time.Time          `json:"fires_at"`
	Token        string             `json:"token"`
}

// registry 登记表放在共享 KV 中，server 和 worker 看到同一份
type registry struct {
	kv     store.KV
	logger *zap.Logger
}

func decodeRegistry[T any](raw []byte, out *T) error {
	if raw == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.StorageCorrupted.With(err)
	}
	return nil
}

func (r registry) update(ctx context.Context, fn func(map[string]armedTrigger) bool) error {
	return r.kv.Update(ctx, keyArmedTriggers, func(current []byte) ([]byte, error) {
		armed := map[string]armedTrigger{}
		if err := decodeRegistry(current, &armed); err != nil {
			return nil, err
		}
		if !fn(armed) {
			return nil, store.ErrSkip
		}
		if len(armed) == 0 {
			return nil, nil
		}
		return json.Marshal(armed)
	})
}

func (r registry) arm(ctx context.Context, t armedTrigger) error {
	return r.update(ctx, func(armed map[string]armedTrigger) bool {
		armed[t.Notification.ID] = t
		return true
	})
}

// disarm token 为空时无条件移除；返回是否移除了与 token 匹配的记录
func (r registry) disarm(ctx context.Context, id, token string) (bool, error) {
	var removed bool
	err := r.update(ctx, func(armed map[string]armedTrigger) bool {
		removed = false
		t, ok := armed[id]
		if !ok || (token != "" && t.Token != token) {
			return false
		}
		delete(armed, id)
		removed = true
		return true
	})
	return removed, err
}

func (r registry) lookup(ctx context.Context, id string) (armedTrigger, bool, error) {
	armed, err := r.all(ctx)
	if err != nil {
		return armedTrigger{}, false, err
	}
	t, ok := armed[id]
	return t, ok, nil
}

func (r registry) all(ctx context.Context) (map[string]armedTrigger, error) {
	raw, err := r.kv.Get(ctx, keyArmedTriggers)
	if err == store.ErrNotFound {
		return map[string]armedTrigger{}, nil
	}
	if err != nil {
		return nil, err
	}
	armed := map[string]armedTrigger{}
	if err := decodeRegistry(raw, &armed); err != nil {
		return nil, err
	}
	return armed, nil
}

func (r registry) ids(ctx context.Context) ([]string, error) {
	armed, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(armed))
	for id := range armed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// saveChannel 渠道表损坏时记日志后重建；调度前都会重新创建渠道，重建即恢复
func (r registry) saveChannel(ctx context.Context, ch Channel) error {
	return r.kv.Update(ctx, keyChannels, func(current []byte) ([]byte, error) {
		channels := map[string]Channel{}
		if err := decodeRegistry(current, &channels); err != nil {
			r.logger.Warn("Channel registry corrupted, rebuilding",
				zap.String("channel_id", ch.ID),
				zap.Error(err),
			)
			channels = map[string]Channel{}
		}
		if existing, ok := channels[ch.ID]; ok && existing == ch {
			return nil, store.ErrSkip
		}
		channels[ch.ID] = ch
		return json.Marshal(channels)
	})
}

func (r registry) hasChannel(ctx context.Context, id string) (bool, error) {
	raw, err := r.kv.Get(ctx, keyChannels)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	channels := map[string]Channel{}
	if err := decodeRegistry(raw, &channels); err != nil {
		return false, err
	}
	_, ok := channels[id]
	return ok, nil
}
