package platform

import (
	"context"
	"sort"
	"sync"

	"CRMNotify/internal/model"
)

// EventHub 进程内事件源。HTTP 接口和 MQ 消费者把平台事件投进来，
// 订阅者按注册顺序同步收到回调。
type EventHub struct {
	mu         sync.Mutex
	nextID     int
	foreground map[int]EventHandler
	background map[int]EventHandler
	initial    *model.Notification
}

func NewEventHub() *EventHub {
	return &EventHub{
		foreground: make(map[int]EventHandler),
		background: make(map[int]EventHandler),
	}
}

// SetInitialNotification 记录冷启动通知，被 InitialNotification 读取一次后清除
func (h *EventHub) SetInitialNotification(n model.Notification) {
	h.mu.Lock()
	h.initial = &n
	h.mu.Unlock()
}

func (h *EventHub) InitialNotification(ctx context.Context) (*model.Notification, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.initial
	h.initial = nil
	return n, nil
}

func (h *EventHub) OnForegroundEvent(fn EventHandler) func() {
	return h.subscribe(h.foreground, fn)
}

func (h *EventHub) OnBackgroundEvent(fn EventHandler) func() {
	return h.subscribe(h.background, fn)
}

func (h *EventHub) subscribe(set map[int]EventHandler, fn EventHandler) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	set[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(set, id)
			h.mu.Unlock()
		})
	}
}

// EmitForeground 返回收到事件的订阅者数量
func (h *EventHub) EmitForeground(ctx context.Context, ev model.NotificationEvent) int {
	return h.emit(ctx, h.foreground, ev)
}

func (h *EventHub) EmitBackground(ctx context.Context, ev model.NotificationEvent) int {
	return h.emit(ctx, h.background, ev)
}

func (h *EventHub) emit(ctx context.Context, set map[int]EventHandler, ev model.NotificationEvent) int {
	h.mu.Lock()
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	handlers := make([]EventHandler, 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		handlers = append(handlers, set[id])
	}
	h.mu.Unlock()

	for _, fn := range handlers {
		fn(ctx, ev)
	}
	return len(handlers)
}
