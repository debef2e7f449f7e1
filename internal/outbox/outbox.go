// Package outbox 面向 UI 层的出站队列：导航意图和提醒弹窗。
//
// UI 通过 HTTP 长轮询取走条目；导航容器挂载完成后上报就绪，卸载时上报未就绪。
package outbox

import (
	"context"
	"sync"
	"time"

	"CRMNotify/internal/model"
)

// Queue 有界 FIFO，支持阻塞读取
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	limit  int
	notify chan struct{}
}

func NewQueue[T any](limit int) *Queue[T] {
	if limit <= 0 {
		limit = 64
	}
	return &Queue[T]{limit: limit, notify: make(chan struct{})}
}

// Push 超出上限时丢弃最旧的条目
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	if len(q.items) > q.limit {
		q.items = q.items[len(q.items)-q.limit:]
	}
	close(q.notify)
	q.notify = make(chan struct{})
	q.mu.Unlock()
}

// Drain 取走全部条目，队列为空时最多等待 wait
func (q *Queue[T]) Drain(ctx context.Context, wait time.Duration) []T {
	q.mu.Lock()
	if len(q.items) > 0 || wait <= 0 {
		out := q.items
		q.items = nil
		q.mu.Unlock()
		return out
	}
	ch := q.notify
	q.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-ch:
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Navigator 实现导航网关所需的 Navigator：导航即把意图放入出站队列
type Navigator struct {
	mu      sync.RWMutex
	ready   bool
	intents *Queue[model.NavigationIntent]
}

func NewNavigator(limit int) *Navigator {
	return &Navigator{intents: NewQueue[model.NavigationIntent](limit)}
}

func (n *Navigator) IsReady() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ready
}

// SetReady 返回是否由未就绪变为就绪
func (n *Navigator) SetReady(ready bool) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	became := ready && !n.ready
	n.ready = ready
	return became
}

func (n *Navigator) Navigate(ctx context.Context, intent model.NavigationIntent) error {
	n.intents.Push(intent)
	return nil
}

func (n *Navigator) Intents() *Queue[model.NavigationIntent] {
	return n.intents
}

// Popup 提醒弹窗
type Popup struct {
	Reminder model.Reminder `json:"reminder"`
	RaisedAt time.Time      `json:"raised_at"`
}

// Popups 弹窗队列
type Popups struct {
	*Queue[Popup]
}

func NewPopups(limit int) *Popups {
	return &Popups{Queue: NewQueue[Popup](limit)}
}
