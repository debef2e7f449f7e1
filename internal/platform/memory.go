package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"CRMNotify/internal/model"
)

// MemoryNotifier 进程内定时通知，到期后调用 OnFired
type MemoryNotifier struct {
	mu       sync.Mutex
	channels map[string]Channel
	pending  map[string]memoryTrigger
	onFired  FiredHandler
	now      func() time.Time
	seq      uint64

	// Reject 非 nil 时所有创建请求返回该错误，模拟系统拒绝
	Reject error
}

type memoryTrigger struct {
	n       model.Notification
	trigger Trigger
	timer   *time.Timer
	seq     uint64
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{
		channels: make(map[string]Channel),
		pending:  make(map[string]memoryTrigger),
		now:      time.Now,
	}
}

// WithClock 测试用，只影响到期校验，不影响计时器
func (m *MemoryNotifier) WithClock(now func() time.Time) *MemoryNotifier {
	m.now = now
	return m
}

func (m *MemoryNotifier) OnFired(h FiredHandler) {
	m.mu.Lock()
	m.onFired = h
	m.mu.Unlock()
}

func (m *MemoryNotifier) CreateChannel(ctx context.Context, ch Channel) error {
	m.mu.Lock()
	m.channels[ch.ID] = ch
	m.mu.Unlock()
	return nil
}

func (m *MemoryNotifier) CreateTriggerNotification(ctx context.Context, n model.Notification, trigger Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Reject != nil {
		return m.Reject
	}
	if n.ChannelID != "" {
		if _, ok := m.channels[n.ChannelID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownChannel, n.ChannelID)
		}
	}
	delay := trigger.Timestamp.Sub(m.now())
	if delay <= 0 {
		return ErrInvalidTrigger
	}

	if old, ok := m.pending[n.ID]; ok {
		old.timer.Stop()
	}

	m.seq++
	seq := m.seq
	m.pending[n.ID] = memoryTrigger{
		n:       n,
		trigger: trigger,
		seq:     seq,
		timer:   time.AfterFunc(delay, func() { m.fire(n.ID, seq) }),
	}
	return nil
}

func (m *MemoryNotifier) fire(id string, seq uint64) {
	m.mu.Lock()
	entry, ok := m.pending[id]
	if !ok || entry.seq != seq {
		m.mu.Unlock()
		return
	}
	delete(m.pending, id)
	h := m.onFired
	m.mu.Unlock()

	if h != nil {
		h(context.Background(), entry.n)
	}
}

func (m *MemoryNotifier) CancelNotification(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.pending[id]; ok {
		entry.timer.Stop()
		delete(m.pending, id)
	}
	return nil
}

func (m *MemoryNotifier) TriggerNotificationIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Pending 当前登记的触发，测试用
func (m *MemoryNotifier) Pending(id string) (model.Notification, Trigger, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.pending[id]
	return entry.n, entry.trigger, ok
}

// Stop 停掉所有计时器
func (m *MemoryNotifier) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, entry := range m.pending {
		entry.timer.Stop()
		delete(m.pending, id)
	}
}
