package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CRMNotify/internal/model"
	"CRMNotify/pkg/errors"
	"CRMNotify/pkg/store"
)

func TestPendingSlotLastWriteWins(t *testing.T) {
	ctx := context.Background()
	slot := NewPendingSlot(store.NewMemory())

	got, err := slot.Take(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, slot.Save(ctx, model.PendingNotificationRecord{NotificationID: "a", NavigateTo: "X"}))
	require.NoError(t, slot.Save(ctx, model.PendingNotificationRecord{NotificationID: "b", NavigateTo: "Y"}))

	peeked, err := slot.Peek(ctx)
	require.NoError(t, err)
	require.NotNil(t, peeked)
	assert.Equal(t, "b", peeked.NotificationID)

	got, err = slot.Take(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "b", got.NotificationID)

	got, err = slot.Take(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPendingSlotTakeImmediateLeavesDeferred(t *testing.T) {
	ctx := context.Background()
	slot := NewPendingSlot(store.NewMemory())

	require.NoError(t, slot.Save(ctx, model.PendingNotificationRecord{NotificationID: "r1", NavigateTo: model.ScreenReminderDetail}))
	got, err := slot.TakeImmediate(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	peeked, err := slot.Peek(ctx)
	require.NoError(t, err)
	require.NotNil(t, peeked)

	require.NoError(t, slot.Save(ctx, model.PendingNotificationRecord{NotificationID: "alert_1", NavigateTo: model.ScreenAlertEdit, ShouldNavigateImmediately: true}))
	got, err = slot.TakeImmediate(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alert_1", got.NotificationID)
}

func TestRetrySlotTakeOnce(t *testing.T) {
	ctx := context.Background()
	slot := NewRetrySlot(store.NewMemory())

	require.NoError(t, slot.Save(ctx, model.NavigationIntent{Target: "EditAlert", Params: map[string]string{"id": "7"}}))
	got, err := slot.Take(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "7", got.Params["id"])

	got, err = slot.Take(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNavigationLedgerClaimRules(t *testing.T) {
	ctx := context.Background()
	ledger := NewNavigationLedger(store.NewMemory(), time.Hour)
	cooldown := 3 * time.Second
	now := baseTime
	key := "alert_1@1700000000000"

	ok, err := ledger.Claim(ctx, key, ClaimTap, cooldown, true, now)
	require.NoError(t, err)
	assert.True(t, ok)

	// 冷却期内的重复点击
	ok, err = ledger.Claim(ctx, key, ClaimTap, cooldown, true, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	// 重放不受冷却约束
	ok, err = ledger.Claim(ctx, key, ClaimReplay, cooldown, true, now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	// 同一次投递完成后，任何入口都不再处理
	require.NoError(t, ledger.MarkDone(ctx, key, now.Add(2*time.Second)))
	ok, err = ledger.Claim(ctx, key, ClaimReplay, cooldown, true, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = ledger.Claim(ctx, key, ClaimTap, cooldown, true, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	// 冷却过后未完成的可以重新认领
	ok, err = ledger.Claim(ctx, "n2", ClaimTap, cooldown, false, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = ledger.Claim(ctx, "n2", ClaimTap, cooldown, false, now.Add(4*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNavigationLedgerBareIDDoneOnlyWithinCooldown(t *testing.T) {
	ctx := context.Background()
	ledger := NewNavigationLedger(store.NewMemory(), 24*time.Hour)
	cooldown := 3 * time.Second

	ok, err := ledger.Claim(ctx, "alert_5", ClaimTap, cooldown, false, baseTime)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, ledger.MarkDone(ctx, "alert_5", baseTime))

	ok, err = ledger.Claim(ctx, "alert_5", ClaimTap, cooldown, false, baseTime.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	// 已导航的记录不会被重放
	ok, err = ledger.Claim(ctx, "alert_5", ClaimReplay, cooldown, false, baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	// 同一告警一小时后再次投递，是新的点击
	ok, err = ledger.Claim(ctx, "alert_5", ClaimTap, cooldown, false, baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	e, found, err := ledger.Get(ctx, "alert_5")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, e.Done)
}

func TestNavigationLedgerCorruptedState(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	require.NoError(t, store.Set(ctx, kv, keyNavigationHandled, []byte("{broken")))

	ledger := NewNavigationLedger(kv, time.Hour)
	_, err := ledger.Claim(ctx, "n1", ClaimTap, time.Second, false, baseTime)
	assert.ErrorIs(t, err, errors.StorageCorrupted)

	// 损坏的数据保持原样，不被覆盖
	raw, err := kv.Get(ctx, keyNavigationHandled)
	require.NoError(t, err)
	assert.Equal(t, "{broken", string(raw))
}

func TestNavigationLedgerPrunesOldEntries(t *testing.T) {
	ctx := context.Background()
	ledger := NewNavigationLedger(store.NewMemory(), time.Hour)

	require.NoError(t, ledger.MarkDone(ctx, "old", baseTime))
	ok, err := ledger.Claim(ctx, "new", ClaimTap, time.Second, false, baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	_, found, err := ledger.Get(ctx, "old")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestScheduledRepoPutRemove(t *testing.T) {
	ctx := context.Background()
	repo := NewScheduledRepo(store.NewMemory())

	require.NoError(t, repo.Put(ctx, model.ScheduledNotification{NotificationID: "alert_2", FiresAt: baseTime.Add(2 * time.Hour)}))
	require.NoError(t, repo.Put(ctx, model.ScheduledNotification{NotificationID: "alert_1", FiresAt: baseTime.Add(time.Hour)}))
	require.NoError(t, repo.Put(ctx, model.ScheduledNotification{NotificationID: "alert_2", FiresAt: baseTime.Add(3 * time.Hour)}))

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alert_1", list[0].NotificationID)
	assert.Equal(t, baseTime.Add(3*time.Hour), list[1].FiresAt)

	removed, err := repo.Remove(ctx, "alert_1")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = repo.Remove(ctx, "alert_1")
	require.NoError(t, err)
	assert.False(t, removed)

	_, ok, err := repo.Get(ctx, "alert_2")
	require.NoError(t, err)
	assert.True(t, ok)
}
