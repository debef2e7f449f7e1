package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CRMNotify/internal/model"
	"CRMNotify/internal/platform"
	"CRMNotify/pkg/store"
)

func TestWireServerAndHeadlessShareStorage(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	notifier := platform.NewMemoryNotifier()
	defer notifier.Stop()

	server := Wire(Deps{KV: kv, Notifier: notifier, Location: time.UTC, ReadyTimeout: 20 * time.Millisecond})
	worker := Wire(Deps{KV: kv, Notifier: notifier, Location: time.UTC, Headless: true})

	require.NotNil(t, server.Gateway)
	require.NotNil(t, server.Navigator)
	assert.Nil(t, worker.Gateway)
	assert.Nil(t, worker.Popups)

	// worker 收到后台点击只落盘，主进程切回前台后导航
	unsubscribe := worker.Router.SetupListeners(worker.Events, nil)
	defer unsubscribe()
	worker.Events.EmitBackground(ctx, alertTap("5"))

	server.Navigator.SetReady(true)
	res := server.Router.HandleAppStateChange(ctx, model.AppStateActive)
	require.NotNil(t, res)
	assert.Equal(t, model.OutcomeRouted, res.Outcome)

	intents := server.Navigator.Intents().Drain(ctx, 0)
	require.Len(t, intents, 1)
	assert.Equal(t, model.ScreenAlertEdit, intents[0].Target)
	assert.Equal(t, "5", intents[0].Params[ParamAlertID])
}

func TestRegisterExposesComponents(t *testing.T) {
	notifier := platform.NewMemoryNotifier()
	defer notifier.Stop()
	c := Wire(Deps{KV: store.NewMemory(), Notifier: notifier})

	Register(c)
	defer Register(nil)

	assert.Same(t, c.Reminders, Reminder())
	assert.Same(t, c.Alerts, Alert())
	assert.Same(t, c.Router, Router())
	assert.Same(t, c.Navigator, NavigationOutbox())
}
