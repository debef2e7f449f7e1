package repository

import (
	"encoding/json"

	"CRMNotify/pkg/errors"
)

// 各集合在 KV 中的 key
const (
	keyReminders         = "reminders"
	keyScheduled         = "scheduled_notifications"
	keyPendingRecord     = "pending_notification"
	keyRetryNavigation   = "retry_navigation"
	keyNavigationHandled = "navigation_handled"
)

func decode[T any](raw []byte, out *T) error {
	if raw == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.StorageCorrupted.With(err)
	}
	return nil
}

func encode(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.StorageCorrupted.With(err)
	}
	return b, nil
}
