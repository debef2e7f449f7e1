package storage

import (
	"CRMNotify/config"
	"CRMNotify/pkg/store"
	"CRMNotify/storage/database"
	"CRMNotify/storage/mq"
	"CRMNotify/storage/redis"
)

// Init 按配置的后端初始化连接，memory 后端不连任何外部存储
func Init() error {
	switch config.Cfg.StorageBackend {
	case "postgres":
		if err := database.Init(); err != nil {
			return err
		}
	case "redis":
		if err := redis.Init(); err != nil {
			return err
		}
	}

	if config.Cfg.PlatformBackend == "amqp" {
		if err := mq.Init(); err != nil {
			return err
		}
	}
	return nil
}

// KV 返回当前后端对应的存储，须在 Init 之后调用
func KV() store.KV {
	switch config.Cfg.StorageBackend {
	case "postgres":
		return store.NewPostgres(database.DB())
	case "redis":
		return store.NewRedis(redis.Client(), redis.Key)
	default:
		return store.NewMemory()
	}
}
