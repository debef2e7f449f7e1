package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Entry kv_entries 表的一行，Value 为 NULL 表示占位（逻辑上不存在）。
type Entry struct {
	Key       string    `gorm:"column:entry_key;primaryKey;type:varchar(191)"`
	Value     []byte    `gorm:"column:entry_value;type:bytea"`
	UpdatedAt time.Time `gorm:"type:timestamptz;not null;default:now()"`
}

func (Entry) TableName() string {
	return "kv_entries"
}

// Postgres 在事务内用 SELECT ... FOR UPDATE 锁住行后再写回。
type Postgres struct {
	db *gorm.DB
}

func NewPostgres(db *gorm.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate 建表
func (p *Postgres) Migrate() error {
	return p.db.AutoMigrate(&Entry{})
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var e Entry
	err := p.db.WithContext(ctx).Where("entry_key = ?", key).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && e.Value == nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return e.Value, nil
}

func (p *Postgres) Update(ctx context.Context, key string, fn UpdateFunc) error {
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 先保证行存在，才能对不存在的 key 加行锁
		placeholder := Entry{Key: key, UpdatedAt: time.Now()}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&placeholder).Error; err != nil {
			return err
		}

		var e Entry
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("entry_key = ?", key).
			Take(&e).Error; err != nil {
			return err
		}

		next, err := fn(e.Value)
		if err != nil {
			return err
		}

		if next == nil {
			return tx.Where("entry_key = ?", key).Delete(&Entry{}).Error
		}

		return tx.Model(&Entry{}).
			Where("entry_key = ?", key).
			Updates(map[string]interface{}{
				"entry_value": next,
				"updated_at":  time.Now(),
			}).Error
	})

	if errors.Is(err, ErrSkip) {
		return nil
	}
	return err
}
