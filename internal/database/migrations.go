package database

import (
	"errors"
	"time"

	"github.com/mushrhyme/easy-rebate-sub001/internal/items"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillItemFieldData = "2026-10-01_backfill_item_field_data"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillItemFieldData, apply: backfillItemFieldData},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillItemFieldData replaces blank field payloads imported before the
// column became mandatory JSON. Item versions belong to the CAS write path and
// are never touched here.
func backfillItemFieldData(db *gorm.DB) error {
	return db.Model(&items.Item{}).
		Where("TRIM(field_data_json) = ''").
		Update("field_data_json", "{}").Error
}
