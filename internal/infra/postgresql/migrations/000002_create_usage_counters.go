package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/outboundhq/sequence-engine/internal/repository"
	"gorm.io/gorm"
)

func createUsageCountersTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_usage_counters",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.UsageCounterModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.UsageCounterModel{})
		},
	}
}
