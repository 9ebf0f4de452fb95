package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/outboundhq/sequence-engine/internal/repository"
	"gorm.io/gorm"
)

func createSendingAccountsTables() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_sending_accounts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.SendingAccountModel{}); err != nil {
				return err
			}
			if err := tx.AutoMigrate(&repository.RateLimitPolicyModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_accounts_user_active ON sending_accounts (user_id, active)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			if err := tx.Migrator().DropTable(&repository.RateLimitPolicyModel{}); err != nil {
				return err
			}
			return tx.Migrator().DropTable(&repository.SendingAccountModel{})
		},
	}
}
