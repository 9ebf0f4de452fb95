package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/outboundhq/sequence-engine/internal/repository"
	"gorm.io/gorm"
)

func createContactProgressTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000005_create_contact_progress",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.ContactProgressModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_progress_campaign_status ON contact_progress (campaign_id, status)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.ContactProgressModel{})
		},
	}
}
