package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/outboundhq/sequence-engine/internal/repository"
	"gorm.io/gorm"
)

func createCampaignTables() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_campaigns",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(
				&repository.CampaignModel{},
				&repository.EmailStepModel{},
				&repository.StepConditionModel{},
				&repository.ContactModel{},
			); err != nil {
				return err
			}
			indexes := []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_steps_campaign_number ON email_steps (campaign_id, step_number)`,
				`CREATE INDEX IF NOT EXISTS idx_contacts_user_email ON contacts (user_id, email)`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(
				&repository.ContactModel{},
				&repository.StepConditionModel{},
				&repository.EmailStepModel{},
				&repository.CampaignModel{},
			)
		},
	}
}
