package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/outboundhq/sequence-engine/internal/repository"
	"gorm.io/gorm"
)

func createEmailJobsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_email_jobs",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.EmailJobModel{}); err != nil {
				return err
			}
			// Partial index drives the poller's due-job scan.
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_due ON email_jobs (scheduled_at) WHERE status = 'PENDING'`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.EmailJobModel{})
		},
	}
}
