package db

import (
	"fmt"

	"go_commitfest/internal/model"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Migrate runs database migrations for all models
func Migrate(db *gorm.DB) error {
	logrus.Info("Starting database migration...")

	// List of all models to migrate
	models := []interface{}{
		&model.User{},
		&model.Committer{},
		&model.UserExtraEmail{},
		&model.UserProfile{},
		&model.Cycle{},
		&model.Tag{},
		&model.TargetVersion{},
		&model.Patch{},
		&model.PatchOnCycle{},
		&model.PatchHistory{},
		&model.PendingNotification{},
		&model.MailThread{},
		&model.MailThreadAttachment{},
		&model.CfbotBranch{},
		&model.CfbotTask{},
		&model.QueuedMail{},
	}

	// Run AutoMigrate for all models
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	// History actor check: exactly one of by_user_id / by_cfbot. MySQL
	// enforces CHECK constraints since 8.0; older servers parse and
	// ignore it, which is acceptable for a defense-in-depth guard.
	if db.Dialector.Name() == "mysql" {
		if !db.Migrator().HasConstraint(&model.PatchHistory{}, "chk_history_actor") {
			err := db.Exec(`ALTER TABLE patch_histories ADD CONSTRAINT chk_history_actor
				CHECK ((by_cfbot = TRUE AND by_user_id IS NULL)
					OR (by_cfbot = FALSE AND by_user_id IS NOT NULL))`).Error
			if err != nil {
				return fmt.Errorf("failed to add history actor constraint: %w", err)
			}
		}
	}

	logrus.Infof("Database migration completed successfully (%d tables)", len(models))
	return nil
}
