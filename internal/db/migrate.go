package db

import (
	"fanwatch/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.Target{},
		&models.MonitorConfig{},
		&models.UpdateRecord{},
		&models.CredentialRecord{},
	)
}
