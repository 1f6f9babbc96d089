package database

import (
	"fmt"
	"log"

	"gorm.io/gorm"

	"taranqi/models"
)

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.KVEntry{}); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Println("[DB] Migrations completed")
	return nil
}
