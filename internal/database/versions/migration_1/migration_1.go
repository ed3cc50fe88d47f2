package migration_1

import (
	"fmt"

	"gorm.io/gorm"
)

type Model struct {
	Labels string
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&Model{}, "labels"); err != nil {
		return fmt.Errorf("error adding Labels column: %w", err)
	}

	if err := db.Model(&Model{}).
		Where("labels IS NULL").
		Update("labels", "").Error; err != nil {
		return fmt.Errorf("error setting default value for Labels: %w", err)
	}

	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropColumn(&Model{}, "labels"); err != nil {
		return fmt.Errorf("error dropping Labels column: %w", err)
	}

	return nil
}
