package models

import (
	"fmt"
	"log/slog"

	"gorm.io/gorm"
)

var (
	autoMigrateModels []interface{}
	rawIndexes        []rawIndex
)

type rawIndex struct {
	name string
	ddl  string
}

func RegisterAutoMigrateModels(models ...interface{}) {
	autoMigrateModels = append(autoMigrateModels, models...)
}

// RegisterIndex adds DDL that gorm tags cannot express, such as partial unique indexes.
func RegisterIndex(name, ddl string) {
	rawIndexes = append(rawIndexes, rawIndex{name: name, ddl: ddl})
}

// AutoMigrate creates or updates every registered table and index.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(autoMigrateModels...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	for _, idx := range rawIndexes {
		if err := db.Exec(idx.ddl).Error; err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
		slog.Debug("[Migrate] index ensured", "index", idx.name)
	}
	return nil
}
