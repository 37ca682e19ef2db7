package migration

import (
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migration",
	fx.Invoke(func(db *gorm.DB) error {
		return RunMigrations(db)
	}),
)
