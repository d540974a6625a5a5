package database

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/ManuelReschke/qwork/app/models"
	"github.com/ManuelReschke/qwork/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

// Models lists every table owned by the application, in dependency order.
func Models() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Subscriber{},
		&models.Clinic{},
		&models.Payment{},
		&models.EvaluationBatch{},
		&models.WebhookLog{},
		&models.AuditLog{},
	}
}

// DSN builds the MySQL connection string from DB_* settings.
func DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", ""),
	)
}

// SetupDatabase connects with retries and panics when the database stays
// unreachable. Schema changes go through cmd/migrate; AutoMigrate only runs
// when DB_AUTO_MIGRATE is set.
func SetupDatabase() *gorm.DB {
	var err error
	for i := 0; i < maxRetries; i++ {
		var db *gorm.DB
		db, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       DSN(),
			DefaultStringSize:         256,
			DisableDatetimePrecision:  true,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), &gorm.Config{
			// Duplicate ledger inserts surface as gorm.ErrDuplicatedKey
			TranslateError: true,
		})
		if err == nil {
			if env.GetBool("DB_AUTO_MIGRATE", false) {
				if err := db.AutoMigrate(Models()...); err != nil {
					panic(fmt.Errorf("auto migrate: %w", err))
				}
			}
			return db
		}

		log.Warnf("[Database] Failed to connect (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}

	panic(err)
}
