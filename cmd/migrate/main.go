package main

import (
	"fmt"
	"log"
	"os"

	"triggerflow/internal/config"
	"triggerflow/internal/models"

	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		db := cfg.Database
		dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
			db.Host, db.User, db.Password, db.Name, db.Port, db.SSLMode)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	err = db.AutoMigrate(
		&models.User{},
		&models.Integration{},
		&models.Automation{},
		&models.Event{},
		&models.ExecutionLog{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	log.Println("Creating additional indexes...")

	// Partial index for the poller's due-selection scan.
	db.Exec("CREATE INDEX IF NOT EXISTS idx_automations_due_polls ON automations(trigger_type, next_poll_at) WHERE active AND trigger_type = 'polling'")

	// Dispatcher claims unprocessed events oldest first.
	db.Exec("CREATE INDEX IF NOT EXISTS idx_events_pending ON events(processed, created_at)")

	log.Println("Indexes created successfully!")
}
