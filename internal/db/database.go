package db

import (
	"log"

	"hub-backend/internal/config"
	"hub-backend/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func InitDB() {
	var err error

	if config.AppConfig == nil || config.AppConfig.Database.DSN == "" {
		log.Fatalf("Database DSN is required")
	}

	dsn := config.AppConfig.Database.DSN

	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
		DisableAutomaticPing:                     true,
		PrepareStmt:                              true,
		CreateBatchSize:                          1000,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.Fatalf("Failed to connect database: %v", err)
	}

	log.Println("✅ Database connected successfully")

	// Auto migrate all models
	log.Println("🚀 Starting database schema migration with GORM AutoMigrate...")

	if err := DB.AutoMigrate(
		&models.TransferRecord{},
		&models.ConfirmationRecord{},
		&models.NullifierRecord{},
		&models.CommitmentLeafRecord{},
		&models.AuditRecord{},
	); err != nil {
		log.Fatalf("AutoMigrate failed: %v", err)
	}

	log.Println("✅ Database schema migrated successfully")
}

// CloseDB closes the underlying connection pool. Called on shutdown.
func CloseDB() {
	if DB == nil {
		return
	}
	sqlDB, err := DB.DB()
	if err != nil {
		log.Printf("⚠️ Failed to get underlying sql.DB: %v", err)
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Printf("⚠️ Failed to close database: %v", err)
	}
}
