package database

import (
	"fmt"
	"time"

	"github.com/wavelinehq/waveline/internal/config"
	"github.com/wavelinehq/waveline/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewPostgres creates a new PostgreSQL connection
func NewPostgres(cfg *config.DatabaseConfig, debug bool) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	// Configure connection pool
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	return db, nil
}

// MigrationModels returns all models to migrate, in dependency order
func MigrationModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Message{},
		&models.ConversationState{},
		&models.WorkflowTemplate{},
		&models.ReplyRule{},
		&models.Campaign{},
		&models.CampaignRecipient{},
		&models.DailySchedule{},
		&models.AgentSession{},
		&models.DailyMetric{},
	}
}

// AutoMigrate runs schema migrations for all models
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(MigrationModels()...); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// CreateIndexes adds composite unique indexes AutoMigrate cannot express
func CreateIndexes(db *gorm.DB) error {
	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_recipients_campaign_phone ON campaign_recipients (campaign_id, phone)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_schedules_campaign_date ON daily_schedules (campaign_id, send_date)`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// SeedReplyRules inserts the default auto-reply rules if none exist.
// The "*" fallback has the lowest priority so any specific rule wins.
func SeedReplyRules(db *gorm.DB) error {
	var count int64
	if err := db.Model(&models.ReplyRule{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	rules := []models.ReplyRule{
		{Name: "greeting", Condition: `(?i)^(hi|hello|hey|good (morning|afternoon|evening))\b`, Reply: "Hello! Thanks for reaching out. How can we help you today?", Priority: 100, IsActive: models.Bool(true)},
		{Name: "pricing", Condition: `(?i)\b(price|pricing|cost|how much)\b`, Reply: "Our pricing starts at $29/month. Reply PLANS to see all options.", Priority: 90, IsActive: models.Bool(true)},
		{Name: "support", Condition: `(?i)\b(help|support|issue|problem|broken)\b`, Reply: "Sorry to hear that! Reply AGENT to talk to a human, or describe your issue and we'll get back to you.", Priority: 90, IsActive: models.Bool(true)},
		{Name: "hours", Condition: `(?i)\b(hours|opening|closing|when are you open)\b`, Reply: "We're open 9am-5pm, Monday to Friday.", Priority: 90, IsActive: models.Bool(true)},
		{Name: "contact", Condition: `(?i)\b(contact|email|phone number|reach you|call you)\b`, Reply: "You can reach us right here on WhatsApp, or email hello@example.com.", Priority: 90, IsActive: models.Bool(true)},
		{Name: "business_hours_closed", Condition: `*`, Reply: "We're currently closed. Our business hours are 9am-5pm, Monday to Friday. We'll reply as soon as we're back!", Priority: 10, IsActive: models.Bool(true)},
		{Name: "fallback", Condition: `*`, Reply: "Thanks for your message! A team member will get back to you shortly.", Priority: 0, IsActive: models.Bool(true)},
	}
	return db.Create(&rules).Error
}
