package db

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/helpdesk/backend/internal/logging"
)

// Document is the row backing every stored document: one JSONB body per (collection, id).
type Document struct {
	Collection string            `gorm:"primaryKey;size:64"`
	ID         string            `gorm:"primaryKey;size:64"`
	Data       datatypes.JSONMap `gorm:"type:jsonb;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName pins the table name used by raw statements in the docstore.
func (Document) TableName() string { return "documents" }

// New creates a new GORM database connection using the provided DSN.
func New(dsn string) (*gorm.DB, error) {
	gormLogger := logger.Default.LogMode(logger.Warn)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)

	logging.Info().Msg("connected to database")
	return db, nil
}

// Migrate creates the documents table and the indexes the feed queries rely on.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Document{}); err != nil {
		return err
	}
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS documents_tickets_owner_idx ON documents ((data->>'userId'), (data->'createdAt')) WHERE collection = 'tickets'`,
		`CREATE INDEX IF NOT EXISTS documents_created_idx ON documents (collection, (data->'createdAt'))`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
