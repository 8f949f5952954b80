package db

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Waiter is a client that confirmed a rendezvous request and is waiting for
// a partner on Channel.
type Waiter struct {
	ID        uint   `gorm:"primaryKey"`
	Channel   string `gorm:"uniqueIndex;not null"`
	IPAddress string `gorm:"not null"`
	Port      int    `gorm:"not null"`
	NATClass  uint16
	CreatedAt int64
}

// Open opens the sqlite database at path and migrates the schema. Use
// ":memory:" for a throwaway database.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// sqlite allows one writer, and every connection to ":memory:" would
	// see its own empty database.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Waiter{}); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return db, nil
}
