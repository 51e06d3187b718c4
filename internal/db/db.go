package db

import (
	"log"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/kestrelhq/chatrelay/internal/chat"
	"github.com/kestrelhq/chatrelay/internal/models"
)

// Connect opens the Postgres connection and migrates the schema.
func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("db open: %v", err)
	}

	if err := gdb.AutoMigrate(
		&models.Tenant{},
		&models.User{},
		&chat.Conversation{},
		&chat.Message{},
		&chat.Job{},
	); err != nil {
		log.Fatalf("db migrate: %v", err)
	}

	return gdb
}
