package db

import (
	"log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/pagelens/pagelens/internal/models"
	"github.com/pagelens/pagelens/internal/query"
	"github.com/pagelens/pagelens/internal/session"
)

// Connect opens the database and migrates the schema.
func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}

	if err := gdb.AutoMigrate(
		&models.User{},
		&session.AuthSession{},
		&session.AnonSession{},
		&query.Job{},
	); err != nil {
		log.Fatalf("db migrate: %v", err)
	}

	return gdb
}
