package db

import (
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// NewTest opens an isolated in-memory sqlite database for tests.
func NewTest() (*gorm.DB, error) {
	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	// A pooled :memory: connection is a distinct database; keep exactly one.
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	return conn, nil
}
