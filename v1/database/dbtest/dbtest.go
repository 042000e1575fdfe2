// Package dbtest opens throwaway databases for package tests.
package dbtest

import (
	"testing"

	"gorm.io/gorm"

	"github.com/solveshq/solves/v1/config"
	"github.com/solveshq/solves/v1/database"
)

// Open returns a migrated in-memory sqlite database closed at test end.
func Open(t testing.TB, models ...any) *gorm.DB {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, nil)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })
	if err := database.Migrate(db, models...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}
