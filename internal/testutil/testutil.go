package testutil

import (
	"path/filepath"
	"testing"

	"gorm.io/gorm"

	"github.com/mbaxszy7/mnemora/internal/db"
	"github.com/mbaxszy7/mnemora/internal/pkg/logger"
)

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	return logger.NewNop()
}

// DB opens a fresh migrated SQLite store in the test's temp dir. Every test
// gets its own file, so there is no cross-test state and no rollback dance.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()
	svc, err := db.NewSQLiteService(filepath.Join(tb.TempDir(), "test.db"), Logger(tb))
	if err != nil {
		tb.Fatalf("failed to init test db: %v", err)
	}
	if err := svc.AutoMigrateAll(); err != nil {
		tb.Fatalf("failed to migrate test db: %v", err)
	}
	return svc.DB()
}
