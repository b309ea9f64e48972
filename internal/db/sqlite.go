package db

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mbaxszy7/mnemora/internal/pkg/logger"
	"github.com/mbaxszy7/mnemora/internal/types"
)

type SQLiteService struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewSQLiteService opens (or creates) the single-file store every stage loop
// shares. busy_timeout matters here: multiple stage loops issue conditional
// updates against the same file, and a short write lock must not surface as
// a claim failure.
func NewSQLiteService(path string, log *logger.Logger) (*SQLiteService, error) {
	serviceLog := log.With("service", "SQLiteService")

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	serviceLog.Info("Opening SQLite store", "path", path)
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite at %s: %w", path, err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("db: unwrap sql.DB: %w", err)
	}
	// SQLite serializes writers anyway; a single connection avoids spurious
	// SQLITE_BUSY under concurrent stage loops.
	sqlDB.SetMaxOpenConns(1)

	return &SQLiteService{db: gdb, log: serviceLog}, nil
}

func (s *SQLiteService) AutoMigrateAll() error {
	s.log.Info("Auto migrating tables...")
	err := s.db.AutoMigrate(
		&types.Screenshot{},
		&types.AnalysisBatch{},
		&types.SummaryWindow{},
		&types.GraphNode{},
		&types.GraphEdge{},
		&types.NodeScreenshot{},
		&types.Thread{},
	)
	if err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	return nil
}

func (s *SQLiteService) DB() *gorm.DB {
	return s.db
}
