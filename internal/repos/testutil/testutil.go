package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/yungbote/studyforge-backend/internal/logger"
	"github.com/yungbote/studyforge-backend/internal/types"
)

var dbSeq atomic.Int64

// DB opens a fresh in-memory SQLite database with the full schema.
// A single connection is shared so concurrent test goroutines serialize
// at the driver instead of tripping SQLITE_BUSY.
func DB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared&_busy_timeout=10000", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(
		&types.ContentUnit{},
		&types.SourceFile{},
		&types.ContentChunk{},
		&types.StudyArtifact{},
		&types.PipelineJob{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_pipeline_job_dedupe_active
		ON pipeline_job (dedupe_key)
		WHERE dedupe_key <> '' AND status IN ('pending', 'processing')
	`).Error; err != nil {
		t.Fatalf("dedupe index: %v", err)
	}
	return db
}

func Logger(t *testing.T) *logger.Logger {
	t.Helper()
	return logger.NewNop()
}
