package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/yungbote/studyforge-backend/internal/config"
	"github.com/yungbote/studyforge-backend/internal/logger"
	"github.com/yungbote/studyforge-backend/internal/types"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(cfg *config.Config, log *logger.Logger) (*PostgresService, error) {
	serviceLog := log.With("service", "PostgresService")

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresName)

	serviceLog.Info("Connecting to Postgres...")
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := gdb.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return nil, fmt.Errorf("enable uuid-ossp extension: %w", err)
	}

	return &PostgresService{db: gdb, log: serviceLog}, nil
}

func (s *PostgresService) DB() *gorm.DB { return s.db }

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	if err := s.db.AutoMigrate(
		&types.ContentUnit{},
		&types.SourceFile{},
		&types.ContentChunk{},
		&types.StudyArtifact{},
		&types.PipelineJob{},
	); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	// One active (non-terminal) job per dedupe key. The enqueue path checks
	// first, the index closes the race between concurrent gate evaluations.
	if err := s.db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_pipeline_job_dedupe_active
		ON pipeline_job (dedupe_key)
		WHERE dedupe_key <> '' AND status IN ('pending', 'processing')
	`).Error; err != nil {
		s.log.Error("Dedupe index creation failed", "error", err)
		return err
	}
	return nil
}
