package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/v2xlabs/v2xbench/pkg/config"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides persistence for runs and read access to the message
// records collected by the external receivers.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Run repository.
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id uint) (*Run, error)
	GetRunByName(ctx context.Context, name string) (*Run, error)
	GetRunningRun(ctx context.Context) (*Run, error)
	ListRuns(ctx context.Context, limit int, status string) ([]Run, error)
	UpdateRun(ctx context.Context, run *Run) error
	UpdateRunProgress(ctx context.Context, id uint, phase string, percent int) error
	DeleteRun(ctx context.Context, id uint) error
	ListRunsCreatedBefore(ctx context.Context, cutoff time.Time) ([]Run, error)

	// Message records. The receivers normally write this table;
	// CreateMessage exists for standalone deployments and seeding.
	CreateMessage(ctx context.Context, record *MessageRecord) error
	ListMessages(ctx context.Context, from, to float64) ([]MessageRecord, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	// The messages table is normally created by the receivers; migrating
	// it here keeps standalone deployments and tests working with the
	// same schema.
	if err := s.db.WithContext(ctx).AutoMigrate(
		&Run{},
		&MessageRecord{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// --- Run repository ---

func (s *store) CreateRun(ctx context.Context, run *Run) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	return nil
}

func (s *store) GetRun(ctx context.Context, id uint) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).First(&run, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting run by id: %w", err)
	}

	return &run, nil
}

func (s *store) GetRunByName(ctx context.Context, name string) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		Where("name = ?", name).
		First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting run by name: %w", err)
	}

	return &run, nil
}

// GetRunningRun returns the run currently in the running status, or
// ErrNotFound when no run is active.
func (s *store) GetRunningRun(ctx context.Context) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		Where("status = ?", StatusRunning).
		First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting running run: %w", err)
	}

	return &run, nil
}

// ListRuns returns the most recently created runs, optionally filtered by
// status. A non-positive limit returns all runs.
func (s *store) ListRuns(ctx context.Context, limit int, status string) ([]Run, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC, id DESC")

	if status != "" {
		q = q.Where("status = ?", status)
	}

	if limit > 0 {
		q = q.Limit(limit)
	}

	var runs []Run
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

func (s *store) UpdateRun(ctx context.Context, run *Run) error {
	if err := s.db.WithContext(ctx).Save(run).Error; err != nil {
		return fmt.Errorf("updating run: %w", err)
	}

	return nil
}

// UpdateRunProgress applies a phase event in a single statement so pollers
// never observe a torn phase/percent pair. The status guard makes late
// events after termination a no-op.
func (s *store) UpdateRunProgress(ctx context.Context, id uint, phase string, percent int) error {
	if err := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ? AND status = ?", id, StatusRunning).
		Updates(map[string]any{
			"current_phase":    phase,
			"progress_percent": percent,
		}).Error; err != nil {
		return fmt.Errorf("updating run progress: %w", err)
	}

	return nil
}

func (s *store) DeleteRun(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).Delete(&Run{}, id).Error; err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}

	return nil
}

func (s *store) ListRunsCreatedBefore(ctx context.Context, cutoff time.Time) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Order("created_at ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs before cutoff: %w", err)
	}

	return runs, nil
}

// --- Message records ---

func (s *store) CreateMessage(ctx context.Context, record *MessageRecord) error {
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("creating message record: %w", err)
	}

	return nil
}

// ListMessages returns all message records whose send timestamp falls in
// [from, to], ordered by receive timestamp. A zero `to` means unbounded.
func (s *store) ListMessages(ctx context.Context, from, to float64) ([]MessageRecord, error) {
	q := s.db.WithContext(ctx).Where("send_timestamp >= ?", from)

	if to > 0 {
		q = q.Where("send_timestamp <= ?", to)
	}

	var records []MessageRecord
	if err := q.Order("receive_timestamp ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	return records, nil
}
