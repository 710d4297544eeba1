package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"phishlookup/internal/domain"
)

const (
	DefaultRecentLimit = 20
	MaxRecentLimit     = 200
)

// Ledger keeps the outcome of every import cycle. A nil *Ledger is valid: it
// records nothing and lists nothing.
type Ledger struct {
	db *gorm.DB
}

// Open connects to the postgres database at dsn. An empty dsn disables the
// ledger and returns nil.
func Open(dsn string) (*Ledger, error) {
	if dsn == "" {
		return nil, nil
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("history: open connection: %w", err)
	}
	return NewWithDB(db)
}

// NewWithDB wraps an existing connection and migrates the schema.
func NewWithDB(db *gorm.DB) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("history: nil database")
	}
	if err := db.AutoMigrate(&domain.ImportRun{}); err != nil {
		return nil, fmt.Errorf("history: auto migrate: %w", err)
	}
	log.Debug("Import history ready")
	return &Ledger{db: db}, nil
}

func (l *Ledger) Record(ctx context.Context, run *domain.ImportRun) error {
	if l == nil {
		return nil
	}
	if err := l.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("history: record run: %w", err)
	}
	return nil
}

// Recent lists the latest runs, newest first. limit is clamped to
// [1, MaxRecentLimit]; zero or less selects DefaultRecentLimit.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]domain.ImportRun, error) {
	runs := []domain.ImportRun{}
	if l == nil {
		return runs, nil
	}

	switch {
	case limit <= 0:
		limit = DefaultRecentLimit
	case limit > MaxRecentLimit:
		limit = MaxRecentLimit
	}

	if err := l.db.WithContext(ctx).Order("started_at DESC, id DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("history: list runs: %w", err)
	}
	return runs, nil
}

// LastImport returns the most recent successful import, or nil when there is none.
func (l *Ledger) LastImport(ctx context.Context) (*domain.ImportRun, error) {
	if l == nil {
		return nil, nil
	}

	var run domain.ImportRun
	err := l.db.WithContext(ctx).
		Where("outcome = ?", domain.RunImported).
		Order("started_at DESC, id DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: last import: %w", err)
	}
	return &run, nil
}

func (l *Ledger) Close() error {
	if l == nil {
		return nil
	}
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
