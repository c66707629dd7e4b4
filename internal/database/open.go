package database

import (
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/sessions"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	stepUppercaseSessionCodes = "2026-09-01_uppercase_session_codes"
)

var errUnsupportedDriver = errors.New("unsupported database driver")

// Config selects and addresses the durable store.
type Config struct {
	Driver string
	Path   string
	DSN    string
	Logger *zap.Logger
}

// Open connects to the configured database and brings the schema up to date.
func Open(cfg Config) (*gorm.DB, error) {
	dialector, target, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(cfg.Driver, DriverSQLite) || cfg.Driver == "" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, cfg.Logger); err != nil {
		return nil, err
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("database initialized",
			zap.String("driver", dialector.Name()),
			zap.String("target", target))
	}
	return db, nil
}

// schemaStep is a one-off data change, recorded in schema_steps once it has run.
type schemaStep struct {
	name string
	run  func(tx *gorm.DB) error
}

type appliedStep struct {
	Name      string    `gorm:"column:name;primaryKey;size:190"`
	AppliedAt time.Time `gorm:"column:applied_at;not null"`
}

func (appliedStep) TableName() string {
	return "schema_steps"
}

var schemaSteps = []schemaStep{
	{name: stepUppercaseSessionCodes, run: uppercaseSessionCodes},
}

// Migrate creates the tables, then runs every schema step not yet recorded. A step commits
// together with its record.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&sessions.Session{}, &sessions.ChatMessage{}, &appliedStep{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	var applied []string
	if err := db.Model(&appliedStep{}).Pluck("name", &applied).Error; err != nil {
		return fmt.Errorf("load schema steps: %w", err)
	}
	done := make(map[string]struct{}, len(applied))
	for _, name := range applied {
		done[name] = struct{}{}
	}

	for _, step := range schemaSteps {
		if _, ok := done[step.name]; ok {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := step.run(tx); err != nil {
				return err
			}
			return tx.Create(&appliedStep{Name: step.name, AppliedAt: time.Now().UTC()}).Error
		})
		if err != nil {
			return fmt.Errorf("schema step %s: %w", step.name, err)
		}
		logger.Info("schema step applied", zap.String("step", step.name))
	}
	return nil
}

// Join codes are looked up uppercased; older rows may hold lowercase codes.
func uppercaseSessionCodes(tx *gorm.DB) error {
	return tx.Model(&sessions.Session{}).
		Where("session_code <> UPPER(session_code)").
		Update("session_code", gorm.Expr("UPPER(session_code)")).Error
}

func dialectorFor(cfg Config) (gorm.Dialector, string, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSQLite:
		if cfg.Path == "" {
			return nil, "", fmt.Errorf("database path is required")
		}
		return sqlite.Open(cfg.Path), cfg.Path, nil
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, "", fmt.Errorf("database dsn is required")
		}
		return postgres.Open(cfg.DSN), "postgres", nil
	default:
		return nil, "", fmt.Errorf("%w: %q", errUnsupportedDriver, cfg.Driver)
	}
}
