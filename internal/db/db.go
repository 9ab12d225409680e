// Package db opens the registry database and brings its schema up to date.
package db

import (
	"embed"
	"time"

	"github.com/alapierre/go-fiscal-engine/fiscal/registry"
	"github.com/alapierre/go-fiscal-engine/fiscal/util"
	"github.com/alapierre/go-fiscal-engine/internal/config"
	"github.com/go-faster/errors"
	migrate "github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var logger = logrus.WithField("component", "db")

//go:embed migrations/*.sql
var migrations embed.FS

const (
	connectAttempts = 10
	retryDelay      = 2 * time.Second
)

// Open connects with retries, then runs SQL migrations when cfg.Migrations is
// set and AutoMigrate otherwise.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	level := gormlogger.Silent
	if util.SQLTraceEnabled() {
		level = gormlogger.Info
	}
	gcfg := &gorm.Config{Logger: gormlogger.Default.LogMode(level)}

	var (
		db  *gorm.DB
		err error
	)
	for i := 0; i < connectAttempts; i++ {
		db, err = gorm.Open(dialector(cfg), gcfg)
		if err == nil {
			break
		}
		logger.WithError(err).WithField("attempt", i+1).Warn("Retrying DB connection")
		time.Sleep(retryDelay)
	}
	if err != nil {
		return nil, errors.Wrap(err, "connect database")
	}

	if err := db.Exec("SELECT 1").Error; err != nil {
		return nil, errors.Wrap(err, "db ping")
	}

	if cfg.Driver == "sqlite" {
		// sqlite allows one writer; serialize through a single connection
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if cfg.Migrations {
		if err := runSQLMigrations(db); err != nil {
			return nil, errors.Wrap(err, "sql migrations")
		}
	} else if err := registry.AutoMigrate(db); err != nil {
		return nil, errors.Wrap(err, "automigrate")
	}

	for _, table := range []string{"fiscal_documents", "fiscal_document_items", "series_sequences"} {
		if !db.Migrator().HasTable(table) {
			return nil, errors.New("missing table after migration: " + table)
		}
	}

	logger.WithField("driver", cfg.Driver).Info("Database ready")
	return db, nil
}

func dialector(cfg config.DatabaseConfig) gorm.Dialector {
	if cfg.Driver == "postgres" {
		return gormpostgres.Open(cfg.DSN)
	}
	return sqlite.Open(cfg.DSN)
}

func runSQLMigrations(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	version, dirty, _ := m.Version()
	logger.WithFields(logrus.Fields{"version": version, "dirty": dirty}).Info("SQL migrations applied")
	return nil
}
