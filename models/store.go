package models

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/modularity/mbs/messaging"
)

// Store owns the persistent state: module builds, components and their
// trace logs. All mutations go through WithSession.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens (or creates) the SQLite database at path and migrates the
// schema. Use ":memory:" for an ephemeral store.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	// One connection: SQLite serializes writers anyway, and every new
	// connection to ":memory:" would be a fresh empty database.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&ModuleBuild{},
		&ComponentBuild{},
		&ModuleBuildTrace{},
		&ComponentBuildTrace{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	logger.Debug("Opened store", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// WithSession runs fn inside a transaction. Before commit, a trace row
// is appended for every dirty entity whose state changed. On success it
// returns the events staged for publication during the session; on
// error the transaction is rolled back and staged events are discarded.
func (s *Store) WithSession(ctx context.Context, fn func(*Session) error) ([]messaging.Event, error) {
	var outbox []messaging.Event

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sess := newSession(tx)
		if err := fn(sess); err != nil {
			return err
		}
		if err := sess.flushTraces(); err != nil {
			return err
		}
		outbox = sess.outbox
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outbox, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
