package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/jmoiron/sqlx"
	migrate "github.com/rubenv/sql-migrate"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/zenith-oss/groupguard/resources"
)

type sqliteClient struct {
	db    *sqlx.DB
	mutex sync.RWMutex
}

func NewSQLiteClient(ctx context.Context, dir string, dbPath string) (*sqliteClient, error) {
	dbx, err := sqlx.Open("sqlite", filepath.Join(dir, dbPath))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	dbx.SetMaxOpenConns(42)

	migrationsSource := &migrate.EmbedFileSystemMigrationSource{
		FileSystem: resources.FS,
		Root:       "migrations",
	}
	if _, _, err := migrate.PlanMigration(dbx.DB, "sqlite3", migrationsSource, migrate.Up, 0); err != nil {
		return nil, fmt.Errorf("migrate plan failed: %w", err)
	}

	n, err := migrate.Exec(dbx.DB, "sqlite3", migrationsSource, migrate.Up)
	if err != nil {
		return nil, fmt.Errorf("migrate up failed: %w", err)
	}
	if n > 0 {
		log.Infof("applied %d migrations", n)
	}

	if _, err := dbx.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &sqliteClient{db: dbx}, nil
}

func (s *sqliteClient) Close() error {
	return s.db.Close()
}

func (s *sqliteClient) Start(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqliteClient) Stop(ctx context.Context) error {
	return s.Close()
}
