// Package store persists the records the orchestrator reads and writes: pod,
// server, dotenv and the append-only command log.
package store

import (
	"embed"
	"errors"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// Store wraps the sqlite database holding control-plane state
type Store struct {
	Log *logrus.Entry
	db  *sqlx.DB
}

// Open connects to the sqlite database at path and runs pending migrations
func Open(log *logrus.Entry, path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	s := &Store{Log: log, db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(s.db.DB, "migrations")
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}
