package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
)

//go:embed migrations/*.sql
var fs embed.FS

type Storage struct {
	db  *sqlx.DB
	log *slog.Logger
}

// New opens (or creates) the sqlite database at dbFilename and applies
// pending migrations. An empty filename opens a private in-memory database,
// used by tests.
func New(dbFilename string, log *slog.Logger) (*Storage, error) {
	db, err := sqlx.Connect("sqlite", connectionString(dbFilename))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	row := db.QueryRow("select sqlite_version()")

	var version string
	err = row.Scan(&version)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve sqlite version: %w", err)
	}

	log.Info("Using sqlite version: " + version)

	s := &Storage{
		db:  db,
		log: log,
	}

	if err = s.migrateDB(db); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func connectionString(filename string) string {
	var cs string
	var options = []string{"_pragma=busy_timeout(5000)", "_pragma=journal_mode(WAL)", "_pragma=foreign_keys(1)", "_pragma=synchronous(normal)"}

	if filename != "" {
		cs = filename
	} else {
		cs = "file:" + randomAlphanumeric(16)
		options = append(options, "mode=memory", "cache=shared")
	}

	for i, o := range options {
		if i == 0 {
			cs += "?"
		} else {
			cs += "&"
		}
		cs += o
	}

	return cs
}

const alphaNumericChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomAlphanumeric(length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = alphaNumericChars[rand.Intn(len(alphaNumericChars))]
	}
	return string(b)
}

func (s *Storage) migrateDB(db *sqlx.DB) error {
	d, err := iofs.New(fs, "migrations")
	if err != nil {
		return fmt.Errorf("load db migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("load migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", d, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrate with instance: %w", err)
	}

	err = m.Up()

	if err == migrate.ErrNoChange {
		s.log.Info("No migrations have been applied. The DB is at the latest state.")
	} else if err != nil {
		return fmt.Errorf("applying db migrations: %w", err)
	}

	return nil
}

type storageContextKey string

func (s *Storage) StartTransaction(ctx context.Context) (context.Context, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ctx, err
	}

	return context.WithValue(ctx, storageContextKey("storage.transaction"), tx), nil
}

func (s *Storage) CommitTransaction(ctx context.Context) error {
	v := ctx.Value(storageContextKey("storage.transaction"))

	if v == nil {
		return errors.New("context does not contain a transaction")
	}

	return v.(*sqlx.Tx).Commit()
}

func (s *Storage) RollbackTransaction(ctx context.Context) {
	v := ctx.Value(storageContextKey("storage.transaction"))

	if v != nil {
		err := v.(*sqlx.Tx).Rollback()
		if err != nil && err != sql.ErrTxDone {
			s.log.Warn("could not rollback transaction", "error", err)
		}
	}
}

func (s *Storage) getDB(ctx context.Context) commonDB {
	v := ctx.Value(storageContextKey("storage.transaction"))

	if v == nil {
		return s.db
	}

	return v.(*sqlx.Tx)
}

// functions shared by `*sqlx.Tx` and `*sqlx.Db`
type commonDB interface {
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	NamedQuery(query string, arg interface{}) (*sqlx.Rows, error)
	QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error)
}

func timeFormat(t time.Time) string {
	return t.Format(time.RFC3339)
}

func timeFormatPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}

	f := timeFormat(*t)
	return &f
}

func parseDate(t string) (time.Time, error) {
	return time.Parse(time.RFC3339, t)
}

func parseDatePtr(t *string) (*time.Time, error) {
	if t == nil {
		return nil, nil
	}

	parsed, err := parseDate(*t)
	if err != nil {
		return nil, err
	}

	return &parsed, nil
}

func insertedID(r *sqlx.Rows, entity string) (int, error) {
	defer r.Close()

	if !r.Next() {
		return -1, fmt.Errorf("retrieving inserted %s id", entity)
	}

	var id int

	if err := r.Scan(&id); err != nil {
		return -1, fmt.Errorf("retrieving inserted %s id: %w", entity, err)
	}

	return id, nil
}
