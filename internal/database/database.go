package database

import (
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/device/*.sql migrations/zone/*.sql
var migrations embed.FS

// Zone database drivers accepted by OpenZone.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const sqliteParams = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

// Open opens the device's SQLite database at the given path and runs migrations.
func Open(dbPath string) (*sql.DB, error) {
	db, err := openSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	if err := runMigrations(db, "sqlite3", "migrations/device"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// OpenZone opens the family zone database backing the record store server.
// driver is DriverSQLite (dsn is a file path) or DriverPostgres (dsn is a
// connection string).
func OpenZone(driver, dsn string) (*sql.DB, error) {
	var (
		db      *sql.DB
		dialect string
		err     error
	)

	switch driver {
	case DriverSQLite, "":
		db, err = openSQLite(dsn)
		dialect = "sqlite3"
	case DriverPostgres:
		db, err = sql.Open("pgx", dsn)
		if err == nil {
			err = ping(db)
		}
		dialect = "postgres"
	default:
		return nil, fmt.Errorf("unsupported zone driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	if err := runMigrations(db, dialect, "migrations/zone"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// Dialect returns the SQL dialect name for a zone driver.
func Dialect(driver string) string {
	if driver == DriverPostgres {
		return "postgres"
	}
	return "sqlite3"
}

func openSQLite(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath+sqliteParams)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite allows a single writer. One connection also keeps an
	// in-memory database alive for the lifetime of the pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := ping(db); err != nil {
		return nil, err
	}
	return db, nil
}

func ping(db *sql.DB) error {
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("ping db: %w", err)
	}
	return nil
}

func runMigrations(db *sql.DB, dialect, dir string) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}

	return nil
}
