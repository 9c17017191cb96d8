package store

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"settlement-service/migrations"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Store is the sqlx-backed persistence layer for every settlement record.
type Store struct {
	db     *sqlx.DB
	driver string
}

// NewStore connects to postgres with pooled connections.
func NewStore(databaseURL string, maxOpenConns int) (*Store, error) {
	db, err := sqlx.Connect(DriverPostgres, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = 25
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, driver: DriverPostgres}, nil
}

// OpenSQLite opens an embedded database and applies the schema. SQLite
// serializes writers, so the pool is limited to one connection and
// transactions queue behind each other.
func OpenSQLite(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, driver: DriverSQLite}
	if err := s.applySQLiteSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) applySQLiteSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(sqliteSchema, ";\n") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply sqlite schema: %w", err)
		}
	}
	return nil
}

// Migrate applies the embedded goose migrations. It is a no-op for sqlite,
// whose schema is applied on open.
func (s *Store) Migrate(ctx context.Context) error {
	if s.driver != DriverPostgres {
		return nil
	}
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect(DriverPostgres); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Driver returns the name of the SQL driver in use.
func (s *Store) Driver() string {
	return s.driver
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
