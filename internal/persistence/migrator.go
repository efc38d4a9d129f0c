package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"FarmLedger/internal/observability"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog"
)

const migrationsTable = "schema_migrations"

// Migrator applies the {version}_{name}.up.sql / .down.sql files in
// migrationsDir through golang-migrate. It borrows one connection from db
// per run and never closes db itself.
type Migrator struct {
	db            *sql.DB
	migrationsDir string
	logger        zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string) *Migrator {
	return &Migrator{db: db, migrationsDir: migrationsDir, logger: observability.NewLogger("migrate")}
}

// Up applies every pending up-migration in order.
func (m *Migrator) Up(ctx context.Context) error {
	return m.run(ctx, func(mg *migrate.Migrate) error {
		err := mg.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info().Msg("schema up to date")
			return nil
		}
		if err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		v, _, _ := mg.Version()
		m.logger.Info().Uint("version", v).Msg("migrations applied")
		return nil
	})
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.run(ctx, func(mg *migrate.Migrate) error {
		err := mg.Steps(-1)
		switch {
		case errors.Is(err, migrate.ErrNoChange), errors.Is(err, migrate.ErrNilVersion), errors.Is(err, os.ErrNotExist):
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		case err != nil:
			return fmt.Errorf("migrate down: %w", err)
		}
		m.logger.Info().Msg("rolled back one migration")
		return nil
	})
}

// Pending lists up-migration files newer than the applied version.
func (m *Migrator) Pending(ctx context.Context) ([]string, error) {
	var pending []string
	err := m.run(ctx, func(mg *migrate.Migrate) error {
		current, dirty, err := mg.Version()
		switch {
		case errors.Is(err, migrate.ErrNilVersion):
			current = 0
		case err != nil:
			return fmt.Errorf("read schema version: %w", err)
		case dirty:
			return fmt.Errorf("schema version %d is dirty; fix it by hand and force the version", current)
		}

		files, err := listMigrationFiles(m.migrationsDir, ".up.sql")
		if err != nil {
			return fmt.Errorf("list migrations: %w", err)
		}
		pending = pendingAfter(files, current)
		return nil
	})
	return pending, err
}

func (m *Migrator) run(ctx context.Context, fn func(*migrate.Migrate) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration connection: %w", err)
	}
	driver, err := migratepg.WithConnection(ctx, conn, &migratepg.Config{MigrationsTable: migrationsTable})
	if err != nil {
		conn.Close()
		return fmt.Errorf("migration driver: %w", err)
	}
	mg, err := migrate.NewWithDatabaseInstance("file://"+m.migrationsDir, "postgres", driver)
	if err != nil {
		driver.Close()
		return fmt.Errorf("open migrations %s: %w", m.migrationsDir, err)
	}
	defer mg.Close()
	mg.Log = migrateLogger{m.logger}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			mg.GracefulStop <- true
		case <-stop:
		}
	}()

	return fn(mg)
}

func listMigrationFiles(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// pendingAfter keeps the files whose version prefix is above current.
// Files without a numeric prefix are not migrations and are skipped.
func pendingAfter(files []string, current uint) []string {
	var out []string
	for _, f := range files {
		v, ok := migrationVersion(f)
		if ok && v > current {
			out = append(out, f)
		}
	}
	return out
}

// migrationVersion parses "000002_projections.up.sql" as 2.
func migrationVersion(filename string) (uint, bool) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(prefix, 10, 64)
	if err != nil {
		return 0, false
	}
	return uint(v), true
}

// migrateLogger routes golang-migrate's progress lines to zerolog.
type migrateLogger struct {
	l zerolog.Logger
}

func (g migrateLogger) Printf(format string, v ...interface{}) {
	g.l.Debug().Msgf(strings.TrimSuffix(format, "\n"), v...)
}

func (g migrateLogger) Verbose() bool {
	return false
}
