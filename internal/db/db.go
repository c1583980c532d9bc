// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

// package db is the persisted-store contract for Stagehand: servers,
// encrypted credentials, configurations, deployment runs, expected states,
// drift records and known host keys. SQLite, PostgreSQL and MySQL are
// supported through Bun.
package db // import "github.com/toeirei/stagehand/internal/db"

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var (
	//go:embed migrations
	embeddedMigrations embed.FS
	// sqlOpenFunc allows tests to override database opening behavior.
	sqlOpenFunc = sql.Open
)

// driverName maps a configured database type to its registered driver.
func driverName(dbType string) string {
	if dbType == "postgres" {
		return "pgx"
	}
	return dbType
}

// NewStoreFromDSN opens the database, applies pending migrations and
// returns a Store backed by a long-lived *bun.DB.
func NewStoreFromDSN(ctx context.Context, dbType, dsn string) (*BunStore, error) {
	switch dbType {
	case "sqlite", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported database type: '%s'", dbType)
	}
	start := time.Now()
	sqlDB, err := sqlOpenFunc(driverName(dbType), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	const (
		defaultMaxOpenConns    = 25
		defaultMaxIdleConns    = 25
		defaultConnMaxLifetime = 5 * time.Minute
	)
	maxOpen := envInt("STAGEHAND_DB_MAX_OPEN_CONNS", defaultMaxOpenConns)
	maxIdle := envInt("STAGEHAND_DB_MAX_IDLE_CONNS", defaultMaxIdleConns)

	// In-memory SQLite is per connection; pin to one so every query sees
	// the migrated schema.
	if dbType == "sqlite" && (dsn == ":memory:" || strings.Contains(dsn, "mode=memory")) {
		maxOpen = 1
		maxIdle = 1
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(defaultConnMaxLifetime)
	dbLogf("db: opened %s driver in %s (max open=%d)", driverName(dbType), time.Since(start), maxOpen)

	migStart := time.Now()
	if err := RunMigrations(ctx, sqlDB, dbType); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	dbLogf("db: migrations for %s completed in %s", dbType, time.Since(migStart))

	return &BunStore{bun: createBunDB(sqlDB, dbType), dbType: dbType}, nil
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}

// createBunDB wraps sqlDB with the dialect matching dbType.
func createBunDB(sqlDB *sql.DB, dbType string) *bun.DB {
	switch dbType {
	case "postgres":
		return bun.NewDB(sqlDB, pgdialect.New())
	case "mysql":
		return bun.NewDB(sqlDB, mysqldialect.New())
	default:
		return bun.NewDB(sqlDB, sqlitedialect.New())
	}
}

// RunMigrations applies every embedded *.up.sql file for dbType that is not
// yet recorded in schema_migrations, each inside its own transaction.
func RunMigrations(ctx context.Context, db *sql.DB, dbType string) error {
	migrationsPath := "migrations/" + dbType

	entries, err := fs.ReadDir(embeddedMigrations, migrationsPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read embedded migrations (%s): %w", migrationsPath, err)
	}

	var ups []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			ups = append(ups, e.Name())
		}
	}
	sort.Strings(ups)

	if err := ensureSchemaMigrationsTable(ctx, db, dbType); err != nil {
		return fmt.Errorf("failed to ensure schema_migrations table: %w", err)
	}

	selectQuery := "SELECT 1 FROM schema_migrations WHERE version = ?"
	insertQuery := "INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)"
	if dbType == "postgres" {
		selectQuery = "SELECT 1 FROM schema_migrations WHERE version = $1"
		insertQuery = "INSERT INTO schema_migrations(version, applied_at) VALUES($1, $2)"
	}

	for _, fname := range ups {
		version := strings.TrimSuffix(fname, ".up.sql")

		var exists int
		err := db.QueryRowContext(ctx, selectQuery, version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check migration version %s: %w", version, err)
		}

		data, err := embeddedMigrations.ReadFile(path.Join(migrationsPath, fname))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", fname, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", version, err)
		}
		for _, stmt := range splitStatements(string(data)) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("failed to execute migration %s: %w", version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, insertQuery, version, time.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", version, err)
		}
		dbLogf("db: applied migration %s", version)
	}
	return nil
}

// splitStatements splits a migration file on semicolons at line ends.
// Migration files never contain semicolons inside literals.
func splitStatements(script string) []string {
	var out []string
	for _, part := range strings.Split(script, ";\n") {
		stmt := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(part), ";"))
		if stmt == "" || strings.HasPrefix(stmt, "--") && !strings.Contains(stmt, "\n") {
			continue
		}
		out = append(out, stmt)
	}
	return out
}

func ensureSchemaMigrationsTable(ctx context.Context, db *sql.DB, dbType string) error {
	// MySQL cannot index TEXT without a length.
	ddl := `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMP)`
	if dbType == "mysql" {
		ddl = `CREATE TABLE IF NOT EXISTS schema_migrations (version VARCHAR(191) PRIMARY KEY, applied_at TIMESTAMP NULL)`
	}
	_, err := db.ExecContext(ctx, ddl)
	return err
}

// RunDBMaintenance performs engine-specific maintenance: PRAGMA optimize,
// VACUUM and a WAL checkpoint for SQLite, VACUUM ANALYZE for PostgreSQL and
// OPTIMIZE TABLE for every MySQL table.
func RunDBMaintenance(ctx context.Context, dbType, dsn string) error {
	sqlDB, err := sqlOpenFunc(driverName(dbType), dsn)
	if err != nil {
		return fmt.Errorf("failed to open database for maintenance: %w", err)
	}
	defer func() { _ = sqlDB.Close() }()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	switch dbType {
	case "sqlite":
		if _, err := sqlDB.ExecContext(ctx, "PRAGMA optimize;"); err != nil {
			dbLogf("db: sqlite optimize failed (ignored): %v", err)
		}
		if _, err := sqlDB.ExecContext(ctx, "VACUUM;"); err != nil {
			return fmt.Errorf("sqlite vacuum failed: %w", err)
		}
		_, _ = sqlDB.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE);")
		var res string
		if err := sqlDB.QueryRowContext(ctx, "PRAGMA integrity_check;").Scan(&res); err == nil && res != "ok" {
			return fmt.Errorf("sqlite integrity_check failed: %s", res)
		}
	case "postgres":
		if _, err := sqlDB.ExecContext(ctx, "VACUUM ANALYZE;"); err != nil {
			return fmt.Errorf("postgres vacuum failed: %w", err)
		}
	case "mysql":
		rows, err := sqlDB.QueryContext(ctx, "SHOW TABLES")
		if err != nil {
			return fmt.Errorf("mysql show tables failed: %w", err)
		}
		var tables []string
		for rows.Next() {
			var table string
			if err := rows.Scan(&table); err != nil {
				_ = rows.Close()
				return fmt.Errorf("mysql read table name failed: %w", err)
			}
			tables = append(tables, table)
		}
		_ = rows.Close()
		var lastErr error
		for _, table := range tables {
			if _, err := sqlDB.ExecContext(ctx, fmt.Sprintf("OPTIMIZE TABLE `%s`", table)); err != nil {
				dbLogf("db: mysql optimize table %s failed: %v", table, err)
				lastErr = err
			}
		}
		if lastErr != nil {
			return fmt.Errorf("mysql optimize encountered errors: %w", lastErr)
		}
	default:
		return fmt.Errorf("unsupported db type for maintenance: %s", dbType)
	}
	return nil
}
