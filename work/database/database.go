package database

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"

	"mixreplace/work/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB wraps the sql.DB with additional functionality
type DB struct {
	*sql.DB
	logger *logger.Logger
}

// Open creates a new database connection with WAL mode and a busy timeout, then
// applies any pending migrations.
func Open(path string, log *logger.Logger) (*DB, error) {
	if log == nil {
		log = logger.Default()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Session history is written from many session goroutines; a single writer
	// connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	wrapper := &DB{
		DB:     db,
		logger: log,
	}

	if err := wrapper.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	log.Info("{database/database - Open} SQLite database %s opened with WAL mode", path)
	return wrapper, nil
}

// migrate runs all migration files
func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		// "001_session_history.sql" -> 1
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("migration %s has no version prefix: %w", entry.Name(), err)
		}

		var exists bool
		err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if exists {
			continue
		}

		content, err := migrations.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", entry.Name(), err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", entry.Name(), err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", entry.Name(), err)
		}

		db.logger.Info("{database/database - migrate} applied migration %s", entry.Name())
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.logger.Debug("{database/database - Close} closing database connection")
	return db.DB.Close()
}

// Vacuum optimizes the database file
func (db *DB) Vacuum() error {
	db.logger.Debug("{database/database - Vacuum} running VACUUM")
	_, err := db.Exec("VACUUM")
	return err
}
