// Package audit is the optional Postgres audit log: an append-only
// record of alarm lifecycle transitions (created, acknowledged,
// resolved), kept alongside the Redis-backed hot paths for
// after-the-fact reporting. Adapted from the teacher's
// internal/database package -- same Connect/RunMigrations shape,
// repurposed from the weather schema to an alarm_audit table.
package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// DB wraps the audit database connection.
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// Connect opens and pings a Postgres connection for the audit log.
func Connect(connectionString string, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &DB{DB: db, logger: logger}, nil
}

// RunMigrations executes all SQL migration files in a directory, in
// filename order.
func (db *DB) RunMigrations(migrationsDir string) error {
	files, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var sqlFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".sql") {
			sqlFiles = append(sqlFiles, file.Name())
		}
	}
	sort.Strings(sqlFiles)

	for _, filename := range sqlFiles {
		filePath := filepath.Join(migrationsDir, filename)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", filename, err)
		}
		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", filename, err)
		}
		db.logger.Info("ran audit migration", zap.String("file", filename))
	}

	return nil
}
