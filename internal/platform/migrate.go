package platform

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrations are plain SQL files named NNN_description.sql. Each applied file
// is recorded in schema_migrations together with a SHA-256 checksum of its
// content; re-running is a no-op as long as the checksums still match. A file
// that changed after being applied halts the run at that file: no file after
// it is applied and no further row is recorded.

const ensureMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version     TEXT PRIMARY KEY,
    checksum    TEXT NOT NULL,
    applied_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    duration_ms INTEGER
)`

// ErrChecksumMismatch is returned when an already-applied migration file no
// longer matches its recorded checksum.
type ErrChecksumMismatch struct {
	Version string
	Stored  string
	Current string
}

func (e *ErrChecksumMismatch) Error() string {
	return fmt.Sprintf("migration %s was modified after application (stored checksum %s, current %s)",
		e.Version, e.Stored, e.Current)
}

// MigrationFile is a single migration loaded from disk.
type MigrationFile struct {
	Version  string
	Name     string
	SQL      string
	Checksum string
}

// Checksum returns the SHA-256 hex digest of a migration file's content.
func Checksum(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

// ExtractVersion returns the version prefix of a migration file name
// (e.g. "003_budget.sql" → "003"). Versions order lexicographically.
func ExtractVersion(filename string) string {
	base := filepath.Base(filename)
	if idx := strings.Index(base, "_"); idx > 0 {
		return base[:idx]
	}
	return strings.TrimSuffix(base, ".sql")
}

// LoadMigrations reads all .sql files from dir sorted by version.
func LoadMigrations(dir string) ([]MigrationFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations dir %s: %w", dir, err)
	}

	var files []MigrationFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", e.Name(), err)
		}
		files = append(files, MigrationFile{
			Version:  ExtractVersion(e.Name()),
			Name:     e.Name(),
			SQL:      string(content),
			Checksum: Checksum(content),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Version < files[j].Version })
	return files, nil
}

// RunMigrations applies all pending migrations from dir, verifying checksums
// of already-applied ones. It stops at the first failure.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, dir string, logger *slog.Logger) error {
	if _, err := pool.Exec(ctx, ensureMigrationsTable); err != nil {
		return fmt.Errorf("ensuring schema_migrations table: %w", err)
	}

	files, err := LoadMigrations(dir)
	if err != nil {
		return err
	}

	applied := make(map[string]string)
	rows, err := pool.Query(ctx, "SELECT version, checksum FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("querying applied migrations: %w", err)
	}
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			rows.Close()
			return fmt.Errorf("scanning applied migration: %w", err)
		}
		applied[version] = checksum
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading applied migrations: %w", err)
	}

	for _, f := range files {
		if stored, ok := applied[f.Version]; ok {
			if stored == f.Checksum {
				logger.Debug("migration already applied", "version", f.Version, "file", f.Name)
				continue
			}
			return &ErrChecksumMismatch{Version: f.Version, Stored: stored, Current: f.Checksum}
		}

		start := time.Now()
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, f.SQL); err != nil {
				return fmt.Errorf("executing migration %s: %w", f.Name, err)
			}
			durationMS := time.Since(start).Milliseconds()
			if _, err := tx.Exec(ctx,
				"INSERT INTO schema_migrations (version, checksum, duration_ms) VALUES ($1, $2, $3)",
				f.Version, f.Checksum, durationMS,
			); err != nil {
				return fmt.Errorf("recording migration %s: %w", f.Name, err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		logger.Info("migration applied", "version", f.Version, "file", f.Name,
			"duration_ms", time.Since(start).Milliseconds())
	}

	return nil
}
