package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Migration represents a single migration file
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// AppliedMigration represents a migration that has already been applied
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

// runner applies migrations to one backend.
type runner interface {
	// ensure creates the schema_migrations table if it doesn't exist.
	ensure(ctx context.Context) error
	applied(ctx context.Context) ([]AppliedMigration, error)
	// apply executes the migration and records it.
	apply(ctx context.Context, m Migration, appliedBy string) error
}

// migrationPattern matches migration files: 0001_name.sql
var migrationPattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

// parseFilename returns the version and name of a migration file.
func parseFilename(filename string) (version int, name string, ok bool) {
	matches := migrationPattern.FindStringSubmatch(filename)
	if matches == nil {
		return 0, "", false
	}
	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, "", false
	}
	return version, matches[2], true
}

// resolveDir finds dir relative to the working directory or the repo root
// when run from cmd/migrate.
func resolveDir(dir string) (string, error) {
	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}
	alt := filepath.Join("..", "..", dir)
	if _, err := os.Stat(alt); err == nil {
		return alt, nil
	}
	return "", fmt.Errorf("migrations directory not found: %s", dir)
}

// readMigrations reads all migration files in dir sorted by version.
// Placeholders like {{PROJECT_ID}} are replaced from vars; the checksum is
// taken before replacement so it tracks the migration, not its target.
func readMigrations(dir string, vars map[string]string) ([]Migration, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var migrations []Migration
	seen := make(map[int]string)
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		version, name, ok := parseFilename(file.Name())
		if !ok {
			log.Printf("Skipping file with invalid format: %s", file.Name())
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("version %04d used by %s and %s", version, prev, file.Name())
		}
		seen[version] = file.Name()

		content, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading file %s: %w", file.Name(), err)
		}

		sql := string(content)
		for k, v := range vars {
			sql = strings.ReplaceAll(sql, "{{"+k+"}}", v)
		}

		migrations = append(migrations, Migration{
			Version:  version,
			Name:     name,
			Filename: file.Name(),
			SQL:      sql,
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// pending returns the migrations not yet applied. An applied migration whose
// file has since changed is an error.
func pending(all []Migration, applied []AppliedMigration) ([]Migration, error) {
	done := make(map[int]AppliedMigration, len(applied))
	for _, am := range applied {
		done[am.Version] = am
	}

	var todo []Migration
	for _, m := range all {
		am, ok := done[m.Version]
		if !ok {
			todo = append(todo, m)
			continue
		}
		if am.Checksum != "" && am.Checksum != m.Checksum {
			return nil, fmt.Errorf("migration %s changed after it was applied (checksum %s, recorded %s)",
				m.Filename, m.Checksum[:min(12, len(m.Checksum))], am.Checksum[:min(12, len(am.Checksum))])
		}
	}
	return todo, nil
}

// migrate applies every pending migration in order and returns how many ran.
func migrate(ctx context.Context, r runner, migrations []Migration, appliedBy string) (int, error) {
	if err := r.ensure(ctx); err != nil {
		return 0, fmt.Errorf("ensure schema_migrations table: %w", err)
	}
	applied, err := r.applied(ctx)
	if err != nil {
		return 0, fmt.Errorf("get applied migrations: %w", err)
	}
	log.Printf("Found %d already applied migrations", len(applied))

	todo, err := pending(migrations, applied)
	if err != nil {
		return 0, err
	}
	for _, m := range todo {
		log.Printf("  [RUN]  %04d_%s", m.Version, m.Name)
		if err := r.apply(ctx, m, appliedBy); err != nil {
			return 0, fmt.Errorf("execute migration %04d_%s: %w", m.Version, m.Name, err)
		}
		log.Printf("  [OK]   %04d_%s", m.Version, m.Name)
	}
	return len(todo), nil
}
