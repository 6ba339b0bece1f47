// Package migrations provides the embedded database schema migrations for
// Runplane along with validation helpers.
//
// All migration files are embedded at build time using go:embed, enabling
// zero-config deployment without external file dependencies. Filenames follow
// the strict standard NNN_name.(up|down).sql so that lexicographic ordering
// matches migration ordering.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embeddedMigrations embed.FS

// Migration filename regex: 001_migration_name.up.sql or 001_migration_name.down.sql.
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// FS returns the embedded file system containing all migration files.
func FS() fs.FS {
	return embeddedMigrations
}

// List returns all embedded migration files that conform to the naming
// standard, sorted lexicographically. Files with invalid names are excluded
// so that a stray file cannot silently change migration ordering.
func List() ([]string, error) {
	entries, err := fs.ReadDir(embeddedMigrations, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filename := entry.Name()
		if filepath.Ext(filename) == ".sql" && migrationFilenameRegex.MatchString(filename) {
			files = append(files, filename)
		}
	}

	sort.Strings(files)

	return files, nil
}

// Validate performs validation of the embedded migration files: filename
// format, up/down pairing, and sequence continuity. Run this before any
// state-changing migration operation.
func Validate() error {
	files, err := List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	for _, file := range files {
		if _, err := fs.ReadFile(embeddedMigrations, file); err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}
	}

	if err := validatePairing(files); err != nil {
		return err
	}

	return validateSequence(files)
}

// validatePairing ensures every up migration has a matching down migration
// and vice versa.
func validatePairing(files []string) error {
	ups := make(map[string]bool)
	downs := make(map[string]bool)

	for _, file := range files {
		matches := migrationFilenameRegex.FindStringSubmatch(file)
		key := matches[1] + "_" + matches[2]

		switch matches[3] {
		case "up":
			ups[key] = true
		case "down":
			downs[key] = true
		}
	}

	for key := range ups {
		if !downs[key] {
			return fmt.Errorf("migration %s has no matching down migration", key)
		}
	}

	for key := range downs {
		if !ups[key] {
			return fmt.Errorf("migration %s has no matching up migration", key)
		}
	}

	return nil
}

// validateSequence ensures migration sequence numbers start at 001 and are
// contiguous with no duplicates.
func validateSequence(files []string) error {
	seen := make(map[int]string)

	for _, file := range files {
		matches := migrationFilenameRegex.FindStringSubmatch(file)
		if matches[3] != "up" {
			continue
		}

		seq, err := strconv.Atoi(matches[1])
		if err != nil {
			return fmt.Errorf("invalid sequence number in %s: %w", file, err)
		}

		if prev, ok := seen[seq]; ok {
			return fmt.Errorf("duplicate migration sequence %03d: %s and %s", seq, prev, file)
		}

		seen[seq] = file
	}

	for i := 1; i <= len(seen); i++ {
		if _, ok := seen[i]; !ok {
			return fmt.Errorf("migration sequence has a gap: missing %03d", i)
		}
	}

	return nil
}
