package migrate

import (
	"database/sql"
	"fmt"
	"io/fs"
	"regexp"
	"strconv"
	"strings"
)

// FSProvider loads migrations from a filesystem, usually an embed.FS
// compiled into the binary. Files are named
// 001_migration_name.up.sql / 001_migration_name.down.sql.
type FSProvider struct {
	fsys           fs.FS
	migrationTable string
}

// NewFSProvider creates a filesystem-backed migration provider
func NewFSProvider(fsys fs.FS, migrationTable string) *FSProvider {
	if migrationTable == "" {
		migrationTable = "schema_migrations"
	}
	return &FSProvider{
		fsys:           fsys,
		migrationTable: migrationTable,
	}
}

var (
	upFileRe   = regexp.MustCompile(`^(\d+)_(.+)\.up\.sql$`)
	downFileRe = regexp.MustCompile(`^(\d+)_(.+)\.down\.sql$`)
)

// GetMigrations loads all migrations from the filesystem
func (p *FSProvider) GetMigrations() ([]Migration, error) {
	byVersion := make(map[int]*Migration)

	err := fs.WalkDir(p.fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		filename := d.Name()

		var matches []string
		up := true
		if matches = upFileRe.FindStringSubmatch(filename); matches == nil {
			if matches = downFileRe.FindStringSubmatch(filename); matches == nil {
				return nil
			}
			up = false
		}
		version, err := strconv.Atoi(matches[1])
		if err != nil {
			return fmt.Errorf("invalid version number in file %s: %w", filename, err)
		}
		content, err := fs.ReadFile(p.fsys, path)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", path, err)
		}

		migration, ok := byVersion[version]
		if !ok {
			migration = &Migration{
				Version: version,
				Name:    strings.ReplaceAll(matches[2], "_", " "),
			}
			byVersion[version] = migration
		}
		if up {
			migration.Up = string(content)
		} else {
			migration.Down = string(content)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, migration := range byVersion {
		migrations = append(migrations, *migration)
	}
	return migrations, nil
}

// CreateMigrationTable ensures the version bookkeeping table exists
func (p *FSProvider) CreateMigrationTable(db *sql.DB) error {
	_, err := db.Exec(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (version integer NOT NULL)`, p.migrationTable))
	return err
}

// GetCurrentVersion returns the currently applied migration version
func (p *FSProvider) GetCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow(fmt.Sprintf(
		`SELECT version FROM %s LIMIT 1`, p.migrationTable)).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

// SetVersion records the applied migration version inside the
// migration's transaction
func (p *FSProvider) SetVersion(tx *sql.Tx, version int) error {
	if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s`, p.migrationTable)); err != nil {
		return err
	}
	_, err := tx.Exec(fmt.Sprintf(
		`INSERT INTO %s (version) VALUES ($1)`, p.migrationTable), version)
	return err
}
