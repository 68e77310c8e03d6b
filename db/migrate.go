package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/docpipe/errors"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

// Migration is one embedded schema file, identified by its numeric prefix.
type Migration struct {
	Version string
	File    string
}

// Migrations lists the embedded migrations in apply order.
func Migrations() ([]Migration, error) {
	entries, err := migrations.ReadDir("sqlite/migrations")
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var list []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		list = append(list, Migration{
			Version: strings.SplitN(entry.Name(), "_", 2)[0],
			File:    entry.Name(),
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].File < list[j].File })
	return list, nil
}

// appliedVersions returns recorded versions; a missing table means none.
func appliedVersions(db *sql.DB) (map[string]bool, error) {
	applied := make(map[string]bool)

	var tableCount int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'").Scan(&tableCount)
	if err != nil {
		return nil, errors.Wrap(err, "check schema_migrations")
	}
	if tableCount == 0 {
		return applied, nil
	}

	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, errors.Wrap(err, "query schema_migrations")
	}
	defer rows.Close()

	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, errors.Wrap(err, "scan schema_migrations")
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// Pending returns migrations not yet recorded in schema_migrations.
func Pending(db *sql.DB) ([]Migration, error) {
	all, err := Migrations()
	if err != nil {
		return nil, err
	}
	applied, err := appliedVersions(db)
	if err != nil {
		return nil, err
	}

	var pending []Migration
	for _, m := range all {
		if !applied[m.Version] {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// Migrate runs all pending migrations. Each file runs in its own transaction
// and is recorded in schema_migrations under its numeric prefix.
// If logger is provided, logs migration progress; otherwise operates silently.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	pending, err := Pending(db)
	if err != nil {
		return err
	}

	for _, m := range pending {
		if err := apply(db, m); err != nil {
			return err
		}
		if logger != nil {
			logger.Infow("Applied migration", "migration", m.File, "version", m.Version)
		}
	}

	if logger != nil && len(pending) > 0 {
		logger.Infow("Migrations complete", "applied", len(pending))
	}
	return nil
}

func apply(db *sql.DB, m Migration) error {
	sqlBytes, err := migrations.ReadFile(path.Join("sqlite/migrations", m.File))
	if err != nil {
		return errors.Wrapf(err, "read %s", m.File)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", m.File)
	}

	if _, err := tx.Exec(string(sqlBytes)); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "execute %s", m.File)
	}

	// 000 creates the table, then records itself
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "record %s", m.File)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "commit %s", m.File)
	}
	return nil
}
