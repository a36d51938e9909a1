// Package dao persists the synchronization state of an engine in SQLite.
//
// Every engine owns one database file holding its pairs (States), filters,
// scan bookkeeping, transfers and a key/value Configuration table. The
// installation wide ManagerDAO keeps the list of bound engines.
//
// Writes go through a single connection guarded by a mutex, reads use a
// separate pool. The database runs in WAL mode so readers never block the
// writer.
package dao

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/TheEntropyCollective/docsync/pkg/logging"
)

//go:embed migrations
var migrationsFS embed.FS

const (
	driverName  = "sqlite"
	readerConns = 4
	timeLayout  = time.RFC3339Nano
)

// database is the connection layer shared by the engine and manager DAOs
type database struct {
	path   string
	writer *sql.DB
	reader *sql.DB
	lock   sync.Mutex
	logger *logging.Logger
}

func dsn(path string) string {
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
}

func openDatabase(path, migrations string, logger *logging.Logger) (*database, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	if err := migrateDatabase(path, migrations); err != nil {
		return nil, err
	}

	writer, err := sql.Open(driverName, dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open(driverName, dsn(path))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to open read connection: %w", err)
	}
	reader.SetMaxOpenConns(readerConns)

	if err := writer.Ping(); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &database{
		path:   path,
		writer: writer,
		reader: reader,
		logger: logger.WithField("db", path),
	}, nil
}

// migrateDatabase applies the embedded migrations on a dedicated connection,
// the migrate driver closes it when done.
func migrateDatabase(path, migrations string) error {
	migrationDB, err := sql.Open(driverName, dsn(path))
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}

	driver, err := sqlite.WithInstance(migrationDB, &sqlite.Config{})
	if err != nil {
		migrationDB.Close()
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations/"+migrations)
	if err != nil {
		migrationDB.Close()
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		migrationDB.Close()
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Path returns the database file path
func (d *database) Path() string {
	return d.path
}

// Close checkpoints the WAL and closes every connection
func (d *database) Close() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if _, err := d.writer.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		d.logger.WithError(err).Warn("WAL checkpoint failed")
	}
	rerr := d.reader.Close()
	if err := d.writer.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return rerr
}

// write runs fn in a transaction on the writer connection
func (d *database) write(fn func(tx *sql.Tx) error) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.writeLocked(fn)
}

func (d *database) writeLocked(fn func(tx *sql.Tx) error) error {
	tx, err := d.writer.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// exec runs a single statement on the writer and returns the affected rows
func (d *database) exec(query string, args ...interface{}) (int64, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	res, err := d.writer.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetConfig returns a configuration value, or def when it is not set
func (d *database) GetConfig(name, def string) string {
	var value sql.NullString
	err := d.reader.QueryRow("SELECT value FROM Configuration WHERE name=?", name).Scan(&value)
	if err != nil || !value.Valid {
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			d.logger.WithError(err).Warnf("Cannot read configuration %q", name)
		}
		return def
	}
	return value.String
}

// GetInt returns an integer configuration value, or def
func (d *database) GetInt(name string, def int64) int64 {
	raw := d.GetConfig(name, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}

// GetBool returns a boolean configuration value, or def
func (d *database) GetBool(name string, def bool) bool {
	raw := d.GetConfig(name, "")
	if raw == "" {
		return def
	}
	return raw == "1" || raw == "true"
}

// UpdateConfig stores a configuration value
func (d *database) UpdateConfig(name, value string) error {
	_, err := d.exec("INSERT INTO Configuration(name, value) VALUES(?, ?) "+
		"ON CONFLICT(name) DO UPDATE SET value=excluded.value", name, value)
	if err != nil {
		return fmt.Errorf("failed to update configuration %q: %w", name, err)
	}
	return nil
}

// StoreInt stores an integer configuration value
func (d *database) StoreInt(name string, value int64) error {
	return d.UpdateConfig(name, strconv.FormatInt(value, 10))
}

// StoreBool stores a boolean configuration value as "1" or "0"
func (d *database) StoreBool(name string, value bool) error {
	if value {
		return d.UpdateConfig(name, "1")
	}
	return d.UpdateConfig(name, "0")
}

// UpdateRemoteCheckpoint stores the date and root definitions of the last
// processed change summary in one transaction
func (d *database) UpdateRemoteCheckpoint(syncDate int64, rootDefs string) error {
	return d.write(func(tx *sql.Tx) error {
		upsert := "INSERT INTO Configuration(name, value) VALUES(?, ?) ON CONFLICT(name) DO UPDATE SET value=excluded.value"
		if _, err := tx.Exec(upsert, ConfigRemoteLastSyncDate, strconv.FormatInt(syncDate, 10)); err != nil {
			return fmt.Errorf("failed to store last sync date: %w", err)
		}
		if _, err := tx.Exec(upsert, ConfigRemoteRootDefs, rootDefs); err != nil {
			return fmt.Errorf("failed to store root definitions: %w", err)
		}
		return nil
	})
}

// DeleteConfig removes a configuration value
func (d *database) DeleteConfig(name string) error {
	if _, err := d.exec("DELETE FROM Configuration WHERE name=?", name); err != nil {
		return fmt.Errorf("failed to delete configuration %q: %w", name, err)
	}
	return nil
}

func formatTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// escapeLike escapes the LIKE wildcards of a literal prefix, used with ESCAPE '\'
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\', '%', '_':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
