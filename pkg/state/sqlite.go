package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store on a single SQLite database. Snapshot
// and lock writes are compare-and-swap UPDATEs guarded by the stored
// version column.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore creates a SQLite store at the given path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("state: database path is required")
	}
	return &SQLiteStore{path: path}, nil
}

// Init opens the database, enables WAL mode, and runs migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return s.migrate()
}

func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// ReadSnapshot returns the current snapshot of an environment.
func (s *SQLiteStore) ReadSnapshot(ctx context.Context, environment string) (*Snapshot, error) {
	if err := validName(environment); err != nil {
		return nil, err
	}

	var (
		version  int64
		document []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, document FROM snapshots WHERE environment = ?`, environment,
	).Scan(&version, &document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEnvironmentNotFound, environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot for %s: %w", environment, err)
	}

	snap := &Snapshot{}
	if err := json.Unmarshal(document, snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot for %s: %w", environment, err)
	}
	snap.Version = version
	return snap, nil
}

// WriteSnapshot replaces the snapshot if the stored version matches.
func (s *SQLiteStore) WriteSnapshot(ctx context.Context, environment string, snap *Snapshot, expectedVersion int64) (int64, error) {
	if err := validName(environment); err != nil {
		return 0, err
	}

	next := expectedVersion + 1
	snap.Environment = environment
	snap.Version = next
	snap.TakenAt = time.Now().UTC()

	document, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("failed to encode snapshot for %s: %w", environment, err)
	}

	if expectedVersion == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO snapshots (environment, version, document) VALUES (?, ?, ?)`,
			environment, next, document,
		)
		if err != nil {
			// A unique-constraint failure means someone wrote version 1 first.
			return 0, fmt.Errorf("%w: environment %s already exists: %v",
				ErrVersionConflict, environment, err)
		}
		return next, nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE snapshots SET version = ?, document = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE environment = ? AND version = ?`,
		next, document, environment, expectedVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to write snapshot for %s: %w", environment, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return 0, fmt.Errorf("%w: environment %s, write expected version %d",
			ErrVersionConflict, environment, expectedVersion)
	}
	return next, nil
}

// DeleteSnapshot removes an environment's snapshot.
func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, environment string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE environment = ?`, environment)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot for %s: %w", environment, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrEnvironmentNotFound, environment)
	}
	return nil
}

// ListEnvironments returns environment names in sorted order.
func (s *SQLiteStore) ListEnvironments(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT environment FROM snapshots ORDER BY environment ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan environment: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating environments: %w", err)
	}
	return names, nil
}

// GetLock returns a lock record and its version.
func (s *SQLiteStore) GetLock(ctx context.Context, name string) (*LockRecord, int64, error) {
	if err := validName(name); err != nil {
		return nil, 0, err
	}

	var (
		version int64
		record  []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, record FROM locks WHERE name = ?`, name,
	).Scan(&version, &record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("%w: %s", ErrLockNotFound, name)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read lock record %s: %w", name, err)
	}

	rec := &LockRecord{}
	if err := json.Unmarshal(record, rec); err != nil {
		return nil, 0, fmt.Errorf("failed to decode lock record %s: %w", name, err)
	}
	return rec, version, nil
}

// PutLock writes a lock record as a conditional write.
func (s *SQLiteStore) PutLock(ctx context.Context, name string, rec *LockRecord, expectedVersion int64) (int64, error) {
	if err := validName(name); err != nil {
		return 0, err
	}

	record, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to encode lock record %s: %w", name, err)
	}

	next := expectedVersion + 1
	if expectedVersion == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO locks (name, version, record) VALUES (?, ?, ?)`,
			name, next, record,
		)
		if err != nil {
			return 0, fmt.Errorf("%w: lock %s already exists: %v", ErrVersionConflict, name, err)
		}
		return next, nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE locks SET version = ?, record = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE name = ? AND version = ?`,
		next, record, name, expectedVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to write lock record %s: %w", name, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return 0, fmt.Errorf("%w: lock %s, write expected version %d",
			ErrVersionConflict, name, expectedVersion)
	}
	return next, nil
}

// DeleteLock removes a lock record if the version matches.
func (s *SQLiteStore) DeleteLock(ctx context.Context, name string, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE name = ? AND version = ?`, name, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to delete lock record %s: %w", name, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, _, getErr := s.GetLock(ctx, name); errors.Is(getErr, ErrLockNotFound) {
			return getErr
		}
		return fmt.Errorf("%w: lock %s, delete expected version %d",
			ErrVersionConflict, name, expectedVersion)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
