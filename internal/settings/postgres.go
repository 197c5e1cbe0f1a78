package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"rrcstim/internal/model"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

const (
	postgresDriver = "pgx"
	// DefaultPostgresDSN is used when no DSN is configured.
	DefaultPostgresDSN = "postgres://localhost/rrcstim?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// PostgresStore keeps settings records in a single table keyed by name.
type PostgresStore struct {
	dsn string

	mu sync.RWMutex
	db *sql.DB
}

// NewPostgresStore falls back to DefaultPostgresDSN when dsn is empty.
func NewPostgresStore(dsn string) *PostgresStore {
	if dsn == "" {
		dsn = DefaultPostgresDSN
	}
	return &PostgresStore{dsn: dsn}
}

func (s *PostgresStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}
	openMu.Lock()
	db, err := sqlOpen(postgresDriver, s.dsn)
	openMu.Unlock()
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS settings (
		name TEXT PRIMARY KEY,
		schema_version INTEGER NOT NULL,
		codec_version INTEGER NOT NULL,
		payload JSONB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return fmt.Errorf("ensure settings table: %w", err)
	}
	s.db = db
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, record model.SettingsRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	db, err := s.getDB()
	if err != nil {
		return err
	}
	payload, err := EncodeRecord(record)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `INSERT INTO settings (name, schema_version, codec_version, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			schema_version = EXCLUDED.schema_version,
			codec_version = EXCLUDED.codec_version,
			payload = EXCLUDED.payload`,
		record.Name, record.SchemaVersion, record.CodecVersion, payload)
	if err != nil {
		return fmt.Errorf("save settings %s: %w", record.Name, err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, name string) (model.SettingsRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.SettingsRecord{}, false, err
	}
	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM settings WHERE name = $1`, name).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SettingsRecord{}, false, nil
		}
		return model.SettingsRecord{}, false, fmt.Errorf("load settings %s: %w", name, err)
	}
	record, err := DecodeRecord(payload)
	if err != nil {
		return model.SettingsRecord{}, false, fmt.Errorf("decode settings %s: %w", name, err)
	}
	return record, true, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]string, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT name FROM settings ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, name string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM settings WHERE name = $1`, name); err != nil {
		return fmt.Errorf("delete settings %s: %w", name, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *PostgresStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

// OverrideSQLOpen swaps the sql.Open function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
