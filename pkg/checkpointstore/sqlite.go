package checkpointstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/anicoll/cosmigrate"
	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteOptions        = "?_txlock=exclusive&_timeout=30000"
	defaultSQLiteTable   = "checkpoints"
	sqliteTimeFormatNano = time.RFC3339Nano
)

// SQLiteCheckpointStore implements CheckpointStore on a local SQLite database file.
type SQLiteCheckpointStore struct {
	db        *sql.DB
	tableName string
}

// NewSQLite opens (creating if needed) the SQLite database at path and makes
// sure the checkpoint table exists.
func NewSQLite(ctx context.Context, path string) (*SQLiteCheckpointStore, error) {
	db, err := sql.Open("sqlite3", path+sqliteOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint db %s: %w", path, err)
	}
	s := &SQLiteCheckpointStore{db: db, tableName: defaultSQLiteTable}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteCheckpointStore) init(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		unit_key TEXT PRIMARY KEY,
		continuation_token TEXT NOT NULL,
		inserted INTEGER NOT NULL,
		already_present INTEGER NOT NULL,
		rejected INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);`, s.tableName)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	return nil
}

func (s *SQLiteCheckpointStore) Get(ctx context.Context, key string) (*cosmigrate.Checkpoint, error) {
	query := fmt.Sprintf(`SELECT continuation_token, inserted, already_present, rejected, updated_at FROM %s WHERE unit_key = ?;`, s.tableName)

	var (
		cp        cosmigrate.Checkpoint
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&cp.ContinuationToken, &cp.Inserted, &cp.AlreadyPresent, &cp.Rejected, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", key, err)
	}
	cp.UpdatedAt, err = time.Parse(sqliteTimeFormatNano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint %s timestamp: %w", key, err)
	}
	return &cp, nil
}

func (s *SQLiteCheckpointStore) Set(ctx context.Context, key string, cp cosmigrate.Checkpoint) error {
	query := fmt.Sprintf(`INSERT INTO %s (unit_key, continuation_token, inserted, already_present, rejected, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(unit_key) DO UPDATE SET
			continuation_token = excluded.continuation_token,
			inserted = excluded.inserted,
			already_present = excluded.already_present,
			rejected = excluded.rejected,
			updated_at = excluded.updated_at;`, s.tableName)

	_, err := s.db.ExecContext(ctx, query, key, cp.ContinuationToken, cp.Inserted, cp.AlreadyPresent, cp.Rejected, cp.UpdatedAt.UTC().Format(sqliteTimeFormatNano))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteCheckpointStore) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE unit_key = ?;`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteCheckpointStore) Close() error {
	return s.db.Close()
}

// Assert that SQLiteCheckpointStore implements CheckpointStore.
var _ cosmigrate.CheckpointStore = (*SQLiteCheckpointStore)(nil)
