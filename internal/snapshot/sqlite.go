package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pgx-cds-server/internal/domain"
)

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens or creates the database file and its schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS assessment_snapshots (
		id TEXT PRIMARY KEY,
		knowledge_base_version TEXT NOT NULL,
		medications TEXT NOT NULL DEFAULT '',
		high_risk_count INTEGER NOT NULL DEFAULT 0,
		polypharmacy_count INTEGER NOT NULL DEFAULT 0,
		label TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_created_at ON assessment_snapshots(created_at);
	`
	_, err := db.Exec(schema)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

const selectColumns = `SELECT id, label, knowledge_base_version, medications,
	high_risk_count, polypharmacy_count, payload, created_at, updated_at
	FROM assessment_snapshots`

func scanSnapshot(row scanner) (*Snapshot, error) {
	s := &Snapshot{}
	var (
		medications string
		payload     []byte
	)
	err := row.Scan(&s.ID, &s.Label, &s.KnowledgeBaseVersion, &medications,
		&s.HighRiskCount, &s.PolypharmacyCount, &payload, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Medications = splitMedications(medications)
	if s.Assessment, err = decodePayload(payload); err != nil {
		return nil, err
	}
	return s, nil
}

// Save inserts the snapshot, or updates it when the ID already exists.
func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := validate(snap); err != nil {
		return err
	}
	payload, err := encodePayload(snap.Assessment)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	var createdAt time.Time
	err = s.db.QueryRowContext(ctx,
		"SELECT created_at FROM assessment_snapshots WHERE id = ?", snap.ID,
	).Scan(&createdAt)

	if err == nil {
		_, err = s.db.ExecContext(ctx, `
			UPDATE assessment_snapshots SET
				label = ?,
				knowledge_base_version = ?,
				medications = ?,
				high_risk_count = ?,
				polypharmacy_count = ?,
				payload = ?,
				updated_at = ?
			WHERE id = ?
		`,
			snap.Label,
			snap.KnowledgeBaseVersion,
			joinMedications(snap.Medications),
			snap.HighRiskCount,
			snap.PolypharmacyCount,
			payload,
			now,
			snap.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update: %w", err)
		}
		snap.CreatedAt = createdAt
		snap.UpdatedAt = now
		return nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check existing: %w", err)
	}

	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = now
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO assessment_snapshots (
			id, label, knowledge_base_version, medications,
			high_risk_count, polypharmacy_count, payload, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		snap.ID,
		snap.Label,
		snap.KnowledgeBaseVersion,
		joinMedications(snap.Medications),
		snap.HighRiskCount,
		snap.PolypharmacyCount,
		payload,
		snap.CreatedAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert: %w", err)
	}
	snap.UpdatedAt = now
	return nil
}

// Get retrieves a snapshot by assessment ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	return snap, nil
}

// List returns snapshots newest first.
func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+" ORDER BY created_at DESC, id LIMIT ? OFFSET ?",
		listLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var result []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, snap)
	}
	return result, rows.Err()
}

// Count returns the number of stored snapshots.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM assessment_snapshots").Scan(&count)
	return count, err
}

// Delete removes a snapshot by ID.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM assessment_snapshots WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("snapshot %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ExportJSON exports all snapshots to a JSON writer.
func (s *SQLiteStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	return writeExport(ctx, s, writer)
}

// ImportJSON imports snapshots from a JSON reader.
func (s *SQLiteStore) ImportJSON(ctx context.Context, reader io.Reader) (int, int, error) {
	return readExport(ctx, s, reader)
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
