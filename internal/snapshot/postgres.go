package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	_ "github.com/lib/pq"

	"github.com/pgx-cds-server/internal/domain"
)

// PostgresStore implements Store using PostgreSQL. The table is created by
// the database package migrations (pgx-cds migrate up).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection and verifies it.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL opens a connection pool and wraps it.
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

const pgSelectColumns = `SELECT id, label, knowledge_base_version, medications,
	high_risk_count, polypharmacy_count, payload, created_at, updated_at
	FROM assessment_snapshots`

// Save upserts the snapshot keyed by assessment ID.
func (s *PostgresStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := validate(snap); err != nil {
		return err
	}
	payload, err := encodePayload(snap.Assessment)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO assessment_snapshots (
			id, label, knowledge_base_version, medications,
			high_risk_count, polypharmacy_count, payload, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			label = EXCLUDED.label,
			knowledge_base_version = EXCLUDED.knowledge_base_version,
			medications = EXCLUDED.medications,
			high_risk_count = EXCLUDED.high_risk_count,
			polypharmacy_count = EXCLUDED.polypharmacy_count,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at
	`
	err = s.db.QueryRowContext(ctx, query,
		snap.ID,
		snap.Label,
		snap.KnowledgeBaseVersion,
		joinMedications(snap.Medications),
		snap.HighRiskCount,
		snap.PolypharmacyCount,
		payload,
		createdAt,
		now,
	).Scan(&snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	snap.UpdatedAt = now
	return nil
}

// Get retrieves a snapshot by assessment ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Snapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, pgSelectColumns+" WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return snap, nil
}

// List returns snapshots newest first.
func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		pgSelectColumns+" ORDER BY created_at DESC, id LIMIT $1 OFFSET $2",
		listLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
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
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM assessment_snapshots").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count snapshots: %w", err)
	}
	return count, nil
}

// Delete removes a snapshot by ID.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM assessment_snapshots WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("snapshot %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ExportJSON exports all snapshots to a JSON writer.
func (s *PostgresStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	return writeExport(ctx, s, writer)
}

// ImportJSON imports snapshots from a JSON reader.
func (s *PostgresStore) ImportJSON(ctx context.Context, reader io.Reader) (int, int, error) {
	return readExport(ctx, s, reader)
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the store and releases resources.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
