// Package snapshot persists assessments the user explicitly exports.
// Nothing is written unless a caller saves a snapshot.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pgx-cds-server/internal/domain"
)

// Snapshot is an exported assessment plus the columns used for listing.
type Snapshot struct {
	ID                   string             `json:"id"`
	Label                string             `json:"label,omitempty"`
	KnowledgeBaseVersion string             `json:"knowledge_base_version"`
	Medications          []string           `json:"medications"`
	HighRiskCount        int                `json:"high_risk_count"`
	PolypharmacyCount    int                `json:"polypharmacy_count"`
	Assessment           *domain.Assessment `json:"assessment"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// FromAssessment wraps an assessment for storage. The assessment ID becomes
// the snapshot ID, so exporting the same assessment twice updates one row.
func FromAssessment(a *domain.Assessment, label string) *Snapshot {
	return &Snapshot{
		ID:                   a.ID,
		Label:                strings.TrimSpace(label),
		KnowledgeBaseVersion: a.KnowledgeBaseVersion,
		Medications:          append([]string(nil), a.Medications...),
		HighRiskCount:        a.Summary.HighRiskCount,
		PolypharmacyCount:    a.Summary.PolypharmacyCount,
		Assessment:           a,
	}
}

// Store defines the interface for snapshot storage operations.
type Store interface {
	// Save inserts the snapshot or replaces the one with the same ID.
	Save(ctx context.Context, s *Snapshot) error

	// Get returns domain.ErrNotFound when no snapshot has the ID.
	Get(ctx context.Context, id string) (*Snapshot, error)

	// List returns snapshots newest first.
	List(ctx context.Context, limit, offset int) ([]*Snapshot, error)

	Count(ctx context.Context) (int64, error)

	// Delete returns domain.ErrNotFound when no snapshot has the ID.
	Delete(ctx context.Context, id string) error

	// ExportJSON writes every snapshot to writer.
	ExportJSON(ctx context.Context, writer io.Writer) error

	// ImportJSON loads an export, skipping IDs that already exist.
	ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error)

	Ping(ctx context.Context) error
	Close() error
}

// Export is the JSON export format.
type Export struct {
	Version    string      `json:"version"`
	ExportedAt time.Time   `json:"exported_at"`
	Count      int         `json:"count"`
	Snapshots  []*Snapshot `json:"snapshots"`
}

const (
	exportVersion  = "1.0"
	maxExportLimit = 1000000
)

// DefaultListLimit applies when callers pass a non-positive limit.
const DefaultListLimit = 50

func validate(s *Snapshot) error {
	if s == nil || s.Assessment == nil {
		return domain.NewValidationError("assessment", "snapshot has no assessment", nil)
	}
	if strings.TrimSpace(s.ID) == "" {
		return domain.NewValidationError("id", "snapshot ID is required", s.ID)
	}
	// IDs name export files, so only assessment UUIDs are accepted.
	if _, err := uuid.Parse(s.ID); err != nil {
		return domain.NewValidationError("id", "snapshot ID must be a UUID", s.ID)
	}
	return nil
}

func encodePayload(a *domain.Assessment) (string, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encoding assessment: %w", err)
	}
	return string(data), nil
}

func decodePayload(payload []byte) (*domain.Assessment, error) {
	var a domain.Assessment
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("decoding assessment: %w", err)
	}
	return &a, nil
}

func joinMedications(meds []string) string {
	return strings.Join(meds, ",")
}

func splitMedications(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}

func listLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

// writeExport and readExport are shared by both stores.
func writeExport(ctx context.Context, store Store, writer io.Writer) error {
	all, err := store.List(ctx, maxExportLimit, 0)
	if err != nil {
		return fmt.Errorf("failed to list snapshots: %w", err)
	}
	export := &Export{
		Version:    exportVersion,
		ExportedAt: time.Now().UTC(),
		Count:      len(all),
		Snapshots:  all,
	}
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

func readExport(ctx context.Context, store Store, reader io.Reader) (imported int, skipped int, err error) {
	var export Export
	if err := json.NewDecoder(reader).Decode(&export); err != nil {
		return 0, 0, fmt.Errorf("failed to decode JSON: %w", err)
	}

	for _, s := range export.Snapshots {
		_, err := store.Get(ctx, s.ID)
		switch {
		case err == nil:
			skipped++
			continue
		case !errors.Is(err, domain.ErrNotFound):
			return imported, skipped, fmt.Errorf("failed to check existing: %w", err)
		}
		if err := store.Save(ctx, s); err != nil {
			return imported, skipped, fmt.Errorf("failed to save %s: %w", s.ID, err)
		}
		imported++
	}
	return imported, skipped, nil
}
