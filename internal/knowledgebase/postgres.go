package knowledgebase

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
)

// PgxConn is the subset of *pgxpool.Pool used by the Postgres source.
type PgxConn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresSource reads the active dataset version from the kb_* tables.
type PostgresSource struct {
	db     PgxConn
	logger *logrus.Logger
}

// NewPostgresSource creates a source over an open pool.
func NewPostgresSource(db PgxConn, logger *logrus.Logger) *PostgresSource {
	if logger == nil {
		logger = logrus.New()
	}
	return &PostgresSource{db: db, logger: logger}
}

func (s *PostgresSource) Name() string { return "postgres" }

// Fetch loads the dataset marked active.
func (s *PostgresSource) Fetch(ctx context.Context) (*Dataset, error) {
	ds := &Dataset{}
	err := s.db.QueryRow(ctx, `
		SELECT version, description
		FROM kb_datasets
		WHERE active
		ORDER BY imported_at DESC
		LIMIT 1`).Scan(&ds.Version, &ds.Description)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.New("no active knowledge base dataset in database")
		}
		return nil, fmt.Errorf("reading active dataset: %w", err)
	}

	if err := s.loadGenes(ctx, ds); err != nil {
		return nil, err
	}
	if err := s.loadMedications(ctx, ds); err != nil {
		return nil, err
	}
	if err := s.loadRules(ctx, ds); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"version":     ds.Version,
		"genes":       len(ds.Genes),
		"medications": len(ds.Medications),
		"rules":       len(ds.Rules),
	}).Debug("Loaded knowledge base dataset from database")
	return ds, nil
}

func (s *PostgresSource) loadGenes(ctx context.Context, ds *Dataset) error {
	rows, err := s.db.Query(ctx, `
		SELECT symbol, kind, description
		FROM kb_genes WHERE version = $1 ORDER BY symbol`, ds.Version)
	if err != nil {
		return fmt.Errorf("querying genes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var g GeneRecord
		if err := rows.Scan(&g.Symbol, &g.Kind, &g.Description); err != nil {
			return fmt.Errorf("scanning gene: %w", err)
		}
		ds.Genes = append(ds.Genes, g)
	}
	return rows.Err()
}

func (s *PostgresSource) loadMedications(ctx context.Context, ds *Dataset) error {
	rows, err := s.db.Query(ctx, `
		SELECT name, class, prior_risk, brands, aliases, metabolized_by
		FROM kb_medications WHERE version = $1 ORDER BY name`, ds.Version)
	if err != nil {
		return fmt.Errorf("querying medications: %w", err)
	}
	index := make(map[string]int)
	for rows.Next() {
		var m MedicationRecord
		if err := rows.Scan(&m.Name, &m.Class, &m.PriorRisk, &m.Brands, &m.Aliases, &m.MetabolizedBy); err != nil {
			rows.Close()
			return fmt.Errorf("scanning medication: %w", err)
		}
		index[m.Name] = len(ds.Medications)
		ds.Medications = append(ds.Medications, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading medications: %w", err)
	}

	modRows, err := s.db.Query(ctx, `
		SELECT medication, gene, effect, strength
		FROM kb_modifiers WHERE version = $1 ORDER BY medication, gene`, ds.Version)
	if err != nil {
		return fmt.Errorf("querying modifiers: %w", err)
	}
	defer modRows.Close()

	for modRows.Next() {
		var medication string
		var m ModifierRecord
		if err := modRows.Scan(&medication, &m.Gene, &m.Effect, &m.Strength); err != nil {
			return fmt.Errorf("scanning modifier: %w", err)
		}
		i, ok := index[medication]
		if !ok {
			return fmt.Errorf("modifier references unknown medication %q", medication)
		}
		ds.Medications[i].Modifiers = append(ds.Medications[i].Modifiers, m)
	}
	return modRows.Err()
}

func (s *PostgresSource) loadRules(ctx context.Context, ds *Dataset) error {
	rows, err := s.db.Query(ctx, `
		SELECT gene, medication, phenotype, genotype, category, risk_factor, source,
		       adverse_effects, flowsheet_prompts, rationale
		FROM kb_rules WHERE version = $1 ORDER BY gene, medication, phenotype, genotype`, ds.Version)
	if err != nil {
		return fmt.Errorf("querying rules: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r RuleRecord
		if err := rows.Scan(&r.Gene, &r.Medication, &r.Phenotype, &r.Genotype, &r.Category,
			&r.RiskFactor, &r.Source, &r.AdverseEffects, &r.FlowsheetPrompts, &r.Rationale); err != nil {
			return fmt.Errorf("scanning rule: %w", err)
		}
		ds.Rules = append(ds.Rules, r)
	}
	return rows.Err()
}

// ImportDataset validates ds and writes it as a new version in one transaction.
// With activate set, the imported version becomes the one Fetch returns.
func ImportDataset(ctx context.Context, db PgxConn, ds *Dataset, activate bool, logger *logrus.Logger) error {
	if _, err := New(ds, nil); err != nil {
		return fmt.Errorf("validating dataset: %w", err)
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Re-importing a version replaces it.
	for _, table := range []string{"kb_rules", "kb_modifiers", "kb_medications", "kb_genes", "kb_datasets"} {
		if _, err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE version = $1", ds.Version); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO kb_datasets (version, description, active) VALUES ($1, $2, false)`,
		ds.Version, ds.Description); err != nil {
		return fmt.Errorf("inserting dataset: %w", err)
	}

	for _, g := range ds.Genes {
		if _, err := tx.Exec(ctx,
			`INSERT INTO kb_genes (version, symbol, kind, description) VALUES ($1, $2, $3, $4)`,
			ds.Version, g.Symbol, g.Kind, g.Description); err != nil {
			return fmt.Errorf("inserting gene %s: %w", g.Symbol, err)
		}
	}

	for _, m := range ds.Medications {
		if _, err := tx.Exec(ctx, `
			INSERT INTO kb_medications (version, name, class, prior_risk, brands, aliases, metabolized_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			ds.Version, m.Name, m.Class, m.PriorRisk, nonNil(m.Brands), nonNil(m.Aliases), nonNil(m.MetabolizedBy)); err != nil {
			return fmt.Errorf("inserting medication %s: %w", m.Name, err)
		}
		for _, mod := range m.Modifiers {
			if _, err := tx.Exec(ctx, `
				INSERT INTO kb_modifiers (version, medication, gene, effect, strength)
				VALUES ($1, $2, $3, $4, $5)`,
				ds.Version, m.Name, mod.Gene, mod.Effect, mod.Strength); err != nil {
				return fmt.Errorf("inserting modifier %s/%s: %w", m.Name, mod.Gene, err)
			}
		}
	}

	for _, r := range ds.Rules {
		if _, err := tx.Exec(ctx, `
			INSERT INTO kb_rules (version, gene, medication, phenotype, genotype, category, risk_factor,
			                      source, adverse_effects, flowsheet_prompts, rationale)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			ds.Version, r.Gene, r.Medication, r.Phenotype, r.Genotype, r.Category, r.RiskFactor,
			r.Source, nonNil(r.AdverseEffects), nonNil(r.FlowsheetPrompts), r.Rationale); err != nil {
			return fmt.Errorf("inserting rule %s/%s: %w", r.Gene, r.Medication, err)
		}
	}

	if activate {
		if _, err := tx.Exec(ctx, `UPDATE kb_datasets SET active = (version = $1)`, ds.Version); err != nil {
			return fmt.Errorf("activating dataset: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing dataset import: %w", err)
	}

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"version":     ds.Version,
			"medications": len(ds.Medications),
			"rules":       len(ds.Rules),
			"activated":   activate,
		}).Info("Knowledge base dataset imported")
	}
	return nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
