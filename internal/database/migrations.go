package database

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// MigrationStatus reports where the schema stands relative to the migrations
// the runner knows about.
type MigrationStatus struct {
	Version uint `json:"version"`
	Latest  uint `json:"latest"`
	Dirty   bool `json:"dirty"`
}

// Pending reports whether Up would apply anything.
func (s MigrationStatus) Pending() bool {
	return s.Version < s.Latest
}

// MigrationRunner applies the knowledge base and snapshot schema.
type MigrationRunner struct {
	migrate *migrate.Migrate
	latest  uint
	source  string
	log     *logrus.Logger
}

// NewMigrationRunner creates a runner against databaseURL. An empty dir uses
// the migrations compiled into the binary; otherwise dir is read from disk.
func NewMigrationRunner(databaseURL, dir string, logger *logrus.Logger) (*MigrationRunner, error) {
	if logger == nil {
		logger = logrus.New()
	}

	var (
		m      *migrate.Migrate
		fsys   fs.FS
		source string
		err    error
	)
	if dir == "" {
		fsys, err = fs.Sub(embeddedMigrations, "migrations")
		if err != nil {
			return nil, fmt.Errorf("opening embedded migrations: %w", err)
		}
		src, err := iofs.New(fsys, ".")
		if err != nil {
			return nil, fmt.Errorf("reading embedded migrations: %w", err)
		}
		source = "embedded"
		m, err = migrate.NewWithSourceInstance("iofs", src, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("creating migration instance: %w", err)
		}
	} else {
		fsys = os.DirFS(dir)
		source = "file://" + dir
		m, err = migrate.New(source, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("creating migration instance: %w", err)
		}
	}

	latest, err := latestVersion(fsys)
	if err != nil {
		m.Close()
		return nil, err
	}
	return &MigrationRunner{migrate: m, latest: latest, source: source, log: logger}, nil
}

// Up applies every pending migration.
func (mr *MigrationRunner) Up() error {
	mr.log.WithFields(logrus.Fields{
		"source": mr.source,
		"latest": mr.latest,
	}).Info("Applying schema migrations")

	err := mr.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		mr.log.Info("Schema already up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	mr.logStatus("Schema migrated")
	return nil
}

// Down rolls back the most recent migration only.
func (mr *MigrationRunner) Down() error {
	err := mr.migrate.Steps(-1)
	if errors.Is(err, migrate.ErrNoChange) || errors.Is(err, fs.ErrNotExist) {
		mr.log.Info("Nothing to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("rolling back migration: %w", err)
	}
	mr.logStatus("Rolled back one migration")
	return nil
}

// Version returns the applied version. A fresh database reports 0.
func (mr *MigrationRunner) Version() (uint, bool, error) {
	version, dirty, err := mr.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading schema version: %w", err)
	}
	return version, dirty, nil
}

// Status combines the applied version with the newest known migration.
func (mr *MigrationRunner) Status() (MigrationStatus, error) {
	version, dirty, err := mr.Version()
	if err != nil {
		return MigrationStatus{}, err
	}
	return MigrationStatus{Version: version, Latest: mr.latest, Dirty: dirty}, nil
}

func (mr *MigrationRunner) logStatus(msg string) {
	status, err := mr.Status()
	if err != nil {
		mr.log.WithError(err).Warn("Could not read schema version")
		return
	}
	mr.log.WithFields(logrus.Fields{
		"version": status.Version,
		"latest":  status.Latest,
		"dirty":   status.Dirty,
	}).Info(msg)
}

// Close releases the source and database handles.
func (mr *MigrationRunner) Close() error {
	sourceErr, dbErr := mr.migrate.Close()
	return errors.Join(sourceErr, dbErr)
}

// latestVersion finds the highest NNNNNN_name.up.sql version in fsys.
func latestVersion(fsys fs.FS) (uint, error) {
	names, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return 0, fmt.Errorf("listing migrations: %w", err)
	}
	if len(names) == 0 {
		return 0, fmt.Errorf("no migrations found")
	}

	var latest uint
	for _, name := range names {
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return 0, fmt.Errorf("migration %s has no version prefix", name)
		}
		v, err := strconv.ParseUint(prefix, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("migration %s: %w", name, err)
		}
		if uint(v) > latest {
			latest = uint(v)
		}
	}
	return latest, nil
}
