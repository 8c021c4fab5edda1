package state

import (
	"io"

	"github.com/ShayCichocki/weft/pkg/models"
)

// ManifestStore handles run manifest persistence.
type ManifestStore interface {
	SaveManifest(m *models.RunManifest) error
	GetManifest(runID string) (*models.RunManifest, error)
	ListManifests(limit int) ([]*models.RunManifest, error)
}

// ResultStore answers per-unit queries across runs.
type ResultStore interface {
	// LatestResult returns the most recent successful (or cached) result
	// for a unit, or nil if none exists.
	LatestResult(unitID string) (*models.UnitRunResult, error)
}

// Migrator handles database schema migrations. Separating this allows
// clients to depend only on migration functionality.
type Migrator interface {
	Migrate() error
}

// RunStore is the persistence interface the orchestrator consumes. It
// composes focused sub-interfaces so callers can depend on just the slice
// they need.
type RunStore interface {
	io.Closer
	Migrator
	ManifestStore
	ResultStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ RunStore      = (*DB)(nil)
	_ Migrator      = (*DB)(nil)
	_ ManifestStore = (*DB)(nil)
	_ ResultStore   = (*DB)(nil)
)
