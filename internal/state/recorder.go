package state

import (
	"time"

	"github.com/ShayCichocki/weft/pkg/models"
)

// Recorder finalizes run manifests and answers freshness queries across
// runs. It owns the aggregate-success rule: a run succeeds iff no unit
// ended failed after policy resolution.
type Recorder struct {
	store RunStore
}

// NewRecorder creates a recorder over the given store.
func NewRecorder(store RunStore) *Recorder {
	return &Recorder{store: store}
}

// Finalize stamps the completion time, computes aggregate success, and
// persists the manifest. It is called on completion and on cancellation; a
// partially executed run still yields a complete manifest.
func (r *Recorder) Finalize(m *models.RunManifest) error {
	if m.CompletedAt.IsZero() {
		m.CompletedAt = time.Now()
	}

	m.Success = true
	for _, res := range m.Results {
		if res.Status == models.StatusFailed {
			m.Success = false
			break
		}
	}

	return r.store.SaveManifest(m)
}

// DirtyUnit flags a unit whose current definition has no corresponding
// successful run.
type DirtyUnit struct {
	// UnitID is the stale unit.
	UnitID string
	// RecordedChecksum is the hash of the last successful run, empty when
	// the unit has never run successfully.
	RecordedChecksum string
	// CurrentChecksum is the hash of the current definition.
	CurrentChecksum string
}

// DirtyUnits compares the given units against the last successful results
// and returns those whose definitions changed without a successful run,
// including units that never ran.
func (r *Recorder) DirtyUnits(units []*models.Unit) ([]DirtyUnit, error) {
	var dirty []DirtyUnit
	for _, u := range units {
		prior, err := r.store.LatestResult(u.ID)
		if err != nil {
			return nil, err
		}
		if prior == nil {
			dirty = append(dirty, DirtyUnit{UnitID: u.ID, CurrentChecksum: u.Checksum})
			continue
		}
		if prior.Checksum != u.Checksum {
			dirty = append(dirty, DirtyUnit{
				UnitID:           u.ID,
				RecordedChecksum: prior.Checksum,
				CurrentChecksum:  u.Checksum,
			})
		}
	}
	return dirty, nil
}
