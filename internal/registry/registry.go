// Package registry loads prompt unit definitions from YAML documents and
// resolves their reference syntax into plain dependency IDs.
package registry

import (
	"fmt"

	"github.com/ShayCichocki/weft/pkg/models"
)

// Registry holds the loaded units for one project. It is immutable after
// load; units are shared read-only with the graph and scheduler.
type Registry struct {
	units []*models.Unit
	byID  map[string]*models.Unit
}

// NewRegistry builds a registry from already-constructed units.
// It rejects duplicate IDs.
func NewRegistry(units []*models.Unit) (*Registry, error) {
	r := &Registry{
		byID: make(map[string]*models.Unit, len(units)),
	}
	for _, u := range units {
		if _, exists := r.byID[u.ID]; exists {
			return nil, fmt.Errorf("duplicate unit id %q (second definition in %s)", u.ID, u.Path)
		}
		r.byID[u.ID] = u
		r.units = append(r.units, u)
	}
	return r, nil
}

// Units returns all units in load order.
func (r *Registry) Units() []*models.Unit {
	return r.units
}

// Unit returns the unit with the given ID, or nil if not found.
func (r *Registry) Unit(id string) *models.Unit {
	return r.byID[id]
}

// Len returns the number of loaded units.
func (r *Registry) Len() int {
	return len(r.units)
}
