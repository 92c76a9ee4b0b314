package plan

import (
	"fmt"
	"sync"

	"github.com/nasa-jpl/acqview/fov"
)

// Volume is a snapshot of a VolumeModel
type Volume struct {
	CoordinatePlane []string     `json:"coordinatePlane"`
	FOVPosition     fov.Position `json:"fovPosition"`
	GridCoords      [][3]float64 `json:"gridCoords"`
	TileZDimensions []float64    `json:"tileZDimensions"`
	PathVisible     bool         `json:"pathVisible"`
	GridPlane       [2]string    `json:"gridPlane"`
}

// VolumeModel is the 3D model of the planned acquisition and the current FOV
type VolumeModel struct {
	mu     sync.Mutex
	v      Volume
	closed bool
}

// NewVolumeModel returns a model over a three dimensional coordinate plane
func NewVolumeModel(plane []string) (*VolumeModel, error) {
	if len(plane) != 3 {
		return nil, fmt.Errorf("volume model needs 3 coordinate dimensions, got %v", plane)
	}
	p := make([]string, 3)
	copy(p, plane)
	return &VolumeModel{v: Volume{
		CoordinatePlane: p,
		FOVPosition:     make(fov.Position, 3),
		PathVisible:     true,
		GridPlane:       [2]string{p[0], p[1]},
	}}, nil
}

// UpdateFOV satisfies fov.Subscriber
func (m *VolumeModel) UpdateFOV(pos fov.Position) error {
	if len(pos) != 3 {
		return fmt.Errorf("volume model needs a 3 dimensional position, got %d", len(pos))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.v.FOVPosition = pos.Copy()
	return nil
}

// SetGrid sets the tile coordinates and z extents, which must be of equal length
func (m *VolumeModel) SetGrid(coords [][3]float64, zdims []float64) error {
	if len(coords) != len(zdims) {
		return fmt.Errorf("%d tile coordinates for %d z dimensions", len(coords), len(zdims))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.v.GridCoords = append([][3]float64(nil), coords...)
	m.v.TileZDimensions = append([]float64(nil), zdims...)
	return nil
}

// SetPathVisible toggles display of the acquisition path
func (m *VolumeModel) SetPathVisible(b bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.v.PathVisible = b
}

// SetGridPlane sets the plane viewed, e.g. ("x", "z")
func (m *VolumeModel) SetGridPlane(a, b string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a == b {
		return fmt.Errorf("grid plane needs two distinct dimensions, got (%s, %s)", a, b)
	}
	for _, d := range []string{a, b} {
		found := false
		for _, c := range m.v.CoordinatePlane {
			found = found || c == d
		}
		if !found {
			return fmt.Errorf("dimension %q is not in the coordinate plane %v", d, m.v.CoordinatePlane)
		}
	}
	m.v.GridPlane = [2]string{a, b}
	return nil
}

// Snapshot returns a copy of the model
func (m *VolumeModel) Snapshot() Volume {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.v
	v.CoordinatePlane = append([]string(nil), m.v.CoordinatePlane...)
	v.FOVPosition = m.v.FOVPosition.Copy()
	v.GridCoords = append([][3]float64(nil), m.v.GridCoords...)
	v.TileZDimensions = append([]float64(nil), m.v.TileZDimensions...)
	return v
}

// Close makes further updates fail with ErrClosed
func (m *VolumeModel) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}
