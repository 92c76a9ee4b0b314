package plan

import (
	"fmt"
	"sync"

	"github.com/nasa-jpl/acqview/fov"
	"github.com/nasa-jpl/acqview/util"
)

// TileConfig is the grid of a tile plan
type TileConfig struct {
	// FOVDimensions is the size of the field of view along the first two
	// dimensions of the plane, in mm
	FOVDimensions [2]float64 `json:"fovDimensions" yaml:"FOVDimensions" koanf:"FOVDimensions"`

	// Overlap is the overlap of neighboring tiles, in percent
	Overlap float64 `json:"overlap" yaml:"Overlap" koanf:"Overlap"`

	Rows    int `json:"rows" yaml:"Rows" koanf:"Rows"`
	Columns int `json:"columns" yaml:"Columns" koanf:"Columns"`
}

// Validate returns an error if the grid is not usable
func (c TileConfig) Validate() error {
	if c.Rows < 1 || c.Columns < 1 {
		return fmt.Errorf("tile grid must be at least 1x1, got %dx%d", c.Rows, c.Columns)
	}
	if c.Overlap < 0 || c.Overlap >= 100 {
		return fmt.Errorf("overlap must be in [0, 100), got %f", c.Overlap)
	}
	if c.FOVDimensions[0] <= 0 || c.FOVDimensions[1] <= 0 {
		return fmt.Errorf("fov dimensions must be positive, got %v", c.FOVDimensions)
	}
	return nil
}

// TilePlan is a grid of tiles whose origin follows the FOV position, except
// along anchored dimensions
type TilePlan struct {
	notifier

	mu     sync.Mutex
	limits [3]util.Limiter
	cfg    TileConfig
	pos    fov.Position
	origin [3]float64
	anchor [3]bool
	closed bool
}

// NewTilePlan returns a tile plan over three dimensions with the given travel limits
func NewTilePlan(limits [3]util.Limiter, cfg TileConfig) (*TilePlan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TilePlan{limits: limits, cfg: cfg, pos: make(fov.Position, 3)}, nil
}

// UpdateFOV satisfies fov.Subscriber
func (t *TilePlan) UpdateFOV(pos fov.Position) error {
	if len(pos) != 3 {
		return fmt.Errorf("tile plan needs a 3 dimensional position, got %d", len(pos))
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	copy(t.pos, pos)
	changed := false
	for i := range t.origin {
		if !t.anchor[i] && t.origin[i] != pos[i] {
			t.origin[i] = pos[i]
			changed = true
		}
	}
	listeners := t.listeners
	t.mu.Unlock()
	if changed {
		t.fire(listeners)
	}
	return nil
}

// FOVPosition returns the last FOV position given to the plan
func (t *TilePlan) FOVPosition() fov.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos.Copy()
}

// Limits returns the travel limits of the plan
func (t *TilePlan) Limits() [3]util.Limiter {
	return t.limits
}

// Config returns the grid of the plan
func (t *TilePlan) Config() TileConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

// SetGrid replaces the grid of the plan
func (t *TilePlan) SetGrid(cfg TileConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.cfg = cfg
	listeners := t.listeners
	t.mu.Unlock()
	t.fire(listeners)
	return nil
}

// SetAnchor anchors or frees dimension dim.  An anchored dimension keeps its
// origin when the FOV moves; anchoring at value sets the origin to it.
func (t *TilePlan) SetAnchor(dim int, anchored bool, value float64) error {
	if dim < 0 || dim > 2 {
		return fmt.Errorf("dimension %d out of range", dim)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.anchor[dim] = anchored
	if anchored {
		t.origin[dim] = t.limits[dim].Clamp(value)
	} else {
		t.origin[dim] = t.pos[dim]
	}
	listeners := t.listeners
	t.mu.Unlock()
	t.fire(listeners)
	return nil
}

// Anchored returns true if dimension dim is anchored
func (t *TilePlan) Anchored(dim int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return dim >= 0 && dim < 3 && t.anchor[dim]
}

// Origin returns the position of the first tile
func (t *TilePlan) Origin() [3]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.origin
}

// TileCount returns rows*columns
func (t *TilePlan) TileCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.Rows * t.cfg.Columns
}

// TilePositions returns the position of every tile in the first two
// dimensions, row by row, clamped to the travel limits
func (t *TilePlan) TilePositions() [][2]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	stepX := t.cfg.FOVDimensions[0] * (1 - t.cfg.Overlap/100)
	stepY := t.cfg.FOVDimensions[1] * (1 - t.cfg.Overlap/100)
	xs := span(t.cfg.Columns, t.origin[0], stepX)
	ys := span(t.cfg.Rows, t.origin[1], stepY)
	out := make([][2]float64, 0, len(xs)*len(ys))
	for _, y := range ys {
		for _, x := range xs {
			out = append(out, [2]float64{t.limits[0].Clamp(x), t.limits[1].Clamp(y)})
		}
	}
	return out
}

// Close makes further updates fail with ErrClosed
func (t *TilePlan) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}
