package plan

import (
	"fmt"
	"sync"

	"github.com/nasa-jpl/acqview/fov"
	"github.com/nasa-jpl/acqview/util"
)

// ScanConfig is the z stack taken at every tile
type ScanConfig struct {
	// Step is the spacing of planes in the stack, in mm
	Step float64 `json:"step" yaml:"Step" koanf:"Step"`

	// Steps is the number of planes in the stack
	Steps int `json:"steps" yaml:"Steps" koanf:"Steps"`
}

// Validate returns an error if the stack is not usable
func (c ScanConfig) Validate() error {
	if c.Steps < 1 {
		return fmt.Errorf("scan needs at least one step, got %d", c.Steps)
	}
	if c.Step <= 0 {
		return fmt.Errorf("scan step must be positive, got %f", c.Step)
	}
	return nil
}

// ScanPlan is the z stack of every tile.  Its start follows the scanning
// dimension of the FOV position.
type ScanPlan struct {
	notifier

	mu     sync.Mutex
	limits util.Limiter
	cfg    ScanConfig
	start  float64
	starts []float64 // per tile
	closed bool
}

// NewScanPlan returns a scan plan on a scanning axis with the given limits
func NewScanPlan(limits util.Limiter, cfg ScanConfig) (*ScanPlan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ScanPlan{limits: limits, cfg: cfg, starts: []float64{0}}, nil
}

// UpdateFOV satisfies fov.Subscriber; the last dimension sets the start
func (s *ScanPlan) UpdateFOV(pos fov.Position) error {
	if len(pos) == 0 {
		return fmt.Errorf("empty FOV position")
	}
	return s.SetStart(pos[len(pos)-1])
}

// SetStart sets the start of the stack on every tile
func (s *ScanPlan) SetStart(z float64) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	z = s.limits.Clamp(z)
	changed := z != s.start
	s.start = z
	for i := range s.starts {
		s.starts[i] = z
	}
	listeners := s.listeners
	s.mu.Unlock()
	if changed {
		s.fire(listeners)
	}
	return nil
}

// Start returns the start of the stack
func (s *ScanPlan) Start() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start
}

// Limits returns the travel limits of the scanning axis
func (s *ScanPlan) Limits() util.Limiter {
	return s.limits
}

// Config returns the stack of the plan
func (s *ScanPlan) Config() ScanConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetConfig replaces the stack
func (s *ScanPlan) SetConfig(cfg ScanConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.cfg = cfg
	listeners := s.listeners
	s.mu.Unlock()
	s.fire(listeners)
	return nil
}

// Construct rebuilds the per tile stacks for n tiles
func (s *ScanPlan) Construct(n int) {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.starts = make([]float64, n)
	for i := range s.starts {
		s.starts[i] = s.start
	}
	listeners := s.listeners
	s.mu.Unlock()
	s.fire(listeners)
}

// TileStarts returns the start of the stack of every tile
func (s *ScanPlan) TileStarts() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.starts))
	copy(out, s.starts)
	return out
}

// ZPositions returns every plane of the stack, clamped to the travel limits
func (s *ScanPlan) ZPositions() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	zs := span(s.cfg.Steps, s.start, s.cfg.Step)
	for i := range zs {
		zs[i] = s.limits.Clamp(zs[i])
	}
	return zs
}

// Depth returns the extent of the stack, in mm
func (s *ScanPlan) Depth() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Step * float64(s.cfg.Steps-1)
}

// Close makes further updates fail with ErrClosed
func (s *ScanPlan) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
