// Package acquisition is the acquisition view of a microscope: it owns the
// stages, runs the live FOV position poller and keeps the tile plan, scan plan
// and volume model following the instrument.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nasa-jpl/acqview/fov"
	"github.com/nasa-jpl/acqview/metadata"
	"github.com/nasa-jpl/acqview/plan"
	"github.com/nasa-jpl/acqview/stage"
	"github.com/nasa-jpl/acqview/util"
)

// Instrument holds the stages of the microscope.  Tiling stages are polled in
// order, then the scanning stage.
type Instrument struct {
	TilingStages  []stage.Named
	ScanningStage stage.Named
}

// Stages returns every stage, tiling stages first
func (i Instrument) Stages() []stage.Named {
	out := make([]stage.Named, 0, len(i.TilingStages)+1)
	out = append(out, i.TilingStages...)
	return append(out, i.ScanningStage)
}

// Config holds the parameters of a View
type Config struct {
	// CoordinatePlane names the three dimensions of the FOV position, the
	// scanning dimension last
	CoordinatePlane []string

	// PollInterval is the period of the FOV poller
	PollInterval time.Duration

	// PauseTimeout bounds how long StopStage waits for the poller to pause
	PauseTimeout time.Duration

	// StreamRate is the maximum rate of the websocket position stream, in Hz.
	// DefaultStreamRate if zero
	StreamRate float64

	Tiles plan.TileConfig
	Scan  plan.ScanConfig
}

// View ties the poller to its subscribers and issues stage commands in
// between polls
type View struct {
	inst   Instrument
	locks  stage.Locks
	plane  []string
	byDim  map[string]stage.Named
	pauseT time.Duration
	log    *slog.Logger

	hub        *hub
	streamRate float64

	stopMu sync.Mutex // one StopStage at a time

	Poller   *fov.Poller
	Tiles    *plan.TilePlan
	Scan     *plan.ScanPlan
	Volume   *plan.VolumeModel
	Metadata *metadata.Metadata
}

// NewView builds the view.  The coordinate plane must name exactly the
// dimensions the stages move, with the scanning stage last.  If locks is nil,
// one lock per stage is made; otherwise it must have a lock for every stage.
// md may be nil, the metadata routes are then not served.
func NewView(inst Instrument, locks stage.Locks, md *metadata.Metadata, c Config, logger *slog.Logger) (*View, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = stage.NewLocks(inst.Stages()...)
	}
	plane := c.CoordinatePlane
	if len(plane) == 0 {
		plane = []string{"x", "y", "z"}
	}
	if len(util.UniqueString(plane)) != 3 || len(plane) != 3 {
		return nil, fmt.Errorf("coordinate plane must have 3 distinct dimensions, got %v", plane)
	}
	if inst.ScanningStage.Axis == nil {
		return nil, errors.New("instrument has no scanning stage")
	}
	for _, s := range inst.Stages() {
		if s.Axis == nil {
			return nil, fmt.Errorf("stage %q has no axis", s.Name)
		}
		if locks.For(s.Name) == nil {
			return nil, fmt.Errorf("no lock for stage %q", s.Name)
		}
	}

	// limits are read under the stage locks, one at a time
	byDim := make(map[string]stage.Named, 3)
	limits := map[string]util.Limiter{}
	for _, s := range inst.Stages() {
		dim := s.Axis.InstrumentAxis()
		mu := locks.For(s.Name)
		mu.Lock()
		limits[dim] = s.Axis.LimitsMM()
		mu.Unlock()
		byDim[dim] = s
	}
	matched := 0
	for _, dim := range plane {
		if _, ok := limits[dim]; ok {
			matched++
		}
	}
	if matched != 3 || len(limits) != 3 {
		return nil, fmt.Errorf("coordinate plane %v must match the instrument axes of the tiling and scanning stages", plane)
	}
	if inst.ScanningStage.Axis.InstrumentAxis() != plane[2] {
		return nil, fmt.Errorf("the scanning stage moves %q, the last dimension of the coordinate plane is %q",
			inst.ScanningStage.Axis.InstrumentAxis(), plane[2])
	}

	tiles, err := plan.NewTilePlan([3]util.Limiter{limits[plane[0]], limits[plane[1]], limits[plane[2]]}, c.Tiles)
	if err != nil {
		return nil, fmt.Errorf("tile plan: %w", err)
	}
	scan, err := plan.NewScanPlan(limits[plane[2]], c.Scan)
	if err != nil {
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	volume, err := plan.NewVolumeModel(plane)
	if err != nil {
		return nil, err
	}

	srcs := make([]fov.Source, 0, 3)
	for _, s := range inst.Stages() {
		srcs = append(srcs, fov.Source{Name: s.Name, Axis: s.Axis, Lock: locks.For(s.Name)})
	}
	poller, err := fov.New(fov.Config{
		Sources:  srcs,
		Plane:    plane,
		Interval: c.PollInterval,
		Logger:   logger.With("component", "fov"),
	})
	if err != nil {
		return nil, err
	}

	pauseT := c.PauseTimeout
	if pauseT <= 0 {
		pauseT = 5 * time.Second
	}
	streamRate := c.StreamRate
	if streamRate <= 0 {
		streamRate = DefaultStreamRate
	}
	v := &View{
		inst:       inst,
		locks:      locks,
		plane:      append([]string(nil), plane...),
		byDim:      byDim,
		pauseT:     pauseT,
		log:        logger,
		hub:        newHub(),
		streamRate: streamRate,
		Poller:     poller,
		Tiles:      tiles,
		Scan:       scan,
		Volume:     volume,
		Metadata:   md,
	}

	tiles.OnChange(v.tilesChanged)
	scan.OnChange(v.refreshVolumeGrid)
	poller.Subscribe(tiles)
	poller.SubscribeFunc(v.updateScan)
	poller.Subscribe(volume)
	poller.Subscribe(v.hub)
	v.tilesChanged()
	return v, nil
}

// updateScan moves the start of the scan with the FOV, unless the tile plan
// anchors the scanning dimension
func (v *View) updateScan(pos fov.Position) error {
	if v.Tiles.Anchored(2) {
		return nil
	}
	return v.Scan.UpdateFOV(pos)
}

// tilesChanged rebuilds the per tile scans and the volume grid
func (v *View) tilesChanged() {
	v.Scan.Construct(v.Tiles.TileCount())
}

func (v *View) refreshVolumeGrid() {
	xy := v.Tiles.TilePositions()
	starts := v.Scan.TileStarts()
	depth := v.Scan.Depth()
	n := len(xy)
	if len(starts) < n {
		n = len(starts)
	}
	coords := make([][3]float64, n)
	zdims := make([]float64, n)
	for i := 0; i < n; i++ {
		coords[i] = [3]float64{xy[i][0], xy[i][1], starts[i]}
		zdims[i] = depth
	}
	if err := v.Volume.SetGrid(coords, zdims); err != nil {
		v.log.Debug("volume grid not updated", "err", err)
	}
}

// Plane returns the coordinate plane
func (v *View) Plane() []string {
	return append([]string(nil), v.plane...)
}

// Stage returns the stage moving dimension dim
func (v *View) Stage(dim string) (stage.Named, bool) {
	s, ok := v.byDim[dim]
	return s, ok
}

// Start starts the FOV poller
func (v *View) Start() {
	v.Poller.Start()
	v.log.Info("fov poller started", "plane", v.plane)
}

// Close stops the poller and closes the models
func (v *View) Close() {
	v.Poller.Stop()
	v.Tiles.Close()
	v.Scan.Close()
	v.Volume.Close()
}

// MoveStage moves the FOV to pos without waiting for the moves to finish.
// Each stage is commanded under its own lock, one at a time.
func (v *View) MoveStage(pos fov.Position) error {
	if len(pos) != len(v.plane) {
		return fmt.Errorf("expected a %d dimensional position, got %d", len(v.plane), len(pos))
	}
	for i, dim := range v.plane {
		s := v.byDim[dim]
		if !s.Axis.LimitsMM().Check(pos[i]) {
			return fmt.Errorf("%s to %f: %w", dim, pos[i], stage.ErrOutOfLimits)
		}
	}
	for i, dim := range v.plane {
		s := v.byDim[dim]
		if err := v.command(s, func(a stage.Axis) error { return a.MoveAbsoluteMM(pos[i], false) }); err != nil {
			return fmt.Errorf("moving %s: %w", s.Name, err)
		}
	}
	v.log.Info("fov moved", "position", pos)
	return nil
}

// command runs f on a stage with its lock held
func (v *View) command(s stage.Named, f func(stage.Axis) error) error {
	mu := v.locks.For(s.Name)
	mu.Lock()
	defer mu.Unlock()
	return f(s.Axis)
}

// StopStage halts every stage.  The poller is held paused first, so no
// position read is in flight when the halts are issued, and released
// afterwards even if a halt fails.  Concurrent calls halt one after the other.
func (v *View) StopStage(ctx context.Context) error {
	v.stopMu.Lock()
	defer v.stopMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, v.pauseT)
	defer cancel()
	release, err := v.Poller.Hold(ctx)
	if err != nil {
		return fmt.Errorf("pausing fov poller: %w", err)
	}
	defer release()
	var errs []error
	for _, s := range v.inst.Stages() {
		if err := v.command(s, stage.Axis.Halt); err != nil {
			errs = append(errs, fmt.Errorf("halting %s: %w", s.Name, err))
		}
	}
	v.log.Info("stages halted", "errors", len(errs))
	return errors.Join(errs...)
}

// SetActive pauses polling while the view is inactive (e.g. its window lost
// focus) and resumes it when it is active again.  Activating also withdraws
// a pause that was not yet honored, but never ends a StopStage early
func (v *View) SetActive(active bool) {
	if active {
		v.Poller.Resume()
		return
	}
	v.Poller.RequestPause()
}
