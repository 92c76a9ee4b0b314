// Package fov samples the stage positions of an instrument in the background and
// publishes the field of view (FOV) position to subscribers.
//
// A Poller reads every configured axis in a fixed order, one lock at a time,
// assembles a composite Position in coordinate-plane order and hands it to each
// subscriber synchronously.  It can be paused, to give another actor exclusive
// use of the axes (e.g. to halt them), resumed, and stopped.
//
//	p, err := fov.New(fov.Config{
//		Sources: []fov.Source{
//			{Name: "tile x", Axis: x, Lock: locks["tile x"]},
//			{Name: "tile y", Axis: y, Lock: locks["tile y"]},
//			{Name: "scan z", Axis: z, Lock: locks["scan z"]},
//		},
//		Plane: []string{"x", "y", "z"},
//	})
//	p.SubscribeFunc(func(pos fov.Position) error {
//		fmt.Println(pos)
//		return nil
//	})
//	p.Start()
//	defer p.Stop()
//
// Pause and Resume are the operator's switch.  Hold is for callers that need
// the axes for a while, e.g. to halt them: the poller stays paused until every
// hold is released, whatever Resume calls are made in between.
package fov

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nasa-jpl/acqview/stage"
)

// DefaultInterval is the time slept between poll cycles
const DefaultInterval = 100 * time.Millisecond

var (
	// ErrStopped is generated when a stopped poller is asked to pause
	ErrStopped = errors.New("position poller is stopped")

	// ErrNotStarted is generated when a poller that was never started is asked to pause
	ErrNotStarted = errors.New("position poller is not started")
)

// State is the life cycle state of a Poller
type State int

const (
	// Idle pollers have been made but not started
	Idle State = iota
	// Running pollers are reading axes
	Running
	// Paused pollers have confirmed they are not touching any axis
	Paused
	// Stopped pollers are finished, for good
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Position is a composite position, one value per coordinate dimension in
// the order of the poller's plane
type Position []float64

// Copy returns a copy of p
func (p Position) Copy() Position {
	if p == nil {
		return nil
	}
	out := make(Position, len(p))
	copy(out, p)
	return out
}

// Subscriber consumes FOV positions.  Errors are not actionable by the
// poller, they are logged and otherwise ignored.
type Subscriber interface {
	UpdateFOV(Position) error
}

// SubscriberFunc adapts a function to a Subscriber
type SubscriberFunc func(Position) error

// UpdateFOV satisfies Subscriber
func (f SubscriberFunc) UpdateFOV(p Position) error {
	return f(p)
}

// Source is one axis to be polled, and the lock guarding it
type Source struct {
	Name string
	Axis stage.Axis
	Lock sync.Locker
}

// Config holds the parameters of a Poller
type Config struct {
	// Sources are read in this order every cycle
	Sources []Source

	// Plane names the coordinate dimensions, in Position order.  Every
	// dimension must be fed by exactly one source
	Plane []string

	// Interval is the time slept before every cycle, DefaultInterval if zero
	Interval time.Duration

	// Initial is substituted for a dimension that has never been read.
	// Zeros if nil
	Initial Position

	// Logger receives debug messages about absorbed read failures.
	// slog.Default() if nil
	Logger *slog.Logger
}

type source struct {
	Source
	index int
}

// Poller reads the position of every axis on a fixed interval and publishes
// the composite to subscribers.  Pollers must be created with New.
type Poller struct {
	sources  []source
	interval time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	state    State
	manual   bool          // paused by Pause or RequestPause, until Resume
	waiting  int           // Pause calls not yet honored
	holds    int           // Hold leases not yet released
	pending  bool          // a pause has been requested and not yet honored
	parked   chan struct{} // closed when the loop honors the pending pause
	resumed  chan struct{} // closed by Resume
	last     Position
	subs     []Subscriber
	cycles   uint64
	stopOnce sync.Once

	wake chan struct{} // nudges the loop out of its sleep on pause
	stop chan struct{}
	done chan struct{}
}

// New returns a Poller in the Idle state
func New(c Config) (*Poller, error) {
	if len(c.Plane) == 0 {
		return nil, errors.New("coordinate plane is empty")
	}
	index := make(map[string]int, len(c.Plane))
	for i, dim := range c.Plane {
		if _, dup := index[dim]; dup {
			return nil, fmt.Errorf("coordinate plane repeats dimension %q", dim)
		}
		index[dim] = i
	}
	fed := make([]string, len(c.Plane))
	srcs := make([]source, 0, len(c.Sources))
	for _, s := range c.Sources {
		if s.Axis == nil || s.Lock == nil {
			return nil, fmt.Errorf("source %q needs both an axis and a lock", s.Name)
		}
		dim := s.Axis.InstrumentAxis()
		i, ok := index[dim]
		if !ok {
			return nil, fmt.Errorf("source %q moves %q, which is not in the coordinate plane %v", s.Name, dim, c.Plane)
		}
		if fed[i] != "" {
			return nil, fmt.Errorf("sources %q and %q both move %q", fed[i], s.Name, dim)
		}
		fed[i] = s.Name
		srcs = append(srcs, source{Source: s, index: i})
	}
	for i, name := range fed {
		if name == "" {
			return nil, fmt.Errorf("no source moves %q", c.Plane[i])
		}
	}

	last := make(Position, len(c.Plane))
	if c.Initial != nil {
		if len(c.Initial) != len(c.Plane) {
			return nil, fmt.Errorf("initial position has %d values for a %d dimensional plane", len(c.Initial), len(c.Plane))
		}
		copy(last, c.Initial)
	}
	interval := c.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		sources:  srcs,
		interval: interval,
		log:      logger,
		last:     last,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Subscribe adds s to the end of the notification order
func (p *Poller) Subscribe(s Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, s)
}

// SubscribeFunc is a shorthand for Subscribe(SubscriberFunc(f))
func (p *Poller) SubscribeFunc(f func(Position) error) {
	p.Subscribe(SubscriberFunc(f))
}

// Start begins polling.  Calls on a poller that is not Idle do nothing.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Idle {
		return
	}
	p.state = Running
	go p.run()
}

// Stop ends polling for good.  It does not wait for an in-flight read, and
// no publish begins after Stop returns.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.state == Idle {
		close(p.done)
	}
	p.state = Stopped
	p.pending = false
	p.mu.Unlock()
	p.stopOnce.Do(func() { close(p.stop) })
}

// Done returns a channel that is closed once the polling goroutine has exited
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// State returns the current state
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsPaused is true only once the poller has confirmed it is paused
func (p *Poller) IsPaused() bool {
	return p.State() == Paused
}

// Cycles returns the number of positions published so far
func (p *Poller) Cycles() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cycles
}

// Last returns the most recently published position, or the initial
// position if nothing has been published
func (p *Poller) Last() Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last.Copy()
}

// RequestPause asks the poller to pause without waiting for it to do so.
// The poller parks before its next axis read.
func (p *Poller) RequestPause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.requestPause() != nil {
		p.manual = true
	}
}

// requestPause must be called with mu held.  It returns the channel closed
// when the pause is honored, nil if the poller is not running
func (p *Poller) requestPause() chan struct{} {
	switch p.state {
	case Paused:
		return p.parked
	case Running:
	default:
		return nil
	}
	if !p.pending {
		p.pending = true
		p.parked = make(chan struct{})
		p.resumed = make(chan struct{})
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
	return p.parked
}

// wanted must be called with mu held.  It reports whether anybody still
// wants the poller paused
func (p *Poller) wanted() bool {
	return p.manual || p.waiting > 0 || p.holds > 0
}

// settle must be called with mu held.  Once nobody wants the poller paused,
// it resumes a paused loop or withdraws a pause not yet honored.
func (p *Poller) settle() {
	if p.wanted() {
		return
	}
	switch {
	case p.state == Paused:
		p.state = Running
		close(p.resumed)
	case p.state == Running && p.pending:
		p.pending = false
		// the wake queued for the withdrawn pause would cut the next sleep short
		select {
		case <-p.wake:
		default:
		}
	}
}

// await requests a pause counted in *count, a field guarded by mu, and blocks
// until it is honored.  The counter stays incremented on success only.
func (p *Poller) await(ctx context.Context, count *int) error {
	p.mu.Lock()
	switch p.state {
	case Idle:
		p.mu.Unlock()
		return ErrNotStarted
	case Stopped:
		p.mu.Unlock()
		return ErrStopped
	}
	*count++
	parked := p.requestPause()
	p.mu.Unlock()

	var err error
	select {
	case <-parked:
		return nil
	case <-p.stop:
		err = ErrStopped
	case <-ctx.Done():
		err = ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Paused {
		return nil
	}
	*count--
	p.settle()
	return err
}

// Pause asks the poller to pause and blocks until it has, that is until no
// axis lock is held by the poller and no further read will begin before
// Resume.  If ctx expires first, the request is withdrawn and ctx.Err() is
// returned.  Other pending pauses are not affected by the withdrawal.
func (p *Poller) Pause(ctx context.Context) error {
	if err := p.await(ctx, &p.waiting); err != nil {
		return err
	}
	p.mu.Lock()
	p.waiting--
	p.manual = true
	p.mu.Unlock()
	return nil
}

// Resume ends a pause made with Pause or RequestPause, withdrawing it if it
// was not yet honored.  Polling restarts once no Hold is outstanding.
func (p *Poller) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.manual = false
	p.settle()
}

// Hold pauses the poller like Pause and returns the function that ends this
// caller's pause.  The poller does not read an axis until every hold has been
// released, Resume notwithstanding.  release may be called more than once.
func (p *Poller) Hold(ctx context.Context) (release func(), err error) {
	if err := p.await(ctx, &p.holds); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.holds--
			p.settle()
		})
	}, nil
}

// checkpoint parks the loop if a pause is pending.  parked reports whether it
// did; alive is false once the poller is stopped.
func (p *Poller) checkpoint() (parked, alive bool) {
	p.mu.Lock()
	if p.state == Stopped {
		p.mu.Unlock()
		return false, false
	}
	if !p.pending {
		p.mu.Unlock()
		return false, true
	}
	p.pending = false
	p.state = Paused
	close(p.parked)
	resumed := p.resumed
	p.mu.Unlock()

	// a wake meant for this pause may still be queued
	select {
	case <-p.wake:
	default:
	}
	p.log.Debug("position poller paused")
	select {
	case <-resumed:
		p.log.Debug("position poller resumed")
		return true, true
	case <-p.stop:
		return true, false
	}
}

// sleep waits out the interval, returning early if a pause is requested.
// It returns false once the poller is stopped.
func (p *Poller) sleep() bool {
	t := time.NewTimer(p.interval)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-p.wake:
		return true
	case <-p.stop:
		return false
	}
}

func (p *Poller) run() {
	defer close(p.done)
	for {
		if !p.sleep() {
			return
		}
		pos, alive := p.cycle()
		if !alive {
			return
		}
		p.publish(pos)
	}
}

// cycle reads every source once.  A cycle interrupted by a pause starts over
// once resumed, so every published position is read after the resume.
func (p *Poller) cycle() (Position, bool) {
restart:
	for {
		next := p.Last()
		for _, s := range p.sources {
			parked, alive := p.checkpoint()
			if !alive {
				return nil, false
			}
			if parked {
				continue restart
			}
			next[s.index] = p.read(s, next[s.index])
		}
		// a pause requested during the final read is honored before publishing
		parked, alive := p.checkpoint()
		if !alive {
			return nil, false
		}
		if parked {
			continue restart
		}
		return next, true
	}
}

// read returns the position of one source, or prev if it could not be read.
// The source lock is held for the read only.
func (p *Poller) read(s source, prev float64) float64 {
	s.Lock.Lock()
	pos, ok, err := stage.Position(s.Axis)
	s.Lock.Unlock()
	if err != nil {
		p.log.Debug("position read failed, reusing last value", "stage", s.Name, "err", err)
		return prev
	}
	if !ok {
		p.log.Debug("empty position read, reusing last value", "stage", s.Name)
		return prev
	}
	return pos
}

func (p *Poller) publish(pos Position) {
	p.mu.Lock()
	if p.state == Stopped {
		p.mu.Unlock()
		return
	}
	p.last = pos.Copy()
	p.cycles++
	subs := make([]Subscriber, len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()

	for _, s := range subs {
		if err := s.UpdateFOV(pos.Copy()); err != nil {
			p.log.Debug("subscriber rejected FOV position", "err", err)
		}
	}
}
