// Package stage describes the motion axes of a microscope and provides
// simulated and ESP-protocol implementations of them.
package stage

import (
	"errors"
	"sync"

	"github.com/nasa-jpl/acqview/util"
)

var (
	// ErrOutOfLimits is generated when a commanded position violates the software limits of an axis
	ErrOutOfLimits = errors.New("requested position violates software limits, aborted")
)

// Axis is a single controllable motion dimension of the instrument, e.g. one
// linear stage
type Axis interface {
	// InstrumentAxis is the coordinate dimension the axis moves, e.g. "x"
	InstrumentAxis() string

	// PositionMM returns the current position keyed by instrument axis.  The
	// map may be missing the key when the controller gave no reading
	PositionMM() (map[string]float64, error)

	// MoveAbsoluteMM commands an absolute move, blocking until motion ceases
	// if wait is true
	MoveAbsoluteMM(pos float64, wait bool) error

	// Halt stops motion as soon as possible
	Halt() error

	// LimitsMM returns the software travel limits of the axis
	LimitsMM() util.Limiter
}

// Named binds an axis to the name it is configured under
type Named struct {
	Name string
	Axis Axis
}

// Locks maps a stage name to the mutex guarding its communication channel.
// Nobody may hold more than one of them at a time.
type Locks map[string]*sync.Mutex

// NewLocks returns a Locks with one mutex per named stage
func NewLocks(stages ...Named) Locks {
	l := make(Locks, len(stages))
	for _, s := range stages {
		l[s.Name] = &sync.Mutex{}
	}
	return l
}

// For returns the lock for a stage, nil if there is none.  Locks is never
// written after NewLocks, so For is safe for concurrent use.
func (l Locks) For(name string) *sync.Mutex {
	return l[name]
}

// Position reads the position of a on its own instrument axis.  ok is false
// when the controller reported no value for it
func Position(a Axis) (pos float64, ok bool, err error) {
	m, err := a.PositionMM()
	if err != nil {
		return 0, false, err
	}
	pos, ok = m[a.InstrumentAxis()]
	return pos, ok, nil
}
