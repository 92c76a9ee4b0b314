package stage

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/nasa-jpl/acqview/util"
)

const (
	simServoPeriod    = time.Millisecond // update period of the simulated servo loop
	simServoPeriodSec = 1e-3             // Period is for ticker, PeriodSec is for math
	simDefaultVel     = 10.              // mm/s
)

// Simulated is a stage which moves at a constant velocity, with no hardware
// behind it.  Flake is the probability in [0, 1] that a position read reports
// nothing, as some controllers do under load.
type Simulated struct {
	sync.Mutex
	axis   string
	limits util.Limiter
	pos    float64
	target float64
	vel    float64
	moving bool
	halt   chan struct{}
	done   chan struct{}

	Flake float64
}

// NewSimulated returns a simulated stage on instrument axis axis
func NewSimulated(axis string, limits util.Limiter) *Simulated {
	return &Simulated{axis: axis, limits: limits, vel: simDefaultVel}
}

// InstrumentAxis satisfies Axis
func (s *Simulated) InstrumentAxis() string {
	return s.axis
}

// LimitsMM satisfies Axis
func (s *Simulated) LimitsMM() util.Limiter {
	return s.limits
}

// PositionMM satisfies Axis
func (s *Simulated) PositionMM() (map[string]float64, error) {
	s.Lock()
	defer s.Unlock()
	if s.Flake > 0 && rand.Float64() < s.Flake {
		return map[string]float64{}, nil
	}
	return map[string]float64{s.axis: s.pos}, nil
}

// SetVelocity sets the speed of subsequent moves, in mm/s
func (s *Simulated) SetVelocity(v float64) {
	s.Lock()
	defer s.Unlock()
	s.vel = math.Abs(v)
}

// Moving returns true while a move is in progress
func (s *Simulated) Moving() bool {
	s.Lock()
	defer s.Unlock()
	return s.moving
}

// MoveAbsoluteMM satisfies Axis
func (s *Simulated) MoveAbsoluteMM(pos float64, wait bool) error {
	if !s.limits.Check(pos) {
		return ErrOutOfLimits
	}
	s.Halt()
	s.Lock()
	s.target = pos
	s.moving = true
	s.halt = make(chan struct{})
	s.done = make(chan struct{})
	halt, done := s.halt, s.done
	s.Unlock()
	go s.moveTo(halt, done)
	if wait {
		<-done
	}
	return nil
}

func (s *Simulated) moveTo(halt, done chan struct{}) {
	defer close(done)
	tick := time.NewTicker(simServoPeriod)
	defer tick.Stop()
	for {
		select {
		case <-halt:
			return
		case <-tick.C:
			s.Lock()
			step := s.vel * simServoPeriodSec
			delta := s.target - s.pos
			if math.Abs(delta) <= step {
				s.pos = s.target
				s.moving = false
				s.Unlock()
				return
			}
			s.pos += math.Copysign(step, delta)
			s.Unlock()
		}
	}
}

// Halt satisfies Axis
func (s *Simulated) Halt() error {
	s.Lock()
	halt, done := s.halt, s.done
	if halt != nil {
		select {
		case <-halt:
		default:
			close(halt)
		}
	}
	s.moving = false
	s.Unlock()
	if done != nil {
		<-done
	}
	return nil
}
