// Package plan holds the acquisition planning models that follow the live
// field of view: the tile plan, the scan plan and the volume model.
package plan

import (
	"errors"

	"gonum.org/v1/gonum/floats"
)

// ErrClosed is generated when a closed model is updated
var ErrClosed = errors.New("plan is closed")

// span returns n evenly spaced values from start with spacing step
func span(n int, start, step float64) []float64 {
	switch {
	case n <= 0:
		return []float64{}
	case n == 1:
		return []float64{start}
	}
	return floats.Span(make([]float64, n), start, start+step*float64(n-1))
}

// notifier is the common change callback list of the models
type notifier struct {
	listeners []func()
}

// OnChange registers f to be called after every change of the model.
// f is called without any lock of the model held.  OnChange must not be
// called once the model is in use.
func (n *notifier) OnChange(f func()) {
	n.listeners = append(n.listeners, f)
}

func (n *notifier) fire(listeners []func()) {
	for _, f := range listeners {
		f()
	}
}
