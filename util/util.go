// Package util contains misc internal utilities.
package util

import (
	"math"
	"time"
)

// Limiter is a software travel limit on one axis, in the axis' units
// (usually mm)
type Limiter struct {
	Min float64 `json:"min" yaml:"Min" koanf:"Min"`
	Max float64 `json:"max" yaml:"Max" koanf:"Max"`
}

// Check returns true if x lies within [Min, Max].  The zero Limiter
// (Min == Max == 0) imposes no limit
func (l Limiter) Check(x float64) bool {
	if l.Min == 0 && l.Max == 0 {
		return true
	}
	return x >= l.Min && x <= l.Max
}

// Clamp clamps x to [Min, Max].  The zero Limiter returns x unchanged
func (l Limiter) Clamp(x float64) float64 {
	if l.Min == 0 && l.Max == 0 {
		return x
	}
	return Clamp(x, l.Min, l.Max)
}

// Clamp restricts x to [low, high]
func Clamp(x, low, high float64) float64 {
	return math.Max(low, math.Min(x, high))
}

// SecsToDuration converts a float of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}

// UniqueString returns the unique elements of a slice of strings,
// preserving the order of first appearance
func UniqueString(s []string) []string {
	seen := make(map[string]struct{}, len(s))
	out := make([]string, 0, len(s))
	for _, v := range s {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
