// Package operation holds the acquisition operations of an instrument's
// devices: writers, transfers, processes and routines.  Each operation type
// has a statically declared schema of editable properties.  Setting a
// property validates it, applies it and returns the refreshed values, which
// may differ from what was asked for when properties depend on each other.
package operation

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nasa-jpl/acqview/metadata"
	"github.com/nasa-jpl/acqview/util"
)

// Type is the kind of an operation
type Type string

const (
	// Writer operations stream frames to disk
	Writer Type = "writer"
	// Transfer operations move written data to external storage
	Transfer Type = "transfer"
	// Process operations derive images (e.g. projections) from the frames
	Process Type = "process"
	// Routine operations run alongside an acquisition
	Routine Type = "routine"
)

// Types lists every operation type, in display order
var Types = []Type{Writer, Transfer, Process, Routine}

// ErrNotFound is generated when no operation matches a type, device and name
var ErrNotFound = errors.New("operation not found")

var dataTypes = []string{"uint8", "uint16"}

// Schemas declares the properties of each operation type
var Schemas = map[Type]metadata.Schema{
	Writer: {
		{Name: "path", Kind: metadata.String},
		{Name: "acquisition_name", Kind: metadata.String},
		{Name: "compression", Kind: metadata.Enum, Options: []string{"none", "lz4shuffle", "zstdshuffle"}},
		{Name: "data_type", Kind: metadata.Enum, Options: dataTypes},
		{Name: "chunk_count_px", Kind: metadata.Int, Limits: util.Limiter{Min: 1, Max: 4096}},
		{Name: "frame_count_px", Kind: metadata.Int, Limits: util.Limiter{Min: 1, Max: 1e9}},
	},
	Transfer: {
		{Name: "local_path", Kind: metadata.String},
		{Name: "external_path", Kind: metadata.String},
		{Name: "protocol", Kind: metadata.Enum, Options: []string{"robocopy", "rsync"}},
		{Name: "verify", Kind: metadata.Bool},
		{Name: "max_retry", Kind: metadata.Int, Limits: util.Limiter{Min: 0, Max: 10}},
	},
	Process: {
		{Name: "projection", Kind: metadata.Enum, Options: []string{"max", "mean"}},
		{Name: "data_type", Kind: metadata.Enum, Options: dataTypes},
		{Name: "binning", Kind: metadata.Int, Limits: util.Limiter{Min: 1, Max: 8}},
		{Name: "frame_count_px", Kind: metadata.Int, Limits: util.Limiter{Min: 1, Max: 1e9}},
	},
	Routine: {
		{Name: "enabled", Kind: metadata.Bool},
		{Name: "path", Kind: metadata.String},
		{Name: "filename", Kind: metadata.String},
		{Name: "frame_count_px", Kind: metadata.Int, Limits: util.Limiter{Min: 1, Max: 1e9}},
	},
}

var defaults = map[Type]map[string]interface{}{
	Writer: {
		"path": ".", "acquisition_name": "", "compression": "none", "data_type": "uint16",
		"chunk_count_px": 64, "frame_count_px": 64,
	},
	Transfer: {
		"local_path": ".", "external_path": "", "protocol": "robocopy", "verify": true, "max_retry": 3,
	},
	Process: {
		"projection": "max", "data_type": "uint16", "binning": 1, "frame_count_px": 64,
	},
	Routine: {
		"enabled": false, "path": ".", "filename": "", "frame_count_px": 64,
	},
}

// roundUp returns n rounded up to a multiple of m
func roundUp(n, m int) int {
	if m <= 1 {
		return n
	}
	return (n + m - 1) / m * m
}

// derive settles the properties that depend on others, after a change
var derive = map[Type]func(map[string]interface{}){
	// frames are written whole chunks at a time
	Writer: func(v map[string]interface{}) {
		v["frame_count_px"] = roundUp(v["frame_count_px"].(int), v["chunk_count_px"].(int))
	},
	// and binned whole bins at a time
	Process: func(v map[string]interface{}) {
		v["frame_count_px"] = roundUp(v["frame_count_px"].(int), v["binning"].(int))
	},
}

// Setup describes one configured operation.  Subdevices nest operations of
// devices driven through this one, keyed by device then operation name
type Setup struct {
	Type       Type                        `yaml:"Type" koanf:"Type"`
	Values     map[string]interface{}      `yaml:"Values,omitempty" koanf:"Values"`
	Subdevices map[string]map[string]Setup `yaml:"Subdevices,omitempty" koanf:"Subdevices"`
}

// Operation is one operation of a device.  It is concurrent safe.
type Operation struct {
	Type   Type   `json:"type"`
	Device string `json:"device"`
	Name   string `json:"name"`

	schema metadata.Schema

	mu     sync.RWMutex
	values map[string]interface{}
}

// New returns an operation of type t with the default values of t, then
// values over them
func New(t Type, device, name string, values map[string]interface{}) (*Operation, error) {
	schema, ok := Schemas[t]
	if !ok {
		return nil, fmt.Errorf("%s %s: unknown operation type %q", device, name, t)
	}
	o := &Operation{Type: t, Device: device, Name: name, schema: schema, values: make(map[string]interface{}, len(schema))}
	for k, v := range defaults[t] {
		o.values[k] = v
	}
	if _, err := o.SetAll(values); err != nil {
		return nil, fmt.Errorf("%s %s: %w", device, name, err)
	}
	return o, nil
}

// Schema returns the properties of the operation
func (o *Operation) Schema() metadata.Schema {
	return o.schema
}

// Values returns a copy of every property
func (o *Operation) Values() map[string]interface{} {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return copyValues(o.values)
}

// Get returns one property
func (o *Operation) Get(name string) (interface{}, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.values[name]
	return v, ok
}

// Set sets one property and returns the refreshed values
func (o *Operation) Set(name string, v interface{}) (map[string]interface{}, error) {
	return o.SetAll(map[string]interface{}{name: v})
}

// SetAll validates every value, stores them all or none on error, and
// returns the refreshed values
func (o *Operation) SetAll(values map[string]interface{}) (map[string]interface{}, error) {
	coerced := make(map[string]interface{}, len(values))
	for k, v := range values {
		f, ok := o.schema.Field(k)
		if !ok {
			return nil, metadata.ErrUnknownField{Name: k}
		}
		cv, err := metadata.Coerce(f, v)
		if err != nil {
			return nil, err
		}
		coerced[k] = cv
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	next := copyValues(o.values)
	for k, v := range coerced {
		next[k] = v
	}
	if d, ok := derive[o.Type]; ok {
		d(next)
	}
	o.values = next
	return copyValues(next), nil
}

func copyValues(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Key identifies an operation
type Key struct {
	Type   Type   `json:"type"`
	Device string `json:"device"`
	Name   string `json:"name"`
}

// Registry holds the operations of an instrument by type, device and name
type Registry struct {
	ops map[Key]*Operation
	log *slog.Logger
}

// NewRegistry builds every operation in setups, keyed by device then
// operation name, subdevices included
func NewRegistry(setups map[string]map[string]Setup, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{ops: map[Key]*Operation{}, log: logger}
	if err := r.add(setups); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) add(setups map[string]map[string]Setup) error {
	for device, named := range setups {
		for name, s := range named {
			k := Key{Type: s.Type, Device: device, Name: name}
			if _, dup := r.ops[k]; dup {
				return fmt.Errorf("%s %s %s is configured twice", device, s.Type, name)
			}
			o, err := New(s.Type, device, name, s.Values)
			if err != nil {
				return err
			}
			r.ops[k] = o
			if err := r.add(s.Subdevices); err != nil {
				return err
			}
		}
	}
	return nil
}

// Get returns one operation
func (r *Registry) Get(t Type, device, name string) (*Operation, error) {
	o, ok := r.ops[Key{Type: t, Device: device, Name: name}]
	if !ok {
		return nil, fmt.Errorf("%s %s %s: %w", device, t, name, ErrNotFound)
	}
	return o, nil
}

// Keys returns every operation, sorted by type order, then device and name
func (r *Registry) Keys() []Key {
	order := make(map[Type]int, len(Types))
	for i, t := range Types {
		order[t] = i
	}
	keys := make([]Key, 0, len(r.ops))
	for k := range r.ops {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Type != b.Type {
			return order[a.Type] < order[b.Type]
		}
		if a.Device != b.Device {
			return a.Device < b.Device
		}
		return a.Name < b.Name
	})
	return keys
}

// Stack returns the operations of type t grouped by device, the way they are
// stacked for display, e.g. {"camera a": ["imaris"]}
func (r *Registry) Stack(t Type) map[string][]string {
	out := map[string][]string{}
	for _, k := range r.Keys() {
		if k.Type == t {
			out[k.Device] = append(out[k.Device], k.Name)
		}
	}
	return out
}
