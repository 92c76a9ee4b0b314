// Package metadata holds the acquisition metadata entered by the operator,
// checked against a statically declared schema, and derives acquisition
// names from it.
package metadata

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nasa-jpl/acqview/util"
)

// Kind is the type of a metadata field
type Kind string

const (
	// String fields hold free text
	String Kind = "string"
	// Int fields hold whole numbers
	Int Kind = "int"
	// Float fields hold real numbers
	Float Kind = "float"
	// Enum fields hold one of Options
	Enum Kind = "enum"
	// Bool fields hold true or false
	Bool Kind = "bool"
)

// Field declares one metadata entry.  Limits bounds Int and Float fields, the
// zero Limiter does not bound them at all
type Field struct {
	Name    string       `json:"name"`
	Kind    Kind         `json:"kind"`
	Options []string     `json:"options,omitempty"`
	Limits  util.Limiter `json:"limits"`
}

// Schema is the ordered list of fields an acquisition carries
type Schema []Field

// ErrUnknownField is generated when a value is set on a field not in the schema
type ErrUnknownField struct {
	Name string
}

func (e ErrUnknownField) Error() string {
	return fmt.Sprintf("metadata field %s not found", e.Name)
}

// AnatomicalDirections are the options of the *_anatomical_direction fields
var AnatomicalDirections = []string{
	"Anterior_to_posterior", "Posterior_to_anterior",
	"Inferior_to_superior", "Superior_to_inferior",
	"Left_to_right", "Right_to_left",
}

// DefaultSchema is the metadata of a light-sheet acquisition of a specimen
var DefaultSchema = Schema{
	{Name: "instrument_type", Kind: String},
	{Name: "subject_id", Kind: Int},
	{Name: "experimenter_name", Kind: String},
	{Name: "immersion_medium", Kind: String},
	{Name: "immersion_medium_refractive_index", Kind: Float},
	{Name: "x_anatomical_direction", Kind: Enum, Options: AnatomicalDirections},
	{Name: "y_anatomical_direction", Kind: Enum, Options: AnatomicalDirections},
	{Name: "z_anatomical_direction", Kind: Enum, Options: AnatomicalDirections},
}

// Field returns the field called name
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Coerce converts v to the Go type of field f, accepting the loose
// types produced by YAML and JSON decoding, and checks it against the
// limits of f
func Coerce(f Field, v interface{}) (interface{}, error) {
	cv, err := coerce(f, v)
	if err != nil {
		return nil, err
	}
	var x float64
	switch t := cv.(type) {
	case int:
		x = float64(t)
	case float64:
		x = t
	default:
		return cv, nil
	}
	if !f.Limits.Check(x) {
		return nil, fmt.Errorf("%s: %v is outside [%v, %v]", f.Name, cv, f.Limits.Min, f.Limits.Max)
	}
	return cv, nil
}

func coerce(f Field, v interface{}) (interface{}, error) {
	switch f.Kind {
	case Bool:
		switch t := v.(type) {
		case bool:
			return t, nil
		case string:
			b, err := strconv.ParseBool(t)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", f.Name, err)
			}
			return b, nil
		}
		return nil, fmt.Errorf("%s: expected a bool, got %T", f.Name, v)
	case String:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s: expected a string, got %T", f.Name, v)
		}
		return s, nil
	case Int:
		switch t := v.(type) {
		case int:
			return t, nil
		case int64:
			return int(t), nil
		case float64:
			if t != math.Trunc(t) {
				return nil, fmt.Errorf("%s: expected a whole number, got %v", f.Name, t)
			}
			return int(t), nil
		case json.Number:
			i, err := strconv.Atoi(t.String())
			if err != nil {
				return nil, fmt.Errorf("%s: %w", f.Name, err)
			}
			return i, nil
		case string:
			i, err := strconv.Atoi(t)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", f.Name, err)
			}
			return i, nil
		}
		return nil, fmt.Errorf("%s: expected an int, got %T", f.Name, v)
	case Float:
		switch t := v.(type) {
		case float64:
			return t, nil
		case int:
			return float64(t), nil
		case int64:
			return float64(t), nil
		case json.Number:
			return t.Float64()
		case string:
			x, err := strconv.ParseFloat(t, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", f.Name, err)
			}
			return x, nil
		}
		return nil, fmt.Errorf("%s: expected a float, got %T", f.Name, v)
	case Enum:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s: expected a string, got %T", f.Name, v)
		}
		for _, o := range f.Options {
			if o == s {
				return s, nil
			}
		}
		return nil, fmt.Errorf("%s: %q is not one of %v", f.Name, s, f.Options)
	}
	return nil, fmt.Errorf("%s: unknown kind %q", f.Name, f.Kind)
}

// NameSpecs describes how acquisition names are built
type NameSpecs struct {
	// Delimiter joins the pieces of the name
	Delimiter string `json:"delimiter" yaml:"Delimiter" koanf:"Delimiter"`

	// Format lists the fields whose values lead the name
	Format []string `json:"format" yaml:"Format" koanf:"Format"`
}

// Metadata is a set of values conforming to a Schema.  It is concurrent safe.
type Metadata struct {
	schema Schema

	mu             sync.RWMutex
	values         map[string]interface{}
	datetimeFormat string
	names          NameSpecs
}

// New returns metadata for schema, with initial values.  datetimeFormat is a
// "/" separated list of year, month, day, hour, minute, second
func New(schema Schema, values map[string]interface{}, datetimeFormat string, names NameSpecs) (*Metadata, error) {
	m := &Metadata{schema: schema, values: make(map[string]interface{}, len(schema))}
	if err := m.SetNaming(datetimeFormat, names); err != nil {
		return nil, err
	}
	if err := m.SetAll(values); err != nil {
		return nil, err
	}
	return m, nil
}

// Schema returns the schema of the metadata
func (m *Metadata) Schema() Schema {
	return m.schema
}

// Set validates and stores one value
func (m *Metadata) Set(name string, v interface{}) error {
	f, ok := m.schema.Field(name)
	if !ok {
		return ErrUnknownField{name}
	}
	cv, err := Coerce(f, v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = cv
	return nil
}

// SetAll validates every value, then stores them all, or none on error
func (m *Metadata) SetAll(values map[string]interface{}) error {
	coerced := make(map[string]interface{}, len(values))
	for k, v := range values {
		f, ok := m.schema.Field(k)
		if !ok {
			return ErrUnknownField{k}
		}
		cv, err := Coerce(f, v)
		if err != nil {
			return err
		}
		coerced[k] = cv
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range coerced {
		m.values[k] = v
	}
	return nil
}

// Get returns one value
func (m *Metadata) Get(name string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[name]
	return v, ok
}

// Values returns a copy of every value set
func (m *Metadata) Values() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]interface{}, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

var datetimeTokens = map[string]string{
	"year":   "2006",
	"month":  "01",
	"day":    "02",
	"hour":   "15",
	"minute": "04",
	"second": "05",
}

// layout converts a datetime format such as "year/month/day" to a time layout
func layout(format string) (string, error) {
	if format == "" {
		return "", nil
	}
	pieces := strings.Split(format, "/")
	out := make([]string, len(pieces))
	for i, p := range pieces {
		l, ok := datetimeTokens[strings.ToLower(strings.TrimSpace(p))]
		if !ok {
			return "", fmt.Errorf("unknown datetime token %q in %q", p, format)
		}
		out[i] = l
	}
	return strings.Join(out, "-"), nil
}

// SetNaming replaces the datetime format and name specs
func (m *Metadata) SetNaming(datetimeFormat string, names NameSpecs) error {
	if _, err := layout(datetimeFormat); err != nil {
		return err
	}
	for _, f := range names.Format {
		if _, ok := m.schema.Field(f); !ok {
			return ErrUnknownField{f}
		}
	}
	if names.Delimiter == "" {
		names.Delimiter = "_"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.datetimeFormat = datetimeFormat
	m.names = names
	return nil
}

// AcquisitionName returns the values of the name format fields followed by
// the time t, joined by the delimiter, e.g. "simulated_123456_2024-03-01-12-00-00"
func (m *Metadata) AcquisitionName(t time.Time) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pieces := make([]string, 0, len(m.names.Format)+1)
	for _, f := range m.names.Format {
		v, ok := m.values[f]
		if !ok {
			return "", fmt.Errorf("metadata field %s is not set", f)
		}
		pieces = append(pieces, fmt.Sprint(v))
	}
	l, _ := layout(m.datetimeFormat)
	if l != "" {
		pieces = append(pieces, t.Format(l))
	}
	return strings.Join(pieces, m.names.Delimiter), nil
}
