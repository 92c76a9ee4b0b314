package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/nasa-jpl/acqview/acquisition"
	"github.com/nasa-jpl/acqview/generichttp"
	"github.com/nasa-jpl/acqview/generichttp/locker"
	"github.com/nasa-jpl/acqview/metadata"
	"github.com/nasa-jpl/acqview/operation"
	"github.com/nasa-jpl/acqview/plan"
	"github.com/nasa-jpl/acqview/stage"
	"github.com/nasa-jpl/acqview/util"
)

// StageSetup describes one stage of the instrument
type StageSetup struct {
	// Name identifies the stage and its lock, InstrumentAxis if empty
	Name string `yaml:"Name" koanf:"Name"`

	// Type is "sim" for a simulated stage or "esp" (also "esp300", "esp301")
	// for an axis of a Newport ESP motion controller
	Type string `yaml:"Type" koanf:"Type"`

	// Addr holds the network or filesystem address of the controller,
	// e.g. 192.168.100.123:2006 for a device connected to port 6
	// on a digi portserver, or /dev/ttyS4 for an RS232 device on a serial cable.
	// Stages with the same Addr share one controller
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Serial determines if the connection is serial/RS232 (True) or TCP (False)
	Serial bool `yaml:"Serial" koanf:"Serial"`

	// ControllerAxis is the axis number on the controller, starting at 1
	ControllerAxis int `yaml:"ControllerAxis" koanf:"ControllerAxis"`

	// InstrumentAxis is the dimension of the coordinate plane the stage moves
	InstrumentAxis string `yaml:"InstrumentAxis" koanf:"InstrumentAxis"`

	Limits util.Limiter `yaml:"Limits" koanf:"Limits"`

	// Velocity (mm/s) and Flake only apply to simulated stages
	Velocity float64 `yaml:"Velocity" koanf:"Velocity"`
	Flake    float64 `yaml:"Flake" koanf:"Flake"`
}

func (s StageSetup) name() string {
	if s.Name != "" {
		return s.Name
	}
	return s.InstrumentAxis
}

// MetadataSetup holds the acquisition metadata.  Values are reloaded when
// the config file changes
type MetadataSetup struct {
	DatetimeFormat string                 `yaml:"DatetimeFormat" koanf:"DatetimeFormat"`
	Names          metadata.NameSpecs     `yaml:"Names" koanf:"Names"`
	Values         map[string]interface{} `yaml:"Values" koanf:"Values"`
}

// Config is a struct that holds the initialization parameters of the server.
// It is to be populated by koanf
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Endpoint is the URL stem the routes are served under, e.g. "/acq"
	Endpoint string `yaml:"Endpoint" koanf:"Endpoint"`

	// LogLevel is one of debug, info, warn, error.  LogFormat is text or json
	LogLevel  string `yaml:"LogLevel" koanf:"LogLevel"`
	LogFormat string `yaml:"LogFormat" koanf:"LogFormat"`

	CoordinatePlane []string `yaml:"CoordinatePlane" koanf:"CoordinatePlane"`

	// PollInterval and PauseTimeout are in seconds, StreamRate in Hz
	PollInterval float64 `yaml:"PollInterval" koanf:"PollInterval"`
	PauseTimeout float64 `yaml:"PauseTimeout" koanf:"PauseTimeout"`
	StreamRate   float64 `yaml:"StreamRate" koanf:"StreamRate"`

	TilingStages  []StageSetup `yaml:"TilingStages" koanf:"TilingStages"`
	ScanningStage StageSetup   `yaml:"ScanningStage" koanf:"ScanningStage"`

	Tiles plan.TileConfig `yaml:"Tiles" koanf:"Tiles"`
	Scan  plan.ScanConfig `yaml:"Scan" koanf:"Scan"`

	Metadata MetadataSetup `yaml:"Metadata" koanf:"Metadata"`

	// Operations are keyed by device, then operation name.  Operations in the
	// config file replace the default ones as a whole
	Operations map[string]map[string]operation.Setup `yaml:"Operations" koanf:"Operations"`
}

// DefaultConfig is a simulated instrument
func DefaultConfig() Config {
	return Config{
		Addr:            ":8000",
		Endpoint:        "/acq",
		LogLevel:        "info",
		LogFormat:       "text",
		CoordinatePlane: []string{"x", "y", "z"},
		PollInterval:    0.1,
		PauseTimeout:    5,
		StreamRate:      acquisition.DefaultStreamRate,
		TilingStages: []StageSetup{
			{Name: "tile x", Type: "sim", InstrumentAxis: "x", Limits: util.Limiter{Min: -50, Max: 50}},
			{Name: "tile y", Type: "sim", InstrumentAxis: "y", Limits: util.Limiter{Min: -50, Max: 50}},
		},
		ScanningStage: StageSetup{Name: "scan z", Type: "sim", InstrumentAxis: "z", Limits: util.Limiter{Min: 0, Max: 25}},
		Tiles:         plan.TileConfig{FOVDimensions: [2]float64{1.4, 1.1}, Overlap: 15, Rows: 3, Columns: 3},
		Scan:          plan.ScanConfig{Step: 0.001, Steps: 1000},
		Metadata: MetadataSetup{
			DatetimeFormat: "year/month/day/hour/minute/second",
			Names:          metadata.NameSpecs{Delimiter: "_", Format: []string{"instrument_type", "subject_id"}},
			Values: map[string]interface{}{
				"instrument_type":                   "simulated",
				"subject_id":                        123456,
				"experimenter_name":                 "Chris P. Bacon",
				"immersion_medium":                  "0.05XSSC",
				"immersion_medium_refractive_index": 1.33,
				"x_anatomical_direction":            "Anterior_to_posterior",
				"y_anatomical_direction":            "Inferior_to_superior",
				"z_anatomical_direction":            "Left_to_right",
			},
		},
		Operations: map[string]map[string]operation.Setup{
			"camera": {
				"imaris":    {Type: operation.Writer, Values: map[string]interface{}{"chunk_count_px": 64, "frame_count_px": 1024}},
				"robocopy":  {Type: operation.Transfer},
				"max_proj":  {Type: operation.Process, Values: map[string]interface{}{"projection": "max"}},
				"dark_refs": {Type: operation.Routine},
			},
		},
	}
}

// NewLogger returns a slog.Logger with the provided level (debug, info, warn, error)
// and format (text or json)
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Hardware is the built instrument and what must be closed with it
type Hardware struct {
	Instrument  acquisition.Instrument
	Locks       stage.Locks
	controllers []*stage.ESPController
}

// Close closes the connections to every controller
func (h *Hardware) Close() error {
	var errs []error
	for _, c := range h.controllers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// BuildHardware makes the stages described by c
func BuildHardware(c Config) (*Hardware, error) {
	h := &Hardware{}
	esps := map[string]*stage.ESPController{}
	build := func(s StageSetup) (stage.Named, error) {
		if s.InstrumentAxis == "" {
			return stage.Named{}, fmt.Errorf("stage %s has no InstrumentAxis", s.name())
		}
		var ax stage.Axis
		switch strings.ToLower(s.Type) {
		case "sim", "simulated", "":
			sim := stage.NewSimulated(s.InstrumentAxis, s.Limits)
			if s.Velocity > 0 {
				sim.SetVelocity(s.Velocity)
			}
			sim.Flake = s.Flake
			ax = sim
		case "esp", "esp300", "esp301":
			if s.ControllerAxis < 1 {
				return stage.Named{}, fmt.Errorf("stage %s: ESP axes are numbered from 1, got %d", s.name(), s.ControllerAxis)
			}
			ctl, ok := esps[s.Addr]
			if !ok {
				ctl = stage.NewESPController(s.Addr, s.Serial)
				esps[s.Addr] = ctl
				h.controllers = append(h.controllers, ctl)
			}
			ax = ctl.Axis(s.ControllerAxis, s.InstrumentAxis, s.Limits)
		default:
			return stage.Named{}, fmt.Errorf("stage %s: unknown type %q", s.name(), s.Type)
		}
		return stage.Named{Name: s.name(), Axis: ax}, nil
	}

	names := map[string]bool{}
	add := func(s StageSetup) (stage.Named, error) {
		if names[s.name()] {
			return stage.Named{}, fmt.Errorf("stage name %q is used twice", s.name())
		}
		names[s.name()] = true
		return build(s)
	}
	for _, s := range c.TilingStages {
		n, err := add(s)
		if err != nil {
			h.Close()
			return nil, err
		}
		h.Instrument.TilingStages = append(h.Instrument.TilingStages, n)
	}
	n, err := add(c.ScanningStage)
	if err != nil {
		h.Close()
		return nil, err
	}
	h.Instrument.ScanningStage = n
	h.Locks = stage.NewLocks(h.Instrument.Stages()...)
	return h, nil
}

// BuildMetadata makes the acquisition metadata described by c
func BuildMetadata(c MetadataSetup) (*metadata.Metadata, error) {
	return metadata.New(metadata.DefaultSchema, c.Values, c.DatetimeFormat, c.Names)
}

// BuildOperations makes the acquisition operations described by c
func BuildOperations(c Config, logger *slog.Logger) (*operation.Registry, error) {
	return operation.NewRegistry(c.Operations, logger.With("component", "operations"))
}

// ViewConfig converts the server config to the view's
func ViewConfig(c Config) acquisition.Config {
	return acquisition.Config{
		CoordinatePlane: c.CoordinatePlane,
		PollInterval:    util.SecsToDuration(c.PollInterval),
		PauseTimeout:    util.SecsToDuration(c.PauseTimeout),
		StreamRate:      c.StreamRate,
		Tiles:           c.Tiles,
		Scan:            c.Scan,
	}
}

// BuildMux mounts the routes of every HTTPer under stem, behind a locker whose
// /lock route refuses commands while set.  The root serves /endpoints, a JSON
// list of every route.
func BuildMux(stem string, logger *slog.Logger, hs ...generichttp.HTTPer) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(logger.Handler(), slog.LevelInfo),
		NoColor: true,
	}))
	stem = generichttp.SubMuxSanitize(stem)
	if stem == "/" {
		stem = ""
	}
	rt := generichttp.RouteTable{}
	for _, h := range hs {
		for k, f := range h.RT() {
			rt[k] = f
		}
	}
	lock := locker.New()
	locker.Inject(rt, lock)

	endpoints := generichttp.MethodPath{Method: http.MethodGet, Path: "/endpoints"}
	delete(rt, endpoints)
	routes := []string{endpoints.Method + " " + endpoints.Path}
	for _, e := range rt.Endpoints() {
		method, path, _ := strings.Cut(e, " ")
		routes = append(routes, method+" "+stem+path)
	}
	root.Get(endpoints.Path, func(w http.ResponseWriter, r *http.Request) {
		generichttp.RespondJSON(w, routes)
	})

	sub := chi.NewRouter()
	sub.Use(lock.Check)
	rt.Bind(sub)
	if stem == "" {
		root.Mount("/", sub)
	} else {
		root.Mount(stem, sub)
	}
	return root
}

// NewServer returns an http.Server for the mux with the timeouts of the lab
// servers.  The websocket stream is long lived, so there is no write timeout
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
