package acquisition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/acqview/fov"
	"github.com/nasa-jpl/acqview/generichttp"
	"github.com/nasa-jpl/acqview/generichttp/ascii"
	"github.com/nasa-jpl/acqview/metadata"
	"github.com/nasa-jpl/acqview/plan"
	"github.com/nasa-jpl/acqview/stage"
	"github.com/nasa-jpl/acqview/util"
)

type tilesMsg struct {
	Config    plan.TileConfig `json:"config"`
	Origin    [3]float64      `json:"origin"`
	Anchored  [3]bool         `json:"anchored"`
	Positions [][2]float64    `json:"positions"`
}

type anchorMsg struct {
	Dim      int     `json:"dim"`
	Anchored bool    `json:"anchored"`
	Value    float64 `json:"value"`
}

type scanMsg struct {
	Config     plan.ScanConfig `json:"config"`
	Start      float64         `json:"start"`
	ZPositions []float64       `json:"zPositions"`
	TileStarts []float64       `json:"tileStarts"`
}

// statusFor maps caller mistakes to 400, a pause that was not confirmed in
// time or a request abandoned by its client to 503, and everything else to 500
func statusFor(err error) int {
	var unk metadata.ErrUnknownField
	switch {
	case errors.Is(err, stage.ErrOutOfLimits), errors.As(err, &unk):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// GetPosition returns the last published FOV position
func (v *View) GetPosition(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, positionMsg{Plane: v.plane, Position: v.Poller.Last(), Cycle: v.Poller.Cycles()})
}

func (v *View) paused() (bool, error) {
	return v.Poller.IsPaused(), nil
}

// SetPaused pauses (confirmed, bounded by the request) or resumes the poller
func (v *View) SetPaused(b bool) error {
	if !b {
		v.Poller.Resume()
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), v.pauseT)
	defer cancel()
	return v.Poller.Pause(ctx)
}

// PostMove moves the FOV to the position in the body, {"position": [x, y, z]}
func (v *View) PostMove(w http.ResponseWriter, r *http.Request) {
	var msg positionMsg
	if !decode(w, r, &msg) {
		return
	}
	if err := v.MoveStage(msg.Position); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// PostStop halts every stage
func (v *View) PostStop(w http.ResponseWriter, r *http.Request) {
	if err := v.StopStage(r.Context()); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetTiles returns the tile plan
func (v *View) GetTiles(w http.ResponseWriter, r *http.Request) {
	msg := tilesMsg{
		Config:    v.Tiles.Config(),
		Origin:    v.Tiles.Origin(),
		Positions: v.Tiles.TilePositions(),
	}
	for i := range msg.Anchored {
		msg.Anchored[i] = v.Tiles.Anchored(i)
	}
	generichttp.RespondJSON(w, msg)
}

// PostTiles replaces the tile grid
func (v *View) PostTiles(w http.ResponseWriter, r *http.Request) {
	var cfg plan.TileConfig
	if !decode(w, r, &cfg) {
		return
	}
	if err := v.Tiles.SetGrid(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// PostAnchor anchors or frees one dimension of the tile plan
func (v *View) PostAnchor(w http.ResponseWriter, r *http.Request) {
	var msg anchorMsg
	if !decode(w, r, &msg) {
		return
	}
	if err := v.Tiles.SetAnchor(msg.Dim, msg.Anchored, msg.Value); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetScan returns the scan plan
func (v *View) GetScan(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, scanMsg{
		Config:     v.Scan.Config(),
		Start:      v.Scan.Start(),
		ZPositions: v.Scan.ZPositions(),
		TileStarts: v.Scan.TileStarts(),
	})
}

// PostScan replaces the z stack
func (v *View) PostScan(w http.ResponseWriter, r *http.Request) {
	var cfg plan.ScanConfig
	if !decode(w, r, &cfg) {
		return
	}
	if err := v.Scan.SetConfig(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetVolume returns a snapshot of the volume model
func (v *View) GetVolume(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, v.Volume.Snapshot())
}

// PostGridPlane sets the plane the volume is viewed in, {"plane": ["x", "z"]}
func (v *View) PostGridPlane(w http.ResponseWriter, r *http.Request) {
	var msg struct {
		Plane [2]string `json:"plane"`
	}
	if !decode(w, r, &msg) {
		return
	}
	if err := v.Volume.SetGridPlane(msg.Plane[0], msg.Plane[1]); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (v *View) setPathVisible(b bool) error {
	v.Volume.SetPathVisible(b)
	return nil
}

// GetMetadata returns every metadata value
func (v *View) GetMetadata(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, v.Metadata.Values())
}

// PostMetadata sets the metadata values in the body, all or none
func (v *View) PostMetadata(w http.ResponseWriter, r *http.Request) {
	values := map[string]interface{}{}
	if !decode(w, r, &values) {
		return
	}
	if err := v.Metadata.SetAll(values); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// axisStage resolves the {axis} URL parameter to a stage
func (v *View) axisStage(w http.ResponseWriter, r *http.Request) (stage.Named, bool) {
	dim := chi.URLParam(r, "axis")
	s, ok := v.Stage(dim)
	if !ok {
		http.Error(w, fmt.Sprintf("no stage moves axis %q", dim), http.StatusNotFound)
	}
	return s, ok
}

// GetAxisLimits returns the travel limits of one axis
func (v *View) GetAxisLimits(w http.ResponseWriter, r *http.Request) {
	s, ok := v.axisStage(w, r)
	if !ok {
		return
	}
	var lim util.Limiter
	v.command(s, func(a stage.Axis) error {
		lim = a.LimitsMM()
		return nil
	})
	generichttp.RespondJSON(w, lim)
}

// GetAxisPosition reads one axis now, under its lock
func (v *View) GetAxisPosition(w http.ResponseWriter, r *http.Request) {
	s, ok := v.axisStage(w, r)
	if !ok {
		return
	}
	var (
		pos   float64
		found bool
	)
	err := v.command(s, func(a stage.Axis) error {
		var err error
		pos, found, err = stage.Position(a)
		return err
	})
	if err == nil && !found {
		err = fmt.Errorf("%s did not report a position", s.Name)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	generichttp.RespondJSON(w, generichttp.FloatT{F64: pos})
}

// RT returns the route table of the view, GET /endpoints included
func (v *View) RT() generichttp.RouteTable {
	rt := generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/fov/pos"}:     v.GetPosition,
		{Method: http.MethodGet, Path: "/fov/paused"}:  generichttp.GetBool(v.paused),
		{Method: http.MethodPost, Path: "/fov/paused"}: generichttp.SetBool(v.SetPaused),
		{Method: http.MethodPost, Path: "/fov/move"}:   v.PostMove,
		{Method: http.MethodPost, Path: "/fov/stop"}:   v.PostStop,
		{Method: http.MethodGet, Path: "/fov/stream"}:  v.Stream,

		{Method: http.MethodGet, Path: "/tiles"}:         v.GetTiles,
		{Method: http.MethodPost, Path: "/tiles"}:        v.PostTiles,
		{Method: http.MethodPost, Path: "/tiles/anchor"}: v.PostAnchor,
		{Method: http.MethodGet, Path: "/scan"}:          v.GetScan,
		{Method: http.MethodPost, Path: "/scan"}:         v.PostScan,
		{Method: http.MethodGet, Path: "/volume"}:        v.GetVolume,
		{Method: http.MethodPost, Path: "/volume/path"}:  generichttp.SetBool(v.setPathVisible),
		{Method: http.MethodPost, Path: "/volume/plane"}: v.PostGridPlane,

		{Method: http.MethodGet, Path: "/axis/{axis}/limits"}: v.GetAxisLimits,
		{Method: http.MethodGet, Path: "/axis/{axis}/pos"}:    v.GetAxisPosition,
	}
	// stages that speak ASCII also get a raw command route
	for dim, s := range v.byDim {
		if raw, ok := s.Axis.(ascii.RawCommunicator); ok {
			ascii.InjectRawComm(rt, "/axis/"+dim+"/raw", raw, v.locks.For(s.Name))
		}
	}
	if v.Metadata != nil {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/metadata"}] = v.GetMetadata
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/metadata"}] = v.PostMetadata
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/metadata/name"}] = generichttp.GetString(func() (string, error) {
			return v.Metadata.AcquisitionName(time.Now())
		})
	}
	endpoints := generichttp.MethodPath{Method: http.MethodGet, Path: "/endpoints"}
	rt[endpoints] = nil
	list := rt.Endpoints()
	rt[endpoints] = func(w http.ResponseWriter, r *http.Request) {
		generichttp.RespondJSON(w, list)
	}
	return rt
}

var (
	_ fov.Subscriber     = (*hub)(nil)
	_ generichttp.HTTPer = (*View)(nil)
)
