package fov_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nasa-jpl/acqview/fov"
	"github.com/nasa-jpl/acqview/util"
)

// held counts the axis locks held at once across a test
type held struct {
	now, max int32
}

type trackedLock struct {
	sync.Mutex
	h *held
}

func (l *trackedLock) Lock() {
	l.Mutex.Lock()
	n := atomic.AddInt32(&l.h.now, 1)
	for {
		m := atomic.LoadInt32(&l.h.max)
		if n <= m || atomic.CompareAndSwapInt32(&l.h.max, m, n) {
			break
		}
	}
}

func (l *trackedLock) Unlock() {
	atomic.AddInt32(&l.h.now, -1)
	l.Mutex.Unlock()
}

// scripted is an axis that replays a list of readings, then repeats the last.
// A nil reading omits the key.  If gate is set, each read blocks on it.
type scripted struct {
	axis  string
	reads []*float64
	err   error

	mu    sync.Mutex
	n     int
	gate  chan struct{}
	entry chan struct{}
}

func val(f float64) *float64 { return &f }

func (s *scripted) InstrumentAxis() string { return s.axis }

func (s *scripted) MoveAbsoluteMM(float64, bool) error { return nil }

func (s *scripted) Halt() error { return nil }

func (s *scripted) LimitsMM() util.Limiter { return util.Limiter{} }

func (s *scripted) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func (s *scripted) setGate(gate, entry chan struct{}) {
	s.mu.Lock()
	s.gate, s.entry = gate, entry
	s.mu.Unlock()
}

func (s *scripted) PositionMM() (map[string]float64, error) {
	s.mu.Lock()
	gate, entry := s.gate, s.entry
	i := s.n
	s.n++
	s.mu.Unlock()
	if entry != nil {
		entry <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if s.err != nil {
		return nil, s.err
	}
	if i >= len(s.reads) {
		i = len(s.reads) - 1
	}
	if s.reads[i] == nil {
		return map[string]float64{}, nil
	}
	return map[string]float64{s.axis: *s.reads[i]}, nil
}

type rig struct {
	x, y, z *scripted
	h       *held
	p       *fov.Poller
	pubs    chan fov.Position
}

func newRig(t *testing.T, x, y, z *scripted) *rig {
	t.Helper()
	h := &held{}
	r := &rig{x: x, y: y, z: z, h: h, pubs: make(chan fov.Position, 1024)}
	p, err := fov.New(fov.Config{
		Sources: []fov.Source{
			{Name: "tile x", Axis: x, Lock: &trackedLock{h: h}},
			{Name: "tile y", Axis: y, Lock: &trackedLock{h: h}},
			{Name: "scan z", Axis: z, Lock: &trackedLock{h: h}},
		},
		Plane:    []string{"x", "y", "z"},
		Interval: time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	p.SubscribeFunc(func(pos fov.Position) error {
		r.pubs <- pos
		return nil
	})
	r.p = p
	t.Cleanup(p.Stop)
	return r
}

func (r *rig) next(t *testing.T) fov.Position {
	t.Helper()
	select {
	case pos := <-r.pubs:
		return pos
	case <-time.After(time.Second):
		t.Fatal("no position published within 1s")
		return nil
	}
}

func TestCompositeInPlaneOrder(t *testing.T) {
	r := newRig(t,
		&scripted{axis: "x", reads: []*float64{val(1)}},
		&scripted{axis: "y", reads: []*float64{val(2)}},
		&scripted{axis: "z", reads: []*float64{val(3)}})
	r.p.Start()
	got := r.next(t)
	if diff := cmp.Diff(fov.Position{1, 2, 3}, got); diff != "" {
		t.Errorf("composite position mismatch (-want +got):\n%s", diff)
	}
}

func TestSourceOrderDoesNotChangePlaneOrder(t *testing.T) {
	var mu sync.Mutex
	z := &scripted{axis: "z", reads: []*float64{val(3)}}
	x := &scripted{axis: "x", reads: []*float64{val(1)}}
	p, err := fov.New(fov.Config{
		Sources: []fov.Source{
			{Name: "scan", Axis: z, Lock: &mu},
			{Name: "tile x", Axis: x, Lock: &sync.Mutex{}},
		},
		Plane:    []string{"x", "z"},
		Interval: time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	out := make(chan fov.Position, 16)
	p.SubscribeFunc(func(pos fov.Position) error { out <- pos; return nil })
	p.Start()
	defer p.Stop()
	select {
	case got := <-out:
		if diff := cmp.Diff(fov.Position{1, 3}, got); diff != "" {
			t.Errorf("composite position mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(time.Second):
		t.Fatal("no position published")
	}
}

func TestMissingReadReusesPrevious(t *testing.T) {
	r := newRig(t,
		&scripted{axis: "x", reads: []*float64{val(1), val(4)}},
		&scripted{axis: "y", reads: []*float64{val(2), nil}},
		&scripted{axis: "z", reads: []*float64{val(3), val(6)}})
	r.p.Start()
	r.next(t)
	got := r.next(t)
	if diff := cmp.Diff(fov.Position{4, 2, 6}, got); diff != "" {
		t.Errorf("second cycle mismatch (-want +got):\n%s", diff)
	}
}

func TestReadErrorReusesPrevious(t *testing.T) {
	y := &scripted{axis: "y", reads: []*float64{val(2)}, err: errors.New("timeout")}
	p, err := fov.New(fov.Config{
		Sources: []fov.Source{
			{Name: "tile x", Axis: &scripted{axis: "x", reads: []*float64{val(1)}}, Lock: &sync.Mutex{}},
			{Name: "tile y", Axis: y, Lock: &sync.Mutex{}},
		},
		Plane:    []string{"x", "y"},
		Interval: time.Millisecond,
		Initial:  fov.Position{0, -7},
	})
	if err != nil {
		t.Fatal(err)
	}
	out := make(chan fov.Position, 16)
	p.SubscribeFunc(func(pos fov.Position) error { out <- pos; return nil })
	p.Start()
	defer p.Stop()
	select {
	case got := <-out:
		if diff := cmp.Diff(fov.Position{1, -7}, got); diff != "" {
			t.Errorf("failed read should fall back to the initial value (-want +got):\n%s", diff)
		}
	case <-time.After(time.Second):
		t.Fatal("no position published")
	}
}

func TestOneValuePerDimensionAndOneLockAtATime(t *testing.T) {
	r := newRig(t,
		&scripted{axis: "x", reads: []*float64{val(1), nil, val(3)}},
		&scripted{axis: "y", reads: []*float64{nil, val(2)}},
		&scripted{axis: "z", reads: []*float64{val(3)}})
	r.p.Start()
	for i := 0; i < 20; i++ {
		if pos := r.next(t); len(pos) != 3 {
			t.Fatalf("cycle %d published %d values, expected 3", i, len(pos))
		}
	}
	if m := atomic.LoadInt32(&r.h.max); m != 1 {
		t.Errorf("poller held %d locks at once", m)
	}
}

func TestSubscribersNotifiedInOrder(t *testing.T) {
	r := newRig(t,
		&scripted{axis: "x", reads: []*float64{val(1)}},
		&scripted{axis: "y", reads: []*float64{val(2)}},
		&scripted{axis: "z", reads: []*float64{val(3)}})
	var (
		mu    sync.Mutex
		order []string
	)
	for _, name := range []string{"tile", "scan", "volume"} {
		name := name
		r.p.SubscribeFunc(func(fov.Position) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			if name == "scan" {
				return errors.New("widget deleted")
			}
			return nil
		})
	}
	r.p.Start()
	r.next(t)
	r.next(t)
	r.p.Stop()
	<-r.p.Done()
	mu.Lock()
	defer mu.Unlock()
	if len(order) < 6 {
		t.Fatalf("expected at least two full notification rounds, got %v", order)
	}
	want := []string{"tile", "scan", "volume", "tile", "scan", "volume"}
	if diff := cmp.Diff(want, order[:6]); diff != "" {
		t.Errorf("notification order mismatch (-want +got):\n%s", diff)
	}
}

func TestNoReadsWhilePaused(t *testing.T) {
	r := newRig(t,
		&scripted{axis: "x", reads: []*float64{val(1)}},
		&scripted{axis: "y", reads: []*float64{val(2)}},
		&scripted{axis: "z", reads: []*float64{val(3)}})
	r.p.Start()
	r.next(t)
	if err := r.p.Pause(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !r.p.IsPaused() {
		t.Fatal("expected IsPaused after Pause returned")
	}
	nx, ny, nz := r.x.count(), r.y.count(), r.z.count()
	cycles := r.p.Cycles()
	time.Sleep(20 * time.Millisecond)
	if r.x.count() != nx || r.y.count() != ny || r.z.count() != nz {
		t.Error("axes were read while paused")
	}
	if r.p.Cycles() != cycles {
		t.Error("positions were published while paused")
	}
	if atomic.LoadInt32(&r.h.now) != 0 {
		t.Error("a lock is held while paused")
	}

	r.p.Resume()
	if r.p.IsPaused() {
		t.Error("expected not paused after Resume")
	}
	for len(r.pubs) > 0 {
		<-r.pubs
	}
	r.next(t)
	if r.x.count() == nx {
		t.Error("expected reads to continue after Resume")
	}
}

func TestPauseMidReadWaitsForTheRead(t *testing.T) {
	x := &scripted{axis: "x", reads: []*float64{val(1)}}
	y := &scripted{axis: "y", reads: []*float64{val(2)}}
	z := &scripted{axis: "z", reads: []*float64{val(3)}}
	r := newRig(t, x, y, z)
	gate, entry := make(chan struct{}), make(chan struct{})
	y.setGate(gate, entry)
	r.p.Start()

	<-entry // the poller is inside y's read, holding y's lock
	nz := z.count()
	paused := make(chan error, 1)
	go func() { paused <- r.p.Pause(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	if r.p.IsPaused() {
		t.Fatal("IsPaused true while a lock is held")
	}
	select {
	case <-paused:
		t.Fatal("Pause returned before the in-flight read completed")
	default:
	}

	y.setGate(nil, nil)
	close(gate)
	select {
	case err := <-paused:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pause did not return after the read completed")
	}
	if !r.p.IsPaused() {
		t.Error("expected IsPaused once Pause returned")
	}
	if atomic.LoadInt32(&r.h.now) != 0 {
		t.Error("a lock is held after Pause returned")
	}
	time.Sleep(10 * time.Millisecond)
	if z.count() != nz {
		t.Error("the next axis was read after the pause")
	}
	if len(r.pubs) != 0 {
		t.Error("the interrupted cycle was published before resume")
	}

	// the interrupted cycle is published exactly once after resume
	r.p.Resume()
	if diff := cmp.Diff(fov.Position{1, 2, 3}, r.next(t)); diff != "" {
		t.Errorf("position after resume mismatch (-want +got):\n%s", diff)
	}
	if r.p.Cycles() < 1 {
		t.Error("expected a published cycle after resume")
	}
}

func TestResumePublishesOncePerCycle(t *testing.T) {
	r := newRig(t,
		&scripted{axis: "x", reads: []*float64{val(1)}},
		&scripted{axis: "y", reads: []*float64{val(2)}},
		&scripted{axis: "z", reads: []*float64{val(3)}})
	r.p.Start()
	r.next(t)
	for i := 0; i < 5; i++ {
		if err := r.p.Pause(context.Background()); err != nil {
			t.Fatal(err)
		}
		r.p.Resume()
	}
	r.next(t)
	if err := r.p.Pause(context.Background()); err != nil {
		t.Fatal(err)
	}
	// every publish follows a complete pass over the axes,
	// so the last axis is read at least as often as positions are published
	if uint64(r.z.count()) < r.p.Cycles() {
		t.Errorf("%d publishes from %d complete reads", r.p.Cycles(), r.z.count())
	}
	// and the subscriber saw each publish exactly once
	if got := uint64(2 + len(r.pubs)); got != r.p.Cycles() {
		t.Errorf("subscriber saw %d positions for %d publishes", got, r.p.Cycles())
	}
}

func TestPauseTimeoutWithdrawsRequest(t *testing.T) {
	x := &scripted{axis: "x", reads: []*float64{val(1)}}
	r := newRig(t, x,
		&scripted{axis: "y", reads: []*float64{val(2)}},
		&scripted{axis: "z", reads: []*float64{val(3)}})
	gate, entry := make(chan struct{}), make(chan struct{}, 1)
	x.setGate(gate, entry)
	r.p.Start()
	<-entry

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := r.p.Pause(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	x.setGate(nil, nil)
	close(gate)
	r.next(t)
	if r.p.IsPaused() {
		t.Error("a withdrawn pause took effect")
	}
}

func TestRequestPauseIsHonored(t *testing.T) {
	r := newRig(t,
		&scripted{axis: "x", reads: []*float64{val(1)}},
		&scripted{axis: "y", reads: []*float64{val(2)}},
		&scripted{axis: "z", reads: []*float64{val(3)}})
	r.p.Start()
	r.p.RequestPause()
	deadline := time.Now().Add(time.Second)
	for !r.p.IsPaused() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !r.p.IsPaused() {
		t.Fatal("RequestPause was never honored")
	}
}

func TestStopIsTerminal(t *testing.T) {
	r := newRig(t,
		&scripted{axis: "x", reads: []*float64{val(1)}},
		&scripted{axis: "y", reads: []*float64{val(2)}},
		&scripted{axis: "z", reads: []*float64{val(3)}})
	if err := r.p.Pause(context.Background()); !errors.Is(err, fov.ErrNotStarted) {
		t.Errorf("expected ErrNotStarted before Start, got %v", err)
	}
	r.p.Start()
	r.next(t)
	r.p.Stop()
	select {
	case <-r.p.Done():
	case <-time.After(time.Second):
		t.Fatal("poller goroutine did not exit after Stop")
	}
	if r.p.State() != fov.Stopped {
		t.Errorf("expected stopped, got %v", r.p.State())
	}
	if err := r.p.Pause(context.Background()); !errors.Is(err, fov.ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
	r.p.Start()
	if r.p.State() != fov.Stopped {
		t.Error("Start revived a stopped poller")
	}
}

func TestStopWhilePaused(t *testing.T) {
	r := newRig(t,
		&scripted{axis: "x", reads: []*float64{val(1)}},
		&scripted{axis: "y", reads: []*float64{val(2)}},
		&scripted{axis: "z", reads: []*float64{val(3)}})
	r.p.Start()
	if err := r.p.Pause(context.Background()); err != nil {
		t.Fatal(err)
	}
	r.p.Stop()
	select {
	case <-r.p.Done():
	case <-time.After(time.Second):
		t.Fatal("paused poller did not exit after Stop")
	}
}

func TestNewValidatesPlane(t *testing.T) {
	var mu sync.Mutex
	x := &scripted{axis: "x", reads: []*float64{val(1)}}
	cases := map[string]fov.Config{
		"empty plane":   {Sources: []fov.Source{{Name: "x", Axis: x, Lock: &mu}}},
		"unfed dim":     {Sources: []fov.Source{{Name: "x", Axis: x, Lock: &mu}}, Plane: []string{"x", "y"}},
		"foreign dim":   {Sources: []fov.Source{{Name: "x", Axis: x, Lock: &mu}}, Plane: []string{"y"}},
		"doubly fed":    {Sources: []fov.Source{{Name: "a", Axis: x, Lock: &mu}, {Name: "b", Axis: x, Lock: &mu}}, Plane: []string{"x"}},
		"missing lock":  {Sources: []fov.Source{{Name: "x", Axis: x}}, Plane: []string{"x"}},
		"short initial": {Sources: []fov.Source{{Name: "x", Axis: x, Lock: &mu}}, Plane: []string{"x"}, Initial: fov.Position{}},
	}
	for name, c := range cases {
		if _, err := fov.New(c); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestHoldOutlastsResume(t *testing.T) {
	r := newRig(t,
		&scripted{axis: "x", reads: []*float64{val(1)}},
		&scripted{axis: "y", reads: []*float64{val(2)}},
		&scripted{axis: "z", reads: []*float64{val(3)}})
	r.p.Start()
	r.next(t)
	first, err := r.p.Hold(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.p.Hold(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !r.p.IsPaused() {
		t.Fatal("expected IsPaused once Hold returned")
	}
	nx := r.x.count()

	r.p.Resume()
	first()
	first() // a second release is a no-op
	time.Sleep(10 * time.Millisecond)
	if !r.p.IsPaused() || r.x.count() != nx {
		t.Fatal("polling resumed while a hold was outstanding")
	}

	second()
	if r.p.IsPaused() {
		t.Error("still paused after every hold was released")
	}
	for len(r.pubs) > 0 {
		<-r.pubs
	}
	r.next(t)
}

func TestPauseOutlastsAHold(t *testing.T) {
	r := newRig(t,
		&scripted{axis: "x", reads: []*float64{val(1)}},
		&scripted{axis: "y", reads: []*float64{val(2)}},
		&scripted{axis: "z", reads: []*float64{val(3)}})
	r.p.Start()
	if err := r.p.Pause(context.Background()); err != nil {
		t.Fatal(err)
	}
	release, err := r.p.Hold(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	release()
	if !r.p.IsPaused() {
		t.Error("releasing a hold ended the operator's pause")
	}
	r.p.Resume()
	if r.p.IsPaused() {
		t.Error("still paused after Resume with no hold outstanding")
	}
}

func TestWithdrawnPauseLeavesOtherRequests(t *testing.T) {
	x := &scripted{axis: "x", reads: []*float64{val(1)}}
	r := newRig(t, x,
		&scripted{axis: "y", reads: []*float64{val(2)}},
		&scripted{axis: "z", reads: []*float64{val(3)}})
	gate, entry := make(chan struct{}), make(chan struct{}, 1)
	x.setGate(gate, entry)
	r.p.Start()
	<-entry

	held := make(chan error, 1)
	go func() {
		release, err := r.p.Hold(context.Background())
		if err == nil {
			defer release()
		}
		held <- err
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := r.p.Pause(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	x.setGate(nil, nil)
	close(gate)
	select {
	case err := <-held:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("the withdrawn pause also withdrew the hold")
	}
}

func TestWithdrawnPauseDoesNotShortenTheSleep(t *testing.T) {
	x := &scripted{axis: "x", reads: []*float64{val(1)}}
	pubs := make(chan fov.Position, 16)
	var mu sync.Mutex
	p, err := fov.New(fov.Config{
		Sources: []fov.Source{
			{Name: "tile x", Axis: x, Lock: &mu},
		},
		Plane:    []string{"x"},
		Interval: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	p.SubscribeFunc(func(pos fov.Position) error {
		pubs <- pos
		return nil
	})
	t.Cleanup(p.Stop)
	gate, entry := make(chan struct{}), make(chan struct{}, 1)
	x.setGate(gate, entry)
	p.Start()
	<-entry

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := p.Pause(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	x.setGate(nil, nil)
	close(gate)
	select {
	case <-pubs:
	case <-time.After(time.Second):
		t.Fatal("no position published within 1s")
	}
	time.Sleep(40 * time.Millisecond)
	if n := x.count(); n != 1 {
		t.Errorf("%d reads within the first interval after a withdrawn pause, expected 1", n)
	}
}
