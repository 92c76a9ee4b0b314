package generichttp_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/google/go-cmp/cmp"
	"github.com/nasa-jpl/acqview/generichttp"
)

func TestSubMuxSanitize(t *testing.T) {
	for in, want := range map[string]string{
		"omc/fov":    "/omc/fov",
		"/omc/fov/*": "/omc/fov",
		"/":          "/",
	} {
		if got := generichttp.SubMuxSanitize(in); got != want {
			t.Errorf("SubMuxSanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRouteTableBind(t *testing.T) {
	var set bool
	rt := generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/flag"}:  generichttp.GetBool(func() (bool, error) { return set, nil }),
		{Method: http.MethodPost, Path: "/flag"}: generichttp.SetBool(func(b bool) error { set = b; return nil }),
	}
	r := chi.NewRouter()
	rt.Bind(r)

	req := httptest.NewRequest(http.MethodPost, "/flag", strings.NewReader(`{"bool": true}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !set {
		t.Fatalf("POST /flag: status %d, set=%v", rec.Code, set)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/flag", nil))
	if got := strings.TrimSpace(rec.Body.String()); got != `{"bool":true}` {
		t.Errorf("GET /flag returned %s", got)
	}

	want := []string{"GET /flag", "POST /flag"}
	if diff := cmp.Diff(want, rt.Endpoints()); diff != "" {
		t.Errorf("endpoints mismatch (-want +got):\n%s", diff)
	}
}

func TestSetBoolBadBody(t *testing.T) {
	h := generichttp.SetBool(func(bool) error { return nil })
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("nope")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a malformed body, got %d", rec.Code)
	}
}
