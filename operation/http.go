package operation

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/acqview/generichttp"
	"github.com/nasa-jpl/acqview/metadata"
)

type operationMsg struct {
	Key
	Schema metadata.Schema        `json:"schema"`
	Values map[string]interface{} `json:"values"`
}

func (r *Registry) lookup(w http.ResponseWriter, req *http.Request) (*Operation, bool) {
	o, err := r.Get(Type(chi.URLParam(req, "type")), chi.URLParam(req, "device"), chi.URLParam(req, "name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	return o, true
}

// GetOperation returns the schema and values of one operation
func (r *Registry) GetOperation(w http.ResponseWriter, req *http.Request) {
	o, ok := r.lookup(w, req)
	if !ok {
		return
	}
	generichttp.RespondJSON(w, operationMsg{
		Key:    Key{Type: o.Type, Device: o.Device, Name: o.Name},
		Schema: o.Schema(),
		Values: o.Values(),
	})
}

// PostOperation sets the properties in the body, all or none, and returns the
// refreshed values.  The body is either a map of properties to values or
// {"property": name, "value": v}
func (r *Registry) PostOperation(w http.ResponseWriter, req *http.Request) {
	o, ok := r.lookup(w, req)
	if !ok {
		return
	}
	defer req.Body.Close()
	values := map[string]interface{}{}
	if err := json.NewDecoder(req.Body).Decode(&values); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p, ok := values["property"].(string); ok && len(values) == 2 {
		if v, ok := values["value"]; ok {
			values = map[string]interface{}{p: v}
		}
	}
	fresh, err := o.SetAll(values)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	r.log.Info("operation changed", "type", o.Type, "device", o.Device, "operation", o.Name, "values", values)
	generichttp.RespondJSON(w, fresh)
}

// GetStack returns the operations of one type grouped by device
func (r *Registry) GetStack(w http.ResponseWriter, req *http.Request) {
	t := Type(chi.URLParam(req, "type"))
	if _, ok := Schemas[t]; !ok {
		http.Error(w, "unknown operation type "+string(t), http.StatusNotFound)
		return
	}
	generichttp.RespondJSON(w, r.Stack(t))
}

// RT returns the route table of the operations
func (r *Registry) RT() generichttp.RouteTable {
	return generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/operations"}: func(w http.ResponseWriter, req *http.Request) {
			generichttp.RespondJSON(w, r.Keys())
		},
		{Method: http.MethodGet, Path: "/operations/{type}"}:                 r.GetStack,
		{Method: http.MethodGet, Path: "/operations/{type}/{device}/{name}"}:  r.GetOperation,
		{Method: http.MethodPost, Path: "/operations/{type}/{device}/{name}"}: r.PostOperation,
	}
}

var _ generichttp.HTTPer = (*Registry)(nil)
