// Package ascii contains some injectable HTTP interfaces to ASCII hardare
package ascii

import (
	"encoding/json"
	"go/types"
	"net/http"
	"sync"

	"github.com/nasa-jpl/acqview/generichttp"
)

// RawCommunicator has a single Raw method
type RawCommunicator interface {
	Raw(string) (string, error)
}

// RawWrapper is a wrapper around a raw communicator.  If Lock is not nil it
// is held for the exchange
type RawWrapper struct {
	Comm RawCommunicator
	Lock sync.Locker
}

// HTTPRaw provides access to the raw function over http
func (rw RawWrapper) HTTPRaw(w http.ResponseWriter, r *http.Request) {
	str := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if rw.Lock != nil {
		rw.Lock.Lock()
	}
	resp, err := rw.Comm.Raw(str.Str)
	if rw.Lock != nil {
		rw.Lock.Unlock()
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := generichttp.HumanPayload{T: types.String, String: resp}
	hp.EncodeAndRespond(w, r)
}

// InjectRawComm injects a POST route at path into the route table
func InjectRawComm(rt generichttp.RouteTable, path string, raw RawCommunicator, lock sync.Locker) {
	wrap := RawWrapper{Comm: raw, Lock: lock}
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: path}] = wrap.HTTPRaw
}
