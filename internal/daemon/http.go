package daemon

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"k8s.io/klog/v2"

	"github.com/yoonhyunwoo/pmqos/internal/qos"
)

// Handler returns the daemon's HTTP routes.
func (d *Daemon) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", d.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/classes", d.listClasses).Methods(http.MethodGet)
	r.HandleFunc("/classes/{class}", d.getClass).Methods(http.MethodGet)
	r.HandleFunc("/debug/qos/{class}", d.dumpClass).Methods(http.MethodGet)
	r.HandleFunc("/flags", d.listFlags).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.Warningf("daemon: failed to write response: %v", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (d *Daemon) classFor(w http.ResponseWriter, r *http.Request) *qos.Class {
	c, err := d.reg.Class(mux.Vars(r)["class"])
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return nil
	}
	return c
}

func (d *Daemon) listClasses(w http.ResponseWriter, _ *http.Request) {
	classes := d.reg.Classes()
	stats := make([]qos.Stats, 0, len(classes))
	for _, c := range classes {
		stats = append(stats, c.Stats())
	}
	writeJSON(w, http.StatusOK, stats)
}

func (d *Daemon) getClass(w http.ResponseWriter, r *http.Request) {
	if c := d.classFor(w, r); c != nil {
		writeJSON(w, http.StatusOK, c.Stats())
	}
}

func (d *Daemon) dumpClass(w http.ResponseWriter, r *http.Request) {
	c := d.classFor(w, r)
	if c == nil {
		return
	}
	var buf bytes.Buffer
	if err := c.Dump(&buf); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (d *Daemon) listFlags(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string]int32, len(d.flags))
	for name, set := range d.flags {
		out[name] = set.Value()
	}
	writeJSON(w, http.StatusOK, out)
}
