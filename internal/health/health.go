// Package health serves liveness and readiness probes.
package health

import (
	"net/http"
	"sync/atomic"
)

var ready atomic.Bool

// SetReady marks the service ready (observation index loaded, ephemeris
// cache restored). Readyz reports 503 until this is called.
func SetReady(v bool) { ready.Store(v) }

// Healthz returns 200 "ok\n" unconditionally.
func Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// Readyz returns 200 "ready\n" once startup has completed.
func Readyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if !ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("starting\n"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready\n"))
}
