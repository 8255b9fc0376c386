package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Sternrassler/cpi-ingest/pkg/metrics"
	"github.com/Sternrassler/cpi-ingest/pkg/scheduler"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// jobController is the part of the scheduler exposed over HTTP.
type jobController interface {
	Trigger(name string) error
	Status() []scheduler.Status
}

func newRouter(jobs jobController) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/families", statusHandler(jobs)).Methods(http.MethodGet)
	r.HandleFunc("/families/{name}/run", triggerHandler(jobs)).Methods(http.MethodPost)
	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func statusHandler(jobs jobController) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, jobs.Status())
	}
}

func triggerHandler(jobs jobController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]

		err := jobs.Trigger(name)
		switch {
		case err == nil:
			writeJSON(w, http.StatusAccepted, map[string]string{"family": name, "status": "started"})
		case errors.Is(err, scheduler.ErrUnknownFamily):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, scheduler.ErrAlreadyRunning):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}
