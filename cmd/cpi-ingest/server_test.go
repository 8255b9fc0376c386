package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Sternrassler/cpi-ingest/pkg/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobs struct {
	triggered []string
	err       error
	status    []scheduler.Status
}

func (f *fakeJobs) Trigger(name string) error {
	if f.err != nil {
		return f.err
	}
	f.triggered = append(f.triggered, name)
	return nil
}

func (f *fakeJobs) Status() []scheduler.Status {
	return f.status
}

func serve(t *testing.T, jobs jobController, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	newRouter(jobs).ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	w := serve(t, &fakeJobs{}, http.MethodGet, "/health")

	assert.Equal(t, http.StatusOK, w.Code)
	body, _ := io.ReadAll(w.Body)
	assert.Equal(t, "OK", string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	w := serve(t, &fakeJobs{}, http.MethodGet, "/metrics")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestStatusEndpoint(t *testing.T) {
	jobs := &fakeJobs{status: []scheduler.Status{
		{Family: "cpi-u-groups", Schedule: "30 8 * * *"},
		{Family: "cpi-u-headline", Schedule: "30 8 * * *", Running: true},
	}}

	w := serve(t, jobs, http.MethodGet, "/families")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var got []scheduler.Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	require.Len(t, got, 2)
	assert.Equal(t, "cpi-u-headline", got[1].Family)
	assert.True(t, got[1].Running)
}

func TestTriggerEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"started", nil, http.StatusAccepted},
		{"unknown family", fmt.Errorf("%w: x", scheduler.ErrUnknownFamily), http.StatusNotFound},
		{"already running", scheduler.ErrAlreadyRunning, http.StatusConflict},
		{"scheduler stopped", fmt.Errorf("context canceled"), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := &fakeJobs{err: tt.err}
			w := serve(t, jobs, http.MethodPost, "/families/cpi-u-headline/run")

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.err == nil {
				assert.Equal(t, []string{"cpi-u-headline"}, jobs.triggered)
			}
		})
	}
}

func TestTriggerEndpoint_MethodNotAllowed(t *testing.T) {
	jobs := &fakeJobs{}
	w := serve(t, jobs, http.MethodGet, "/families/cpi-u-headline/run")

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Empty(t, jobs.triggered)
}
