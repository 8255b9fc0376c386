// Package testutil provides testing utilities for the CPI ingestion pipeline.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines a canned response for one upstream call.
type MockResponse struct {
	StatusCode int
	Body       string
	Delay      time.Duration
}

// Point is one monthly observation served by the mock.
type Point struct {
	Year  int
	Month time.Month
	Value string
}

// RecordedRequest is a decoded request received by the mock.
type RecordedRequest struct {
	SeriesID        []string
	StartYear       string
	EndYear         string
	RegistrationKey string
}

// MockBLS is a configurable mock of the BLS timeseries endpoint.
//
// Series data is served from the configured points, newest first, as the real
// API does. Queued responses (see Enqueue) take precedence over series data.
type MockBLS struct {
	server *httptest.Server
	mu     sync.RWMutex
	series map[string][]Point
	queue  []MockResponse

	// Tracking
	RequestCount int
	Requests     []RecordedRequest
}

// NewMockBLS creates a new mock upstream server.
func NewMockBLS() *MockBLS {
	mock := &MockBLS{
		series: make(map[string][]Point),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/timeseries/data/", mock.handleTimeseries)
	mock.server = httptest.NewServer(mux)

	return mock
}

// URL returns the mock server URL, usable as the client base URL.
func (m *MockBLS) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockBLS) Close() {
	m.server.Close()
}

// Reset clears tracking counters and queued responses.
func (m *MockBLS) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.Requests = nil
	m.queue = nil
}

// SetSeries replaces the observations served for a series id.
func (m *MockBLS) SetSeries(id string, points ...Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Point, len(points))
	copy(cp, points)
	m.series[id] = cp
}

// AppendPoint publishes one more observation for a series.
func (m *MockBLS) AppendPoint(id string, p Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series[id] = append(m.series[id], p)
}

// Enqueue queues responses returned, in order, before series data is served.
func (m *MockBLS) Enqueue(responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, responses...)
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockBLS) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetRequests returns a copy of the decoded requests.
func (m *MockBLS) GetRequests() []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RecordedRequest, len(m.Requests))
	copy(out, m.Requests)
	return out
}

func (m *MockBLS) handleTimeseries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		SeriesID  []string `json:"seriesid"`
		StartYear string   `json:"startyear"`
		EndYear   string   `json:"endyear"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.RequestCount++
	m.Requests = append(m.Requests, RecordedRequest{
		SeriesID:        body.SeriesID,
		StartYear:       body.StartYear,
		EndYear:         body.EndYear,
		RegistrationKey: r.URL.Query().Get("registrationkey"),
	})
	var queued *MockResponse
	if len(m.queue) > 0 {
		q := m.queue[0]
		m.queue = m.queue[1:]
		queued = &q
	}
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	if queued != nil {
		if queued.Delay > 0 {
			time.Sleep(queued.Delay)
		}
		w.WriteHeader(queued.StatusCode)
		if queued.Body != "" {
			w.Write([]byte(queued.Body))
		}
		return
	}

	start, _ := strconv.Atoi(body.StartYear)
	end, _ := strconv.Atoi(body.EndYear)

	m.mu.RLock()
	payload := m.buildResponse(body.SeriesID, start, end)
	m.mu.RUnlock()

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(payload)
}

func (m *MockBLS) buildResponse(ids []string, start, end int) map[string]any {
	type dataPoint struct {
		Year       string `json:"year"`
		Period     string `json:"period"`
		PeriodName string `json:"periodName"`
		Value      string `json:"value"`
	}
	type seriesResult struct {
		SeriesID string      `json:"seriesID"`
		Data     []dataPoint `json:"data"`
	}

	var messages []string
	results := make([]seriesResult, 0, len(ids))
	for _, id := range ids {
		points := append([]Point(nil), m.series[id]...)
		sort.Slice(points, func(i, j int) bool {
			if points[i].Year != points[j].Year {
				return points[i].Year > points[j].Year
			}
			return points[i].Month > points[j].Month
		})

		data := []dataPoint{}
		for _, p := range points {
			if p.Year < start || p.Year > end {
				continue
			}
			data = append(data, dataPoint{
				Year:       strconv.Itoa(p.Year),
				Period:     fmt.Sprintf("M%02d", int(p.Month)),
				PeriodName: p.Month.String(),
				Value:      p.Value,
			})
		}
		if len(data) == 0 {
			messages = append(messages, fmt.Sprintf("No Data Available for Series %s Year: %d", id, end))
		}
		results = append(results, seriesResult{SeriesID: id, Data: data})
	}

	return map[string]any{
		"status":       "REQUEST_SUCCEEDED",
		"responseTime": 42,
		"message":      messages,
		"Results":      map[string]any{"series": results},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Too many requests"}`,
	}
}

// NewNotProcessedResponse creates the 200 envelope the API returns once the
// daily threshold is reached.
func NewNotProcessedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"status":"REQUEST_NOT_PROCESSED","responseTime":1,"message":["Request could not be serviced, as the daily threshold for total number of requests allocated to the user has been reached."],"Results":{}}`,
	}
}

// NewMalformedResponse creates a 200 response whose body is not JSON.
func NewMalformedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `<html>maintenance</html>`,
	}
}
