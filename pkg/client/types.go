package client

// Envelope status values reported by the upstream API.
const (
	StatusSucceeded    = "REQUEST_SUCCEEDED"
	StatusNotProcessed = "REQUEST_NOT_PROCESSED"
	StatusFailed       = "REQUEST_FAILED"
)

// TimeseriesRequest is the JSON body of a timeseries data request.
// Years are sent as strings, as the API documents them.
type TimeseriesRequest struct {
	SeriesID  []string `json:"seriesid"`
	StartYear string   `json:"startyear"`
	EndYear   string   `json:"endyear"`
}

// TimeseriesResponse is the response envelope of a timeseries data request.
type TimeseriesResponse struct {
	Status       string   `json:"status"`
	ResponseTime int      `json:"responseTime"`
	Message      []string `json:"message"`
	Results      Results  `json:"Results"`
}

// Results holds the per-series payloads.
type Results struct {
	Series []SeriesResult `json:"series"`
}

// SeriesResult holds the observations of one series, newest first.
type SeriesResult struct {
	SeriesID string      `json:"seriesID"`
	Data     []DataPoint `json:"data"`
}

// DataPoint is one upstream observation. Period is "M01".."M12" for monthly
// data and "M13" for the annual average.
type DataPoint struct {
	Year       string `json:"year"`
	Period     string `json:"period"`
	PeriodName string `json:"periodName"`
	Latest     string `json:"latest,omitempty"`
	Value      string `json:"value"`
}
