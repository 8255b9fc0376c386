package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RowsWritten tracks appended rows by backend
	RowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cpi_store_rows_written_total",
			Help: "Total number of derived rows appended to the dataset store",
		},
		[]string{"backend"}, // "memory", "file", "postgres", "redis", "clickhouse"
	)

	// Errors tracks store operation errors
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cpi_store_errors_total",
			Help: "Total number of dataset store operation errors",
		},
		[]string{"backend", "operation"}, // "read_hwm", "append", "lock", "rows"
	)

	// StaleWrites tracks appends rejected because the mark moved
	StaleWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cpi_store_stale_writes_total",
			Help: "Total number of appends rejected due to a stale high-water mark",
		},
		[]string{"backend"},
	)
)
