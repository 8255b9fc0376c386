package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/cpi-ingest/internal/testutil"
	"github.com/Sternrassler/cpi-ingest/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `{
  "families": [
    {
      "name": "cpi-test",
      "series": [
        {"id": "CUUR0000SA0", "name": "All items"},
        {"id": "CUUR0000SAF1", "name": "Food"}
      ]
    }
  ]
}`

// testEnv points the CLI at mock and a temporary catalog, with the default file
// backend under a temporary data dir.
func testEnv(t *testing.T, mock *testutil.MockBLS) {
	t.Helper()
	chdir(t, t.TempDir())

	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o600))

	env := map[string]string{
		"BLS_API_KEY":             "test-key",
		"BLS_BASE_URL":            mock.URL(),
		"BLS_REQUESTS_PER_SECOND": "1000",
		"HTTP_MAX_RETRIES":        "1",
		"ENFORCE_DAILY_QUOTA":     "false",
		"GATE_MAX_ATTEMPTS":       "2",
		"GATE_INITIAL_BACKOFF":    "1ms",
		"GATE_MAX_BACKOFF":        "1ms",
		"STORE_BACKEND":           "",
		"DATA_DIR":                filepath.Join(t.TempDir(), "data"),
		"REDIS_ADDR":              "",
		"CATALOG_FILE":            path,
		"LOG_LEVEL":               "error",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}
}

func publish(mock *testutil.MockBLS) {
	mock.SetSeries("CUUR0000SA0",
		testutil.Point{Year: 2023, Month: time.May, Value: "100"},
		testutil.Point{Year: 2023, Month: time.June, Value: "110"},
	)
	mock.SetSeries("CUUR0000SAF1",
		testutil.Point{Year: 2023, Month: time.May, Value: "200"},
		testutil.Point{Year: 2023, Month: time.June, Value: "210"},
	)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunCommand(t *testing.T) {
	mock := testutil.NewMockBLS()
	defer mock.Close()
	testEnv(t, mock)
	publish(mock)

	out, err := execute(t, "run", "--target", "2023-06")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "FAMILY")
	fields := strings.Fields(lines[1])
	assert.Equal(t, []string{"cpi-test", "2023-06", "1", "2"}, fields[:4])
	assert.Equal(t, 1, mock.GetRequestCount())

	req := mock.GetRequests()[0]
	assert.Equal(t, []string{"CUUR0000SA0", "CUUR0000SAF1"}, req.SeriesID)
	assert.Equal(t, "2022", req.StartYear)
	assert.Equal(t, "2023", req.EndYear)
}

func TestRunCommand_PersistsBetweenInvocations(t *testing.T) {
	mock := testutil.NewMockBLS()
	defer mock.Close()
	testEnv(t, mock)
	publish(mock)

	out, err := execute(t, "run", "--target", "2023-06")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"cpi-test", "2023-06", "1", "2"}, strings.Fields(lines[1])[:4])

	// A second process sees the mark left by the first and writes nothing.
	out, err = execute(t, "run", "--target", "2023-06")
	require.NoError(t, err)
	lines = strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "0", strings.Fields(lines[1])[3])

	out, err = execute(t, "hwm")
	require.NoError(t, err)
	assert.Contains(t, out, "2023-06")
	assert.NotContains(t, out, "none")

	out, err = execute(t, "show", "--family", "cpi-test")
	require.NoError(t, err)
	lines = strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, out, "All items")
	assert.Contains(t, out, "10.0000")
	assert.Contains(t, out, "5.0000")
	assert.Equal(t, "2023-06", strings.Fields(lines[1])[0])

	_, err = os.Stat(filepath.Join(os.Getenv("DATA_DIR"), "cpi-test.csv"))
	assert.NoError(t, err)
}

func TestInspectCommands_RejectMemory(t *testing.T) {
	mock := testutil.NewMockBLS()
	defer mock.Close()
	testEnv(t, mock)
	t.Setenv("STORE_BACKEND", "memory")

	_, err := execute(t, "hwm")
	assert.ErrorIs(t, err, errNoPersistedState)

	_, err = execute(t, "show", "--family", "cpi-test")
	assert.ErrorIs(t, err, errNoPersistedState)
}

func TestRunCommand_NotPublished(t *testing.T) {
	mock := testutil.NewMockBLS()
	defer mock.Close()
	testEnv(t, mock)
	publish(mock)

	_, err := execute(t, "run", "--target", "2023-07")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not published")
	assert.Equal(t, 2, mock.GetRequestCount())
}

func TestRunCommand_InvalidArgs(t *testing.T) {
	mock := testutil.NewMockBLS()
	defer mock.Close()
	testEnv(t, mock)

	_, err := execute(t, "run", "--target", "June")
	assert.ErrorContains(t, err, "invalid --target")

	_, err = execute(t, "run", "--family", "nope")
	assert.ErrorContains(t, err, `unknown family "nope"`)
	assert.Zero(t, mock.GetRequestCount())
}

func TestRunCommand_BadConfig(t *testing.T) {
	mock := testutil.NewMockBLS()
	defer mock.Close()
	testEnv(t, mock)
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := execute(t, "run")
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestHWMCommand_Empty(t *testing.T) {
	mock := testutil.NewMockBLS()
	defer mock.Close()
	testEnv(t, mock)

	out, err := execute(t, "hwm")
	require.NoError(t, err)
	assert.Contains(t, out, "cpi-test")
	assert.Contains(t, out, "none")
}

func TestShowCommand_RequiresFamily(t *testing.T) {
	mock := testutil.NewMockBLS()
	defer mock.Close()
	testEnv(t, mock)

	_, err := execute(t, "show")
	assert.ErrorContains(t, err, "family")
}

func TestParseTarget(t *testing.T) {
	got, err := parseTarget("")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	got, err = parseTarget("2023-06")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, time.June, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestOpenStores_Memory(t *testing.T) {
	a := &app{cfg: &config.Config{Store: config.StoreConfig{Backend: config.BackendMemory}}}
	stores, err := a.openStores(context.Background())
	require.NoError(t, err)

	s1, err := stores("a")
	require.NoError(t, err)
	s2, err := stores("a")
	require.NoError(t, err)
	s3, err := stores("b")
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.NotSame(t, s1, s3)
}

func TestOpenStores_File(t *testing.T) {
	dir := t.TempDir()
	a := &app{cfg: &config.Config{Store: config.StoreConfig{Backend: config.BackendFile, DataDir: dir}}}
	stores, err := a.openStores(context.Background())
	require.NoError(t, err)

	s1, err := stores("a")
	require.NoError(t, err)
	s2, err := stores("a")
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	_, err = stores("../a")
	assert.Error(t, err)
}

func TestOpenStores_Unsupported(t *testing.T) {
	a := &app{cfg: &config.Config{Store: config.StoreConfig{Backend: "sqlite"}}}
	_, err := a.openStores(context.Background())
	assert.ErrorContains(t, err, "unsupported store backend")

	a = &app{cfg: &config.Config{Store: config.StoreConfig{Backend: config.BackendRedis}}}
	_, err = a.openStores(context.Background())
	assert.Error(t, err)
}

func TestComponentConfigs(t *testing.T) {
	cfg := &config.Config{
		BLS: config.BLSConfig{
			APIKey:            "k",
			BaseURL:           "http://bls.test",
			UserAgent:         "ua",
			ChunkSize:         25,
			DailyQuota:        100,
			RequestsPerSecond: 2,
			Timeout:           5 * time.Second,
			MaxRetries:        4,
		},
		Gate: config.GateConfig{MaxAttempts: 3, InitialBackoff: time.Minute, MaxBackoff: time.Hour, Multiplier: 2, Jitter: 0.1},
	}

	cc := clientConfig(cfg, nil)
	assert.Equal(t, "k", cc.APIKey)
	assert.Equal(t, "http://bls.test", cc.BaseURL)
	assert.Equal(t, 100, cc.DailyQuota)
	assert.Equal(t, 4, cc.MaxRetries)
	assert.Nil(t, cc.Redis)

	assert.Equal(t, 25, fetcherConfig(cfg).ChunkSize)

	gc := gateConfig(cfg)
	assert.Equal(t, 3, gc.MaxAttempts)
	assert.Equal(t, 2.0, gc.Multiplier)
	require.NoError(t, gc.Validate())
}
