package status

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/axiom-crypto/blockhash-relayer/relayer"
)

type staticReporter struct{ snapshot relayer.Snapshot }

func (r staticReporter) Snapshot() relayer.Snapshot { return r.snapshot }

func newTestServer(t *testing.T, snapshot relayer.Snapshot) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := relayer.NewMetrics(reg)
	metrics.LastFinalized.Set(float64(snapshot.LastFinalized))

	srv := NewServer(Config{Logger: zerolog.Nop()}, staticReporter{snapshot}, reg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, relayer.Snapshot{State: relayer.StateAwaitingBatch.String()})
	code, body := get(t, ts.URL+"/health")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "OK", body)

	failed := newTestServer(t, relayer.Snapshot{State: relayer.StateFailed.String()})
	code, _ = get(t, failed.URL+"/health")
	require.Equal(t, http.StatusServiceUnavailable, code)
}

func TestStatus(t *testing.T) {
	want := relayer.Snapshot{
		State:         relayer.StateSubmitting.String(),
		LastFinalized: 1024,
		Root:          "0x01",
	}
	ts := newTestServer(t, want)

	code, body := get(t, ts.URL+"/status")
	require.Equal(t, http.StatusOK, code)
	var got relayer.Snapshot
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	require.Equal(t, want, got)
}

func TestMetrics(t *testing.T) {
	ts := newTestServer(t, relayer.Snapshot{LastFinalized: 4096})

	code, body := get(t, ts.URL+"/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "relayer_last_finalized_block 4096")
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, relayer.Snapshot{})
	resp, err := http.Post(ts.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
