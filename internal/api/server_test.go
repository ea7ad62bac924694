package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ctrlbridge/internal/actuation"
	"github.com/banshee-data/ctrlbridge/internal/controlloop"
	"github.com/banshee-data/ctrlbridge/internal/db"
	"github.com/banshee-data/ctrlbridge/internal/publish"
	"github.com/banshee-data/ctrlbridge/internal/sensor"
	"github.com/banshee-data/ctrlbridge/internal/timeutil"
)

var epoch = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func newLoop(t *testing.T) *controlloop.Context {
	t.Helper()
	clock := timeutil.NewMockClock(epoch)
	opener := &actuation.MockOpener{Ports: []actuation.SerialPorter{actuation.NewEchoPort()}}
	tr, err := actuation.NewSerialTransport(actuation.SerialConfig{
		Path:        "/dev/ttyTEST",
		ReadTimeout: 10 * time.Millisecond,
		Link:        actuation.LinkConfig{Clock: clock},
		Opener:      opener.Open,
	})
	require.NoError(t, err)
	require.NoError(t, tr.Open(context.Background()))

	cfg := controlloop.DefaultConfig()
	cfg.WindowCapacity = 4
	cfg.RunID = "api-run"
	c, err := controlloop.New(cfg, controlloop.Deps{
		Link:  actuation.NewFallbackLink(tr, actuation.DefaultBackoff(), clock),
		Clock: clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func prime(t *testing.T, c *controlloop.Context) {
	t.Helper()
	layout := c.Config().Layout
	for i := 0; i < c.Config().WindowCapacity; i++ {
		for _, m := range sensor.Modalities() {
			sample := make([]float64, layout.Dim(m))
			for j := range sample {
				sample[j] = float64(i + j)
			}
			require.NoError(t, c.Ingest(m, sample))
		}
	}
}

func newTestServer(t *testing.T, withDB bool) (*Server, *controlloop.Context, *db.DB) {
	t.Helper()
	loop := newLoop(t)
	var database *db.DB
	if withDB {
		var err error
		database, err = db.NewDB(filepath.Join(t.TempDir(), "ticks.db"))
		require.NoError(t, err)
		t.Cleanup(func() { database.Close() })
	}
	hub := publish.NewHub()
	t.Cleanup(hub.Close)
	return NewServer(loop, hub, database), loop, database
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusReportsPendingModalities(t *testing.T) {
	s, _, _ := newTestServer(t, false)
	rec := do(t, s.ServeMux(), http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Pending, len(sensor.Modalities()))
	assert.Equal(t, "api-run", resp.Loop.RunID)
	assert.Equal(t, actuation.Connected, resp.Loop.Link.State)
	require.NotNil(t, resp.Hub)
	assert.Equal(t, "100ms", resp.TickInterval)
}

func TestLatestAfterTick(t *testing.T) {
	s, loop, _ := newTestServer(t, false)
	mux := s.ServeMux()

	rec := do(t, mux, http.MethodGet, "/api/control/latest", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	prime(t, loop)
	res, err := loop.Tick(context.Background())
	require.NoError(t, err)
	require.False(t, res.Skipped)

	rec = do(t, mux, http.MethodGet, "/api/control/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got controlloop.TickResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, res.Seq, got.Seq)
	assert.Equal(t, res.Applied, got.Applied)

	rec = do(t, mux, http.MethodGet, "/api/control/history?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var hist []controlloop.TickResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	assert.Len(t, hist, 1)

	rec = do(t, mux, http.MethodGet, "/api/control/history?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestSample(t *testing.T) {
	s, loop, _ := newTestServer(t, false)
	mux := s.ServeMux()

	tests := []struct {
		name   string
		target string
		body   string
		want   int
	}{
		{"path modality", "/api/sensors/foot_forces", `{"values":[1,2,3]}`, http.StatusAccepted},
		{"body modality", "/api/sensors", `{"modality":"object_forces","values":[0,0,1]}`, http.StatusAccepted},
		{"shape mismatch", "/api/sensors/foot_forces", `{"values":[1,2]}`, http.StatusUnprocessableEntity},
		{"unknown modality", "/api/sensors/tail_angles", `{"values":[1]}`, http.StatusBadRequest},
		{"bad json", "/api/sensors/foot_forces", `{"values":`, http.StatusBadRequest},
		{"unknown field", "/api/sensors/foot_forces", `{"vals":[1,2,3]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, mux, http.MethodPost, tt.target, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	st := loop.Stats()
	assert.Equal(t, uint64(1), st.Rejected["foot_forces"])
	for _, b := range st.Buffers {
		if b.Modality == "foot_forces" {
			assert.Equal(t, 1, b.Len)
		}
	}
}

func TestIngestRejectsGet(t *testing.T) {
	s, _, _ := newTestServer(t, false)
	rec := do(t, s.ServeMux(), http.MethodGet, "/api/sensors/foot_forces", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRunsWithoutRecording(t *testing.T) {
	s, _, _ := newTestServer(t, false)
	mux := s.ServeMux()
	assert.Equal(t, http.StatusNotFound, do(t, mux, http.MethodGet, "/api/runs", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, mux, http.MethodGet, "/api/runs/x/ticks", "").Code)
}

func TestRunsAndTicks(t *testing.T) {
	s, _, database := newTestServer(t, true)
	mux := s.ServeMux()

	run, err := database.StartRun(db.Run{PolicyMode: "pinn", Transport: "serial"})
	require.NoError(t, err)
	lossy := 0.25
	require.NoError(t, database.InsertTicks([]db.TickRecord{
		{RunID: run.RunID, Seq: 1, Time: epoch, Latency: 2 * time.Millisecond},
		{RunID: run.RunID, Seq: 2, Time: epoch.Add(100 * time.Millisecond), Fallback: true, StabilityLoss: &lossy, Error: "transport io"},
	}))

	rec := do(t, mux, http.MethodGet, "/api/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []db.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, run.RunID, runs[0].RunID)

	rec = do(t, mux, http.MethodGet, "/api/runs/"+run.RunID+"/ticks?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ticks []tickJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ticks))
	require.Len(t, ticks, 2)
	assert.Equal(t, uint64(1), ticks[0].Seq)
	assert.InDelta(t, 2.0, ticks[0].LatencyMS, 1e-9)
	assert.True(t, ticks[1].Fallback)
	require.NotNil(t, ticks[1].StabilityLoss)
	assert.Equal(t, 0.25, *ticks[1].StabilityLoss)
	assert.Len(t, ticks[1].Command, 60)
}

func TestControlChart(t *testing.T) {
	s, loop, _ := newTestServer(t, false)
	prime(t, loop)
	for i := 0; i < 3; i++ {
		_, err := loop.Tick(context.Background())
		require.NoError(t, err)
	}

	// Debug pages only answer loopback clients.
	srv := httptest.NewServer(s.ServeMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/control-chart?components=0,59")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Control vectors")
	assert.Contains(t, string(body), "u[59]")

	resp2, err := http.Get(srv.URL + "/debug/control-chart?components=60")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestParseComponents(t *testing.T) {
	got, err := parseComponents("1, 2,3")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)

	got, err = parseComponents("")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseComponents("-1")
	assert.Error(t, err)
}

func TestLoggingMiddlewarePassesStatus(t *testing.T) {
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := do(t, h, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Contains(t, statusCodeColor(http.StatusTeapot), "418")
}
