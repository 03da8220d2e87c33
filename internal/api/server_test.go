package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/camera-fusion/internal/calibration"
	"github.com/banshee-data/camera-fusion/internal/db"
	"github.com/banshee-data/camera-fusion/internal/fusion"
	"github.com/banshee-data/camera-fusion/internal/fusion/l4emit"
	"github.com/banshee-data/camera-fusion/internal/fusion/pipeline"
	"github.com/banshee-data/camera-fusion/internal/monitoring"
)

var identity = [16]float64{
	1, 0, 0, 0,
	0, 1, 0, 0,
	0, 0, 1, 0,
	0, 0, 0, 1,
}

type fakeState struct {
	latest *fusion.FusedFrame
	stats  pipeline.Stats
	table  *calibration.Table
}

func (f *fakeState) Latest() *fusion.FusedFrame     { return f.latest }
func (f *fakeState) Stats() pipeline.Stats          { return f.stats }
func (f *fakeState) Extrinsics() *calibration.Table { return f.table }

func newFakeState(t *testing.T) *fakeState {
	t.Helper()
	table, err := calibration.NewTable([]calibration.Extrinsics{
		{DeviceID: "cam-b", FriendlyID: 2, CameraToWorld: identity, RMSEMeters: 0.05},
		{DeviceID: "cam-a", FriendlyID: 1, CameraToWorld: identity, RMSEMeters: 0.01},
	})
	require.NoError(t, err)
	return &fakeState{table: table, stats: pipeline.Stats{BatchesAccepted: 7, FramesEmitted: 3}}
}

func sampleFrame(id string, ts int64) *fusion.FusedFrame {
	return &fusion.FusedFrame{
		ID:          id,
		TimestampMs: ts,
		Groups: [][]fusion.FusedDetection{
			{{Label: "person", WorldPosition: [3]float64{1, 2, 3}, CameraFriendlyID: 1, Confidence: 0.9}},
		},
	}
}

func newTestStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.NewDB(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestShowLatest(t *testing.T) {
	state := newFakeState(t)
	mux := NewServer(Config{State: state}).ServeMux()

	rec := get(t, mux, "/api/fusion/latest")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	state.latest = sampleFrame("f-1", 1000)
	rec = get(t, mux, "/api/fusion/latest")
	require.Equal(t, http.StatusOK, rec.Code)
	var got fusion.FusedFrame
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, *state.latest, got)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/fusion/latest", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestFramesWithoutStore(t *testing.T) {
	mux := NewServer(Config{State: newFakeState(t)}).ServeMux()
	for _, target := range []string{"/api/fusion/frames", "/api/fusion/frames/x", "/api/fusion/labels", "/api/fusion/stream"} {
		assert.Equal(t, http.StatusServiceUnavailable, get(t, mux, target).Code, target)
	}
	assert.Equal(t, http.StatusNotFound, get(t, mux, "/metrics").Code)
}

func TestListFrames(t *testing.T) {
	store := newTestStore(t)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.RecordFrame(sampleFrame(id, int64(1000+i))))
	}
	mux := NewServer(Config{State: newFakeState(t), Store: store}).ServeMux()

	rec := get(t, mux, "/api/fusion/frames?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var frames []db.FrameSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&frames))
	require.Len(t, frames, 2)
	assert.Equal(t, "c", frames[0].ID)
	assert.Equal(t, "b", frames[1].ID)

	assert.Equal(t, http.StatusBadRequest, get(t, mux, "/api/fusion/frames?limit=0").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, mux, "/api/fusion/frames?limit=x").Code)
}

func TestListFramesEmptyIsArray(t *testing.T) {
	mux := NewServer(Config{State: newFakeState(t), Store: newTestStore(t)}).ServeMux()
	rec := get(t, mux, "/api/fusion/frames")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestShowFrame(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.RecordFrame(sampleFrame("f-9", 9000)))
	mux := NewServer(Config{State: newFakeState(t), Store: store}).ServeMux()

	rec := get(t, mux, "/api/fusion/frames/f-9")
	require.Equal(t, http.StatusOK, rec.Code)
	var got fusion.FusedFrame
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, *sampleFrame("f-9", 9000), got)

	assert.Equal(t, http.StatusNotFound, get(t, mux, "/api/fusion/frames/nope").Code)
}

func TestShowLabelCounts(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.RecordFrame(sampleFrame("a", 1000)))
	require.NoError(t, store.RecordFrame(sampleFrame("b", 3000)))
	mux := NewServer(Config{State: newFakeState(t), Store: store}).ServeMux()

	rec := get(t, mux, "/api/fusion/labels?since_ms=2000")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"label":"person","count":1}]`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, get(t, mux, "/api/fusion/labels?until_ms=-1").Code)
}

func TestListDevices(t *testing.T) {
	mux := NewServer(Config{State: newFakeState(t)}).ServeMux()
	rec := get(t, mux, "/api/devices")
	require.Equal(t, http.StatusOK, rec.Code)

	var devices []DeviceInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&devices))
	require.Len(t, devices, 2)
	assert.Equal(t, "cam-a", devices[0].DeviceID)
	assert.Equal(t, calibration.PoseQualityExcellent, devices[0].Quality)
	assert.Equal(t, "cam-b", devices[1].DeviceID)
	assert.Equal(t, calibration.PoseQualityGood, devices[1].Quality)
	assert.Equal(t, identity, devices[1].CameraToWorld)
}

func TestShowStats(t *testing.T) {
	s := NewServer(Config{State: newFakeState(t)})
	s.AddStatsSource("router", func() any { return map[string]int{"dispatched": 5} })

	rec := get(t, s.ServeMux(), "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Pipeline pipeline.Stats `json:"pipeline"`
		Router   map[string]int `json:"router"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, uint64(7), got.Pipeline.BatchesAccepted)
	assert.Equal(t, uint64(3), got.Pipeline.FramesEmitted)
	assert.Equal(t, 5, got.Router["dispatched"])
}

func TestShowVersion(t *testing.T) {
	rec := get(t, NewServer(Config{State: newFakeState(t)}).ServeMux(), "/api/version")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":"dev"`)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := monitoring.NewFusionMetrics(reg)
	require.NoError(t, err)
	metrics.AddDropped(monitoring.DropSensorGhost, 2)

	rec := get(t, NewServer(Config{State: newFakeState(t), Gatherer: reg}).ServeMux(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sensor_ghost")
}

func TestStreamFrames(t *testing.T) {
	pub := l4emit.NewPublisher()
	srv := httptest.NewServer(NewServer(Config{State: newFakeState(t), Frames: pub}).ServeMux())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/fusion/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", line)

	require.Eventually(t, func() bool { return pub.Stats().Subscribers == 1 }, time.Second, 5*time.Millisecond)
	pub.Publish(sampleFrame("s-1", 4242))

	var data string
	for data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	var got fusion.FusedFrame
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, "s-1", got.ID)
	assert.Equal(t, int64(4242), got.TimestampMs)
}
