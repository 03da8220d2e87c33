// Package api serves the fusion HTTP API: the latest fused frame, the
// recorded frame history, calibrated devices, runtime statistics, a live
// SSE frame stream and Prometheus metrics.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/camera-fusion/internal/calibration"
	"github.com/banshee-data/camera-fusion/internal/db"
	"github.com/banshee-data/camera-fusion/internal/fusion"
	"github.com/banshee-data/camera-fusion/internal/fusion/pipeline"
	"github.com/banshee-data/camera-fusion/internal/httputil"
	"github.com/banshee-data/camera-fusion/internal/version"
)

// FusionState is the read side of the fusion pipeline.
type FusionState interface {
	Latest() *fusion.FusedFrame
	Stats() pipeline.Stats
	Extrinsics() *calibration.Table
}

// FrameStore is the read side of the frame database.
type FrameStore interface {
	RecentFrames(limit int) ([]db.FrameSummary, error)
	FrameByID(id string) (*fusion.FusedFrame, error)
	LabelCounts(sinceMs, untilMs int64) ([]db.LabelCount, error)
}

// FrameSource is the subscription side of the frame publisher.
type FrameSource interface {
	Subscribe(buffer int) (string, <-chan *fusion.FusedFrame)
	Unsubscribe(id string)
}

// Config wires the server to its data sources. Only State is required.
type Config struct {
	State    FusionState
	Store    FrameStore
	Frames   FrameSource
	Gatherer prometheus.Gatherer
}

// Server handles the HTTP API.
type Server struct {
	state    FusionState
	store    FrameStore
	frames   FrameSource
	gatherer prometheus.Gatherer

	statsMu      sync.RWMutex
	statsSources map[string]func() any
}

// NewServer creates an API server.
func NewServer(cfg Config) *Server {
	return &Server{
		state:        cfg.State,
		store:        cfg.Store,
		frames:       cfg.Frames,
		gatherer:     cfg.Gatherer,
		statsSources: make(map[string]func() any),
	}
}

// AddStatsSource includes fn's result under name in /api/stats.
func (s *Server) AddStatsSource(name string, fn func() any) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.statsSources[name] = fn
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/fusion/latest", s.showLatest)
	mux.HandleFunc("/api/fusion/frames", s.listFrames)
	mux.HandleFunc("/api/fusion/frames/{id}", s.showFrame)
	mux.HandleFunc("/api/fusion/labels", s.showLabelCounts)
	mux.HandleFunc("/api/fusion/stream", s.streamFrames)
	mux.HandleFunc("/api/devices", s.listDevices)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/version", s.showVersion)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
			ErrorHandling: promhttp.HTTPErrorOnError,
		}))
	}
	return mux
}

func (s *Server) showLatest(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	frame := s.state.Latest()
	if frame == nil {
		httputil.NotFound(w, "no frame emitted yet")
		return
	}
	httputil.WriteJSONOK(w, frame)
}

func (s *Server) listFrames(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	if s.store == nil {
		httputil.ServiceUnavailable(w, "frame recording is disabled")
		return
	}
	limit, err := httputil.QueryInt(r, "limit", 50, 1, 1000)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	frames, err := s.store.RecentFrames(int(limit))
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list frames: %v", err))
		return
	}
	if frames == nil {
		frames = []db.FrameSummary{}
	}
	httputil.WriteJSONOK(w, frames)
}

func (s *Server) showFrame(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	if s.store == nil {
		httputil.ServiceUnavailable(w, "frame recording is disabled")
		return
	}
	frame, err := s.store.FrameByID(r.PathValue("id"))
	if errors.Is(err, db.ErrFrameNotFound) {
		httputil.NotFound(w, "frame not found")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load frame: %v", err))
		return
	}
	httputil.WriteJSONOK(w, frame)
}

func (s *Server) showLabelCounts(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	if s.store == nil {
		httputil.ServiceUnavailable(w, "frame recording is disabled")
		return
	}
	since, err := httputil.QueryInt(r, "since_ms", 0, 0, 1<<62)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	until, err := httputil.QueryInt(r, "until_ms", 0, 0, 1<<62)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	counts, err := s.store.LabelCounts(since, until)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to count labels: %v", err))
		return
	}
	if counts == nil {
		counts = []db.LabelCount{}
	}
	httputil.WriteJSONOK(w, counts)
}

// DeviceInfo is the JSON form of one calibrated camera.
type DeviceInfo struct {
	DeviceID      string                  `json:"device_id"`
	FriendlyID    int                     `json:"friendly_id"`
	RMSEMeters    float64                 `json:"rmse_m"`
	Quality       calibration.PoseQuality `json:"quality"`
	CameraToWorld [16]float64             `json:"camera_to_world"`
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	devices := s.state.Extrinsics().Devices()
	out := make([]DeviceInfo, 0, len(devices))
	for _, e := range devices {
		out = append(out, DeviceInfo{
			DeviceID:      e.DeviceID,
			FriendlyID:    e.FriendlyID,
			RMSEMeters:    e.RMSEMeters,
			Quality:       e.Quality,
			CameraToWorld: e.CameraToWorld,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FriendlyID < out[j].FriendlyID })
	httputil.WriteJSONOK(w, out)
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	out := map[string]any{"pipeline": s.state.Stats()}
	s.statsMu.RLock()
	for name, fn := range s.statsSources {
		out[name] = fn()
	}
	s.statsMu.RUnlock()
	httputil.WriteJSONOK(w, out)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSONOK(w, version.Get())
}

// streamFrames relays published frames as server-sent events.
func (s *Server) streamFrames(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	if s.frames == nil {
		httputil.ServiceUnavailable(w, "frame stream is not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, frames := s.frames.Subscribe(16)
	defer s.frames.Unsubscribe(id)

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			payload, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\ndata: %s\n\n", frame.ID, payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
