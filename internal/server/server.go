// Package server is the REST and streaming surface: status, camera
// snapshots and MJPEG, latest and historical readings, preview, config
// CRUD with hot reload, and a websocket live feed. It only reads registry
// and export state; the pipeline never depends on it.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"metereye/internal/config"
	"metereye/internal/export"
	"metereye/internal/metrics"
	"metereye/internal/model"
	"metereye/internal/preview"
	"metereye/internal/registry"
)

// Control is what the server needs from the supervisor: apply an already
// validated snapshot, or reload from disk.
type Control interface {
	Apply(cfg *config.Config)
	Reload() error
}

// Server serves the REST API on one listener.
type Server struct {
	cfg        config.ServerConfig
	reg        *registry.Registry
	ctl        Control
	db         *export.DatabaseSink // nil when the database sink is disabled
	dispatcher *export.Dispatcher
	health     *metrics.HealthStatus
	configPath string

	hub   *Hub
	start time.Time
	srv   *http.Server
}

// New builds the server. db may be nil; history endpoints then return 503.
func New(cfg config.ServerConfig, reg *registry.Registry, ctl Control, db *export.DatabaseSink, d *export.Dispatcher, health *metrics.HealthStatus, configPath string) *Server {
	s := &Server{
		cfg:        cfg,
		reg:        reg,
		ctl:        ctl,
		db:         db,
		dispatcher: d,
		health:     health,
		configPath: configPath,
		hub:        NewHub(reg),
		start:      time.Now(),
	}
	s.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: s.Routes(),
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[server] listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

// Routes builds the mux. Exposed for tests.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.withCORS(s.handleStatus))
	mux.HandleFunc("/api/cameras", s.withCORS(s.handleCameras))
	mux.HandleFunc("/api/cameras/", s.withCORS(s.handleCamera))
	mux.HandleFunc("/api/readings/latest", s.withCORS(s.handleLatest))
	mux.HandleFunc("/api/readings/history", s.withCORS(s.handleHistory))
	mux.HandleFunc("/api/preview/meter", s.withCORS(s.handlePreviewMeter))
	mux.HandleFunc("/api/preview/indicator", s.withCORS(s.handlePreviewIndicator))
	mux.HandleFunc("/api/config", s.withCORS(s.handleConfig))
	mux.HandleFunc("/api/config/reload", s.withCORS(s.handleReload))
	mux.HandleFunc("/ws", s.hub.HandleWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", s.health)

	return mux
}

func (s *Server) withCORS(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ── Status & cameras ──

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":        "metereye",
		"uptime_seconds": int64(time.Since(s.start).Seconds()),
		"cameras":        s.reg.Statuses(),
		"dispatcher":     s.dispatcher.Stats(),
	})
}

func (s *Server) handleCameras(w http.ResponseWriter, r *http.Request) {
	cfg := s.reg.Config()
	out := make([]cameraDTO, 0, len(cfg.Cameras))
	for _, cam := range cfg.Cameras {
		out = append(out, toCameraDTO(cam, s.cameraStatus(cam.ID)))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) cameraStatus(id string) *model.CameraStatus {
	h, err := s.reg.Worker(id)
	if err != nil {
		return nil
	}
	st := h.Status()
	return &st
}

// handleCamera routes /api/cameras/{id}, /api/cameras/{id}/snapshot and
// /api/cameras/{id}/stream.
func (s *Server) handleCamera(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/cameras/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeJSONError(w, http.StatusNotFound, "missing camera id")
		return
	}

	switch sub {
	case "":
		cam := s.reg.Config().Camera(id)
		if cam == nil {
			writeJSONError(w, http.StatusNotFound, "unknown camera "+id)
			return
		}
		writeJSON(w, http.StatusOK, toCameraDTO(*cam, s.cameraStatus(id)))

	case "snapshot":
		rec, err := s.reg.LatestFrame(id)
		if err != nil {
			writeFrameError(w, err)
			return
		}
		data := rec.Raw
		if r.URL.Query().Get("annotated") == "true" || r.URL.Query().Get("annotated") == "1" {
			data = rec.Annotated
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)

	case "stream":
		annotated := r.URL.Query().Get("annotated") == "true" || r.URL.Query().Get("annotated") == "1"
		s.handleStream(w, r, id, annotated)

	default:
		writeJSONError(w, http.StatusNotFound, "unknown path")
	}
}

// ── Readings ──

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.LatestReadings())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "database sink disabled")
		return
	}

	q := r.URL.Query()
	f := export.HistoryFilter{
		CameraID: q.Get("camera_id"),
		MeterID:  q.Get("meter_id"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "since: "+err.Error())
			return
		}
		f.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "until: "+err.Error())
			return
		}
		f.Until = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "limit: "+err.Error())
			return
		}
		f.Limit = n
	}

	rows, err := s.db.QueryHistory(r.Context(), f)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []model.Reading{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// ── Preview ──

type previewMeterRequest struct {
	CameraID string   `json:"camera_id"`
	Meter    meterDTO `json:"meter"`
}

type previewIndicatorRequest struct {
	CameraID  string       `json:"camera_id"`
	Indicator indicatorDTO `json:"indicator"`
}

func (s *Server) handlePreviewMeter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req previewMeterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	p, err := preview.Meter(s.reg, req.CameraID, req.Meter.toConfig())
	if err != nil {
		writeFrameError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result": p.Result,
		"debug": map[string]any{
			"threshold":       p.Debug.Threshold,
			"warped_png":      base64.StdEncoding.EncodeToString(p.Debug.WarpedPNG),
			"thresholded_png": base64.StdEncoding.EncodeToString(p.Debug.ThresholdedPNG),
		},
	})
}

func (s *Server) handlePreviewIndicator(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req previewIndicatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	p, err := preview.Indicator(s.reg, req.CameraID, req.Indicator.toConfig())
	if err != nil {
		writeFrameError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result": p.Result,
		"debug": map[string]any{
			"warped_png":      base64.StdEncoding.EncodeToString(p.Debug.WarpedPNG),
			"thresholded_png": base64.StdEncoding.EncodeToString(p.Debug.ThresholdedPNG),
		},
	})
}

// ── Config ──

// handleConfig serves the canonical YAML on GET and accepts a full
// replacement on PUT: validate, save to disk, then apply to the running
// service. A document that fails validation changes nothing.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := config.Encode(s.reg.Config())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/x-yaml")
		w.Write(data)

	case http.MethodPut:
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		cfg, err := config.Parse(body)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if s.configPath != "" {
			if err := config.Save(cfg, s.configPath); err != nil {
				writeJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		s.ctl.Apply(cfg)
		writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})

	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "GET or PUT")
	}
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	if err := s.ctl.Reload(); err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}
