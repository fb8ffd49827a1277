package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the capture pipeline.
type Metrics struct {
	// Camera capture metrics
	FramesTotal   *prometheus.CounterVec // labels: camera
	FrameFailures *prometheus.CounterVec // labels: camera
	FramesDropped *prometheus.CounterVec // labels: camera
	CameraUp      *prometheus.GaugeVec   // labels: camera
	Reconnects    *prometheus.CounterVec // labels: camera
	ProcessDur    prometheus.Histogram

	// Recognition metrics
	ReadingsTotal   prometheus.Counter
	ReadFailures    prometheus.Counter
	IndicatorsTotal prometheus.Counter

	// Dispatcher backpressure
	DispatchDrops      prometheus.Counter
	QueueSaturationPct *prometheus.GaugeVec // labels: queue

	// Export sink metrics
	SinkSubmitted  *prometheus.CounterVec // labels: sink
	SinkFailures   *prometheus.CounterVec // labels: sink
	SinkQueueDrops *prometheus.CounterVec // labels: sink
	HTTPFlushDur   prometheus.Histogram
	MQTTPublishDur prometheus.Histogram
	DBCommitDur    prometheus.Histogram
	RowsPurged     prometheus.Counter
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metereye_frames_total",
			Help: "Frames decoded and processed (by camera)",
		}, []string{"camera"}),
		FrameFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metereye_frame_failures_total",
			Help: "Frame reads that failed or timed out (by camera)",
		}, []string{"camera"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metereye_frames_dropped_total",
			Help: "Stale frames skipped while draining to the newest (by camera)",
		}, []string{"camera"}),
		CameraUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "metereye_camera_up",
			Help: "Camera capture state (0=down, 1=running)",
		}, []string{"camera"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metereye_camera_reconnects_total",
			Help: "Stream reconnection attempts (by camera)",
		}, []string{"camera"}),
		ProcessDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "metereye_frame_process_duration_seconds",
			Help:    "Per-frame warp + recognition latency across all regions",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),

		// Recognition
		ReadingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metereye_readings_total",
			Help: "Total meter readings emitted",
		}),
		ReadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metereye_read_failures_total",
			Help: "Meter readings that failed recognition (null value)",
		}),
		IndicatorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metereye_indicator_readings_total",
			Help: "Total indicator readings emitted",
		}),

		// Dispatcher
		DispatchDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metereye_dispatch_drops_total",
			Help: "Readings dropped by the dispatcher queue (oldest-first)",
		}),
		QueueSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "metereye_queue_saturation_pct",
			Help: "Queue fill percentage (len/cap * 100)",
		}, []string{"queue"}),

		// Sinks
		SinkSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metereye_sink_submitted_total",
			Help: "Readings handed to each export sink",
		}, []string{"sink"}),
		SinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metereye_sink_failures_total",
			Help: "Export attempts that failed (by sink)",
		}, []string{"sink"}),
		SinkQueueDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metereye_sink_queue_drops_total",
			Help: "Readings dropped from a full sink queue (by sink)",
		}, []string{"sink"}),
		HTTPFlushDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "metereye_http_flush_duration_seconds",
			Help:    "HTTP sink batch POST latency",
			Buckets: prometheus.DefBuckets,
		}),
		MQTTPublishDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "metereye_mqtt_publish_duration_seconds",
			Help:    "MQTT publish-to-ack latency",
			Buckets: prometheus.DefBuckets,
		}),
		DBCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "metereye_db_commit_duration_seconds",
			Help:    "Database batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		RowsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metereye_db_rows_purged_total",
			Help: "Rows removed by retention cleanup",
		}),
	}

	prometheus.MustRegister(
		m.FramesTotal,
		m.FrameFailures,
		m.FramesDropped,
		m.CameraUp,
		m.Reconnects,
		m.ProcessDur,
		m.ReadingsTotal,
		m.ReadFailures,
		m.IndicatorsTotal,
		m.DispatchDrops,
		m.QueueSaturationPct,
		m.SinkSubmitted,
		m.SinkFailures,
		m.SinkQueueDrops,
		m.HTTPFlushDur,
		m.MQTTPublishDur,
		m.DBCommitDur,
		m.RowsPurged,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	CamerasRunning int       `json:"cameras_running"`
	CamerasTotal   int       `json:"cameras_total"`
	LastFrameTime  time.Time `json:"last_frame_time"`
	DBEnabled      bool      `json:"db_enabled"`
	DBOK           bool      `json:"db_ok"`
	MQTTEnabled    bool      `json:"mqtt_enabled"`
	MQTTConnected  bool      `json:"mqtt_connected"`

	// Liveness probe results
	DBLatencyMs float64   `json:"db_latency_ms"`
	LastCheckAt time.Time `json:"last_check_at"`
	StartedAt   time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetCameras(running, total int) {
	h.mu.Lock()
	h.CamerasRunning = running
	h.CamerasTotal = total
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastFrameTime(t time.Time) {
	h.mu.Lock()
	h.LastFrameTime = t
	h.mu.Unlock()
}

// SetEnabledSinks records which stateful sinks take part in health checks.
func (h *HealthStatus) SetEnabledSinks(db, mqtt bool) {
	h.mu.Lock()
	h.DBEnabled = db
	h.MQTTEnabled = mqtt
	h.mu.Unlock()
}

func (h *HealthStatus) SetDBOK(v bool) {
	h.mu.Lock()
	h.DBOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetMQTTConnected(v bool) {
	h.mu.Lock()
	h.MQTTConnected = v
	h.mu.Unlock()
}

// CheckDB pings the readings database and records latency + health.
func (h *HealthStatus) CheckDB(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.DBOK = err == nil
	h.DBLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. MQTT connectivity
// is event-driven (set by the sink's connection callbacks), so only the
// database is probed here.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if db != nil {
					probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
					h.CheckDB(probeCtx, db)
					cancel()
				}
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// Disabled sinks never count against health.
	dbOK := !h.DBEnabled || h.DBOK
	mqttOK := !h.MQTTEnabled || h.MQTTConnected

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if h.CamerasRunning < h.CamerasTotal || !dbOK || !mqttOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if h.CamerasTotal > 0 && h.CamerasRunning == 0 {
		overallStatus = "unhealthy"
	}

	// Frame age
	frameAge := ""
	if !h.LastFrameTime.IsZero() {
		frameAge = time.Since(h.LastFrameTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status         string  `json:"status"`
		Uptime         string  `json:"uptime"`
		CamerasRunning int     `json:"cameras_running"`
		CamerasTotal   int     `json:"cameras_total"`
		LastFrameTime  string  `json:"last_frame_time"`
		FrameAge       string  `json:"frame_age"`
		DBEnabled      bool    `json:"db_enabled"`
		DBOK           bool    `json:"db_ok"`
		DBLatencyMs    float64 `json:"db_latency_ms"`
		MQTTEnabled    bool    `json:"mqtt_enabled"`
		MQTTConnected  bool    `json:"mqtt_connected"`
		LastCheckAt    string  `json:"last_check_at"`
	}{
		Status:         overallStatus,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		CamerasRunning: h.CamerasRunning,
		CamerasTotal:   h.CamerasTotal,
		LastFrameTime:  h.LastFrameTime.Format(time.RFC3339),
		FrameAge:       frameAge,
		DBEnabled:      h.DBEnabled,
		DBOK:           h.DBOK,
		DBLatencyMs:    h.DBLatencyMs,
		MQTTEnabled:    h.MQTTEnabled,
		MQTTConnected:  h.MQTTConnected,
		LastCheckAt:    h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}
