package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
)

func TestHealthzStatus(t *testing.T) {
	cases := []struct {
		name       string
		setup      func(h *HealthStatus)
		wantCode   int
		wantStatus string
	}{
		{
			name: "all healthy",
			setup: func(h *HealthStatus) {
				h.SetCameras(2, 2)
			},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name: "one camera down",
			setup: func(h *HealthStatus) {
				h.SetCameras(1, 2)
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
		},
		{
			name: "all cameras down",
			setup: func(h *HealthStatus) {
				h.SetCameras(0, 2)
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
		},
		{
			name: "enabled db down",
			setup: func(h *HealthStatus) {
				h.SetCameras(2, 2)
				h.SetEnabledSinks(true, false)
				h.SetDBOK(false)
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
		},
		{
			name: "enabled db ok",
			setup: func(h *HealthStatus) {
				h.SetCameras(2, 2)
				h.SetEnabledSinks(true, false)
				h.SetDBOK(true)
			},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name: "enabled mqtt disconnected",
			setup: func(h *HealthStatus) {
				h.SetCameras(2, 2)
				h.SetEnabledSinks(false, true)
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
		},
		{
			name: "disabled sinks ignored",
			setup: func(h *HealthStatus) {
				h.SetCameras(1, 1)
				h.SetEnabledSinks(false, false)
				h.SetDBOK(false)
			},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHealthStatus()
			tc.setup(h)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if rec.Code != tc.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tc.wantCode)
			}
			var body struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Status != tc.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tc.wantStatus)
			}
		})
	}
}

func TestCheckDB(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	h := NewHealthStatus()
	h.CheckDB(context.Background(), db)

	h.mu.RLock()
	ok, checkedAt := h.DBOK, h.LastCheckAt
	h.mu.RUnlock()
	if !ok {
		t.Error("DBOK = false after successful ping")
	}
	if checkedAt.IsZero() {
		t.Error("LastCheckAt not recorded")
	}

	db.Close()
	h.CheckDB(context.Background(), db)
	h.mu.RLock()
	ok = h.DBOK
	h.mu.RUnlock()
	if ok {
		t.Error("DBOK = true after pinging a closed database")
	}
}

// NewMetrics registers on the default registry, so this runs once for the
// whole test binary.
func TestNewMetricsRegisters(t *testing.T) {
	m := NewMetrics()
	m.FramesTotal.WithLabelValues("cam-01").Inc()
	m.SinkSubmitted.WithLabelValues("http").Add(3)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{
		"metereye_frames_total",
		"metereye_readings_total",
		"metereye_dispatch_drops_total",
		"metereye_sink_submitted_total",
		"metereye_db_commit_duration_seconds",
	} {
		if !found[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}
