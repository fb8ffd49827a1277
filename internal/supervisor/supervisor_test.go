package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"metereye/internal/config"
	"metereye/internal/export"
	"metereye/internal/metrics"
	"metereye/internal/model"
	"metereye/internal/registry"
)

var (
	testMetrics = metrics.NewMetrics()
	testHealth  = metrics.NewHealthStatus()
)

func testCamera(id, url string) config.CameraConfig {
	return config.CameraConfig{
		ID:      id,
		Name:    id,
		URL:     url,
		Enabled: true,
		// Unreachable port: workers connect-fail fast and sit in backoff,
		// which is all these tests need.
		ProcessingInterval: 0.1,
	}
}

func newSupervisor(t *testing.T, cfg *config.Config, path string) (*Supervisor, *registry.Registry) {
	t.Helper()
	reg := registry.New(cfg)
	d := export.NewDispatcher(nil, testMetrics)
	s := New(reg, d, testMetrics, testHealth, path)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		s.Shutdown()
		cancel()
	})
	s.Start(ctx)
	return s, reg
}

const deadURL = "rtsp://127.0.0.1:1/stream"

func TestReconcileSpawnsAndStops(t *testing.T) {
	cfg := &config.Config{Cameras: []config.CameraConfig{
		testCamera("cam-01", deadURL),
		testCamera("cam-02", deadURL),
	}}
	s, reg := newSupervisor(t, cfg, "")

	for _, id := range []string{"cam-01", "cam-02"} {
		if _, err := reg.Worker(id); err != nil {
			t.Fatalf("worker %s not registered: %v", id, err)
		}
	}

	s.Apply(&config.Config{Cameras: []config.CameraConfig{testCamera("cam-01", deadURL)}})

	if _, err := reg.Worker("cam-01"); err != nil {
		t.Errorf("cam-01 should still be running: %v", err)
	}
	if _, err := reg.Worker("cam-02"); err == nil {
		t.Error("cam-02 should have been stopped and deregistered")
	}
}

func TestReconcileLeavesUnchangedAlone(t *testing.T) {
	cfg := &config.Config{Cameras: []config.CameraConfig{testCamera("cam-01", deadURL)}}
	s, reg := newSupervisor(t, cfg, "")

	before, err := reg.Worker("cam-01")
	if err != nil {
		t.Fatal(err)
	}

	s.Apply(&config.Config{Cameras: []config.CameraConfig{testCamera("cam-01", deadURL)}})

	after, err := reg.Worker("cam-01")
	if err != nil {
		t.Fatal(err)
	}
	if before != after {
		t.Error("identical definition should not restart the worker")
	}
}

func TestReconcileReplacesChangedDefinition(t *testing.T) {
	cfg := &config.Config{Cameras: []config.CameraConfig{testCamera("cam-01", deadURL)}}
	s, reg := newSupervisor(t, cfg, "")

	before, _ := reg.Worker("cam-01")

	changed := testCamera("cam-01", "rtsp://127.0.0.1:1/other")
	s.Apply(&config.Config{Cameras: []config.CameraConfig{changed}})

	after, err := reg.Worker("cam-01")
	if err != nil {
		t.Fatalf("replacement worker missing: %v", err)
	}
	if before == after {
		t.Error("changed definition should spawn a fresh worker")
	}
}

func TestReconcileStopsDisabledCamera(t *testing.T) {
	cfg := &config.Config{Cameras: []config.CameraConfig{testCamera("cam-01", deadURL)}}
	s, reg := newSupervisor(t, cfg, "")

	disabled := testCamera("cam-01", deadURL)
	disabled.Enabled = false
	s.Apply(&config.Config{Cameras: []config.CameraConfig{disabled}})

	if _, err := reg.Worker("cam-01"); err == nil {
		t.Error("disabled camera should have no worker")
	}
}

func TestFailedReloadKeepsRunningSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	valid := `cameras:
  - id: cam-01
    name: boiler
    url: rtsp://127.0.0.1:1/stream
    enabled: true
`
	if err := os.WriteFile(path, []byte(valid), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("fixture config invalid: %v", err)
	}

	s, reg := newSupervisor(t, cfg, path)

	if err := os.WriteFile(path, []byte("cameras: [{id: ''}]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err == nil {
		t.Fatal("reload of invalid config should fail")
	}

	if got := reg.Config(); got != cfg {
		t.Error("failed reload must leave the running snapshot untouched")
	}
	if _, err := reg.Worker("cam-01"); err != nil {
		t.Errorf("failed reload must leave workers untouched: %v", err)
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	cfg := &config.Config{Cameras: []config.CameraConfig{
		testCamera("cam-01", deadURL),
		testCamera("cam-02", deadURL),
	}}
	reg := registry.New(cfg)
	d := export.NewDispatcher(nil, testMetrics)
	s := New(reg, d, testMetrics, testHealth, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	done := make(chan struct{})
	go func() {
		s.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete in time")
	}

	if sts := reg.Statuses(); len(sts) != 0 {
		t.Errorf("workers still registered after shutdown: %v", statusIDs(sts))
	}
}

func statusIDs(sts []model.CameraStatus) []string {
	ids := make([]string, len(sts))
	for i, st := range sts {
		ids[i] = st.CameraID
	}
	return ids
}
