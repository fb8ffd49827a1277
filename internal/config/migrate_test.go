package config

import (
	"os"
	"path/filepath"
	"testing"
)

const legacyJSON = `{
  "meters": [
    {
      "name": "Boiler Pressure",
      "perspective": {
        "points": [[98, 118], [300, 52], [100, 50], [302, 120]],
        "output_width": 320,
        "output_height": 80
      },
      "display_mode": "dark_on_light",
      "threshold": 90
    },
    {
      "name": "Half Configured",
      "perspective": {"points": [[0, 0], [10, 0]]}
    },
    {
      "perspective": {
        "points": [[0, 0], [50, 0], [50, 30], [0, 30]]
      }
    }
  ]
}`

func TestMigrateJSON(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "config.json")
	yamlPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(jsonPath, []byte(legacyJSON), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := MigrateJSON(jsonPath, yamlPath)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if len(cfg.Cameras) != 1 {
		t.Fatalf("cameras = %d, want 1", len(cfg.Cameras))
	}
	cam := cfg.Cameras[0]
	if cam.ID != "cam-01" || cam.Name != "Default Camera" || cam.URL != "${RTSP_URL}" {
		t.Errorf("camera = %+v", cam)
	}

	// Second meter has only two points and must be skipped; ids still follow
	// the legacy ordering.
	if len(cam.Meters) != 2 {
		t.Fatalf("meters = %d, want 2", len(cam.Meters))
	}
	m := cam.Meters[0]
	if m.ID != "meter-01" || m.Name != "Boiler Pressure" {
		t.Errorf("meter[0] = %+v", m)
	}
	if m.DisplayMode != DisplayDarkOnLight || m.Threshold != 90 {
		t.Errorf("meter[0] recognition = %+v", m)
	}
	if m.Perspective.OutputWidth != 320 || m.Perspective.OutputHeight != 80 {
		t.Errorf("meter[0] output = %dx%d", m.Perspective.OutputWidth, m.Perspective.OutputHeight)
	}
	wantPts := [4]Point{{100, 50}, {300, 52}, {302, 120}, {98, 118}}
	if m.Perspective.Points != wantPts {
		t.Errorf("meter[0] points = %v, want %v", m.Perspective.Points, wantPts)
	}
	m2 := cam.Meters[1]
	if m2.ID != "meter-03" || m2.Name != "Meter 3" {
		t.Errorf("meter[1] = %+v", m2)
	}
	if m2.Perspective.OutputWidth != DefaultOutputWidth {
		t.Errorf("meter[1] output width = %d, want default", m2.Perspective.OutputWidth)
	}

	// Legacy file becomes a .bak; the YAML loads once RTSP_URL resolves.
	if _, err := os.Stat(jsonPath + ".bak"); err != nil {
		t.Errorf("expected %s.bak: %v", jsonPath, err)
	}
	if _, err := os.Stat(jsonPath); !os.IsNotExist(err) {
		t.Errorf("legacy file should have been renamed away")
	}

	t.Setenv("RTSP_URL", "rtsp://10.0.0.5/stream1")
	loaded, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("load migrated yaml: %v", err)
	}
	if loaded.Cameras[0].URL != "rtsp://10.0.0.5/stream1" {
		t.Errorf("url = %q, want expanded RTSP_URL", loaded.Cameras[0].URL)
	}
}

func TestMigrateJSONKeepsExistingBackup(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(jsonPath, []byte(legacyJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(jsonPath+".bak", []byte("previous"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := MigrateJSON(jsonPath, filepath.Join(dir, "config.yaml")); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	data, err := os.ReadFile(jsonPath + ".bak")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "previous" {
		t.Errorf("existing backup must not be overwritten, got %q", data)
	}
}
