package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// legacyConfig is the pre-YAML single-camera JSON layout.
type legacyConfig struct {
	Meters []legacyMeter `json:"meters"`
}

type legacyMeter struct {
	Name         string            `json:"name"`
	Perspective  legacyPerspective `json:"perspective"`
	DisplayMode  string            `json:"display_mode"`
	ColorChannel string            `json:"color_channel"`
	Threshold    int               `json:"threshold"`
}

type legacyPerspective struct {
	Points       [][]int `json:"points"`
	OutputWidth  int     `json:"output_width"`
	OutputHeight int     `json:"output_height"`
}

// MigrateJSON converts a legacy JSON config into a YAML snapshot, writes it
// to yamlPath and renames the JSON file to <name>.json.bak. Meters receive
// ids meter-01, meter-02, ... on a single camera cam-01 whose URL is the
// ${RTSP_URL} placeholder, resolved from the environment at load time.
func MigrateJSON(jsonPath, yamlPath string) (*Config, error) {
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, fmt.Errorf("config: read legacy %s: %w", jsonPath, err)
	}

	var legacy legacyConfig
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("invalid legacy JSON: %v", err)}
	}

	cam := CameraConfig{
		ID:                 "cam-01",
		Name:               "Default Camera",
		URL:                "${RTSP_URL}",
		Enabled:            true,
		ProcessingInterval: DefaultProcessingInterval,
	}
	for i, m := range legacy.Meters {
		if len(m.Perspective.Points) != 4 {
			continue // skip meters the legacy tool left half-configured
		}
		var pts [4]Point
		for j, p := range m.Perspective.Points {
			if len(p) == 2 {
				pts[j] = Point{X: p[0], Y: p[1]}
			}
		}
		meter := MeterConfig{
			ID:   fmt.Sprintf("meter-%02d", i+1),
			Name: m.Name,
			Perspective: Perspective{
				Points:       NormalizePoints(pts),
				OutputWidth:  m.Perspective.OutputWidth,
				OutputHeight: m.Perspective.OutputHeight,
			},
			DisplayMode:     strOr(m.DisplayMode, DisplayLightOnDark),
			ColorChannel:    strOr(m.ColorChannel, ChannelRed),
			Threshold:       m.Threshold,
			ShowOnDashboard: true,
		}
		if meter.Name == "" {
			meter.Name = fmt.Sprintf("Meter %d", i+1)
		}
		if meter.Perspective.OutputWidth == 0 {
			meter.Perspective.OutputWidth = DefaultOutputWidth
		}
		if meter.Perspective.OutputHeight == 0 {
			meter.Perspective.OutputHeight = DefaultOutputHeight
		}
		cam.Meters = append(cam.Meters, meter)
	}

	cfg := defaultConfig()
	if len(cam.Meters) > 0 {
		cfg.Cameras = []CameraConfig{cam}
	}

	if err := Save(cfg, yamlPath); err != nil {
		return nil, err
	}

	backup := jsonPath + ".bak"
	if _, err := os.Stat(backup); os.IsNotExist(err) {
		if err := os.Rename(jsonPath, backup); err != nil {
			return nil, fmt.Errorf("config: backup legacy file: %w", err)
		}
	}
	return cfg, nil
}

// defaultConfig is the snapshot an empty file loads to: no cameras, all
// sinks disabled, server on 0.0.0.0:8000.
func defaultConfig() *Config {
	f := fileConfig{}
	return f.toConfig()
}
