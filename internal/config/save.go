package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Encode renders the snapshot as canonical YAML: fixed key order (the file
// schema's declaration order), 2-space indent, every key present, no
// aliases. Encoding the same snapshot always yields the same bytes.
func Encode(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(toFileConfig(cfg)); err != nil {
		return nil, fmt.Errorf("config: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("config: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Save writes the snapshot to path as canonical YAML. The write is atomic:
// a temp file in the same directory is renamed over the target.
func Save(cfg *Config, path string) error {
	data, err := Encode(cfg)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("config: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("config: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("config: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}

func toFileConfig(c *Config) *fileConfig {
	f := &fileConfig{
		Cameras: []fileCamera{},
		Export: fileExport{
			HTTP: fileHTTP{
				Enabled:         c.Export.HTTP.Enabled,
				URL:             c.Export.HTTP.URL,
				IntervalSeconds: ptr(c.Export.HTTP.IntervalSeconds),
				BatchSize:       ptr(c.Export.HTTP.BatchSize),
				Headers:         c.Export.HTTP.Headers,
				TimeoutSeconds:  ptr(c.Export.HTTP.TimeoutSeconds),
			},
			Database: fileDatabase{
				Enabled:          c.Export.Database.Enabled,
				Type:             c.Export.Database.Type,
				Path:             c.Export.Database.Path,
				ConnectionString: c.Export.Database.ConnectionString,
				RetentionDays:    ptr(c.Export.Database.RetentionDays),
			},
			MQTT: fileMQTT{
				Enabled:       c.Export.MQTT.Enabled,
				Broker:        c.Export.MQTT.Broker,
				Port:          ptr(c.Export.MQTT.Port),
				TopicTemplate: c.Export.MQTT.TopicTemplate,
				QoS:           ptr(c.Export.MQTT.QoS),
				Username:      c.Export.MQTT.Username,
				Password:      c.Export.MQTT.Password,
			},
		},
		Server: fileServer{
			Enabled: ptr(c.Server.Enabled),
			Host:    c.Server.Host,
			Port:    ptr(c.Server.Port),
		},
	}
	if f.Export.HTTP.Headers == nil {
		f.Export.HTTP.Headers = map[string]string{}
	}

	for _, cam := range c.Cameras {
		fc := fileCamera{
			ID:                 cam.ID,
			Name:               cam.Name,
			URL:                cam.URL,
			Enabled:            ptr(cam.Enabled),
			ProcessingInterval: ptr(cam.ProcessingInterval),
			Meters:             []fileMeter{},
			Indicators:         []fileIndicator{},
		}
		for _, m := range cam.Meters {
			fc.Meters = append(fc.Meters, fileMeter{
				ID:              m.ID,
				Name:            m.Name,
				Perspective:     toFilePerspective(m.Perspective),
				Recognition:     fileRecognition{DisplayMode: m.DisplayMode, ColorChannel: m.ColorChannel, Threshold: m.Threshold},
				ShowOnDashboard: ptr(m.ShowOnDashboard),
				DecimalPlaces:   m.DecimalPlaces,
				Unit:            m.Unit,
				ExpectedDigits:  m.ExpectedDigits,
			})
		}
		for _, ind := range cam.Indicators {
			fc.Indicators = append(fc.Indicators, fileIndicator{
				ID:          ind.ID,
				Name:        ind.Name,
				Perspective: toFilePerspective(ind.Perspective),
				Detection: fileDetection{
					Mode:           ind.Mode,
					Threshold:      ptr(ind.Threshold),
					OnColor:        ind.OnColor,
					RatioThreshold: ptr(ind.RatioThreshold),
				},
				ShowOnDashboard: ptr(ind.ShowOnDashboard),
			})
		}
		f.Cameras = append(f.Cameras, fc)
	}
	return f
}

func toFilePerspective(p Perspective) filePerspective {
	pts := make([]filePoint, 4)
	for i, pt := range p.Points {
		pts[i] = filePoint{pt.X, pt.Y}
	}
	return filePerspective{
		Points:     pts,
		OutputSize: []int{p.OutputWidth, p.OutputHeight},
	}
}

func ptr[T any](v T) *T { return &v }
