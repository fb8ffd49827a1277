package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// File-schema structs. These mirror the on-disk YAML exactly; field order
// here is the canonical key order used by Save. Pointer fields distinguish
// "absent" from an explicit zero so defaults apply only when a key is
// missing.

type filePoint []int

type filePerspective struct {
	Points     []filePoint `yaml:"points"`
	OutputSize []int       `yaml:"output_size"`
}

type fileRecognition struct {
	DisplayMode  string `yaml:"display_mode"`
	ColorChannel string `yaml:"color_channel"`
	Threshold    int    `yaml:"threshold"`
}

type fileMeter struct {
	ID              string          `yaml:"id"`
	Name            string          `yaml:"name"`
	Perspective     filePerspective `yaml:"perspective"`
	Recognition     fileRecognition `yaml:"recognition"`
	ShowOnDashboard *bool           `yaml:"show_on_dashboard"`
	DecimalPlaces   int             `yaml:"decimal_places"`
	Unit            string          `yaml:"unit"`
	ExpectedDigits  int             `yaml:"expected_digits"`
}

type fileDetection struct {
	Mode           string   `yaml:"mode"`
	Threshold      *int     `yaml:"threshold"`
	OnColor        string   `yaml:"on_color"`
	RatioThreshold *float64 `yaml:"ratio_threshold"`
}

type fileIndicator struct {
	ID              string          `yaml:"id"`
	Name            string          `yaml:"name"`
	Perspective     filePerspective `yaml:"perspective"`
	Detection       fileDetection   `yaml:"detection"`
	ShowOnDashboard *bool           `yaml:"show_on_dashboard"`
}

type fileCamera struct {
	ID                 string          `yaml:"id"`
	Name               string          `yaml:"name"`
	URL                string          `yaml:"url"`
	Enabled            *bool           `yaml:"enabled"`
	ProcessingInterval *float64        `yaml:"processing_interval_seconds"`
	Meters             []fileMeter     `yaml:"meters"`
	Indicators         []fileIndicator `yaml:"indicators"`
}

type fileHTTP struct {
	Enabled         bool              `yaml:"enabled"`
	URL             string            `yaml:"url"`
	IntervalSeconds *float64          `yaml:"interval_seconds"`
	BatchSize       *int              `yaml:"batch_size"`
	Headers         map[string]string `yaml:"headers"`
	TimeoutSeconds  *float64          `yaml:"timeout_seconds"`
}

type fileDatabase struct {
	Enabled          bool   `yaml:"enabled"`
	Type             string `yaml:"type"`
	Path             string `yaml:"path"`
	ConnectionString string `yaml:"connection_string"`
	RetentionDays    *int   `yaml:"retention_days"`
}

type fileMQTT struct {
	Enabled       bool   `yaml:"enabled"`
	Broker        string `yaml:"broker"`
	Port          *int   `yaml:"port"`
	TopicTemplate string `yaml:"topic_template"`
	QoS           *int   `yaml:"qos"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
}

type fileExport struct {
	HTTP     fileHTTP     `yaml:"http"`
	Database fileDatabase `yaml:"database"`
	MQTT     fileMQTT     `yaml:"mqtt"`
}

type fileServer struct {
	Enabled *bool  `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    *int   `yaml:"port"`
}

type fileConfig struct {
	Cameras []fileCamera `yaml:"cameras"`
	Export  fileExport   `yaml:"export"`
	Server  fileServer   `yaml:"server"`
}

// Load reads, substitutes, validates and normalizes the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse builds a validated snapshot from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded, err := expandEnvTree(data)
	if err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)

	var raw fileConfig
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ConfigError{Msg: fmt.Sprintf("invalid YAML: %v", err)}
	}

	if err := raw.validateShape(); err != nil {
		return nil, err
	}
	cfg := raw.toConfig()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateShape checks structural rules that are lost after conversion:
// exactly four 2-element points per perspective, output_size of length 2.
func (f *fileConfig) validateShape() error {
	for i, cam := range f.Cameras {
		for j, m := range cam.Meters {
			p := fmt.Sprintf("cameras[%d].meters[%d].perspective", i, j)
			if err := m.Perspective.validateShape(p); err != nil {
				return err
			}
		}
		for j, ind := range cam.Indicators {
			p := fmt.Sprintf("cameras[%d].indicators[%d].perspective", i, j)
			if err := ind.Perspective.validateShape(p); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p filePerspective) validateShape(path string) error {
	if len(p.Points) != 4 {
		return errAt(path+".points", "must have exactly 4 points, got %d", len(p.Points))
	}
	for _, pt := range p.Points {
		if len(pt) != 2 {
			return errAt(path+".points", "each point must be [x, y]")
		}
	}
	if p.OutputSize != nil && len(p.OutputSize) != 2 {
		return errAt(path+".output_size", "must be [width, height]")
	}
	return nil
}

// ── Environment substitution ──

// envPattern matches ${NAME} and ${NAME:-default}.
var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandString(s string, line int) (string, error) {
	idxs := envPattern.FindAllStringSubmatchIndex(s, -1)
	if len(idxs) == 0 {
		return s, nil
	}
	var b strings.Builder
	last := 0
	for _, ix := range idxs {
		b.WriteString(s[last:ix[0]])
		name := s[ix[2]:ix[3]]
		if v, ok := os.LookupEnv(name); ok {
			b.WriteString(v)
		} else if ix[4] >= 0 { // ":-default" present (possibly empty)
			b.WriteString(s[ix[4]:ix[5]])
		} else {
			return "", &ConfigError{Msg: fmt.Sprintf(
				"line %d: environment variable %q is not set and no default provided", line, name)}
		}
		last = ix[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// expandEnvTree substitutes environment variables in every string value of
// the YAML document. Mapping keys are left alone.
func expandEnvTree(data []byte) ([]byte, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("invalid YAML: %v", err)}
	}
	if root.Kind == 0 {
		return data, nil // empty document
	}
	if err := expandNode(&root); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&root); err != nil {
		return nil, fmt.Errorf("config: re-encode: %w", err)
	}
	enc.Close()
	return buf.Bytes(), nil
}

func expandNode(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Tag == "!!str" {
			v, err := expandString(n.Value, n.Line)
			if err != nil {
				return err
			}
			n.Value = v
		}
	case yaml.MappingNode:
		for i := 1; i < len(n.Content); i += 2 {
			if err := expandNode(n.Content[i]); err != nil {
				return err
			}
		}
	default:
		for _, c := range n.Content {
			if err := expandNode(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// ── Defaults and normalization ──

func (f *fileConfig) toConfig() *Config {
	cfg := &Config{
		Export: ExportConfig{
			HTTP: HTTPExportConfig{
				Enabled:         f.Export.HTTP.Enabled,
				URL:             f.Export.HTTP.URL,
				IntervalSeconds: floatOr(f.Export.HTTP.IntervalSeconds, DefaultHTTPInterval),
				BatchSize:       intOr(f.Export.HTTP.BatchSize, DefaultHTTPBatch),
				Headers:         f.Export.HTTP.Headers,
				TimeoutSeconds:  floatOr(f.Export.HTTP.TimeoutSeconds, DefaultHTTPTimeout),
			},
			Database: DatabaseExportConfig{
				Enabled:          f.Export.Database.Enabled,
				Type:             strOr(f.Export.Database.Type, DefaultDBType),
				Path:             strOr(f.Export.Database.Path, DefaultDBPath),
				ConnectionString: f.Export.Database.ConnectionString,
				RetentionDays:    intOr(f.Export.Database.RetentionDays, DefaultDBRetention),
			},
			MQTT: MQTTExportConfig{
				Enabled:       f.Export.MQTT.Enabled,
				Broker:        strOr(f.Export.MQTT.Broker, DefaultMQTTBroker),
				Port:          intOr(f.Export.MQTT.Port, DefaultMQTTPort),
				TopicTemplate: strOr(f.Export.MQTT.TopicTemplate, DefaultMQTTTopic),
				QoS:           intOr(f.Export.MQTT.QoS, DefaultMQTTQoS),
				Username:      f.Export.MQTT.Username,
				Password:      f.Export.MQTT.Password,
			},
		},
		Server: ServerConfig{
			Enabled: boolOr(f.Server.Enabled, true),
			Host:    strOr(f.Server.Host, DefaultServerHost),
			Port:    intOr(f.Server.Port, DefaultServerPort),
		},
	}
	if cfg.Export.HTTP.Headers == nil {
		cfg.Export.HTTP.Headers = map[string]string{}
	}

	for _, fc := range f.Cameras {
		cam := CameraConfig{
			ID:                 fc.ID,
			Name:               strOr(fc.Name, fc.ID),
			URL:                fc.URL,
			Enabled:            boolOr(fc.Enabled, true),
			ProcessingInterval: floatOr(fc.ProcessingInterval, DefaultProcessingInterval),
		}
		for _, fm := range fc.Meters {
			cam.Meters = append(cam.Meters, MeterConfig{
				ID:              fm.ID,
				Name:            strOr(fm.Name, fm.ID),
				Perspective:     fm.Perspective.toPerspective(),
				DisplayMode:     strOr(fm.Recognition.DisplayMode, DisplayLightOnDark),
				ColorChannel:    strOr(fm.Recognition.ColorChannel, ChannelRed),
				Threshold:       fm.Recognition.Threshold,
				ExpectedDigits:  fm.ExpectedDigits,
				DecimalPlaces:   fm.DecimalPlaces,
				Unit:            fm.Unit,
				ShowOnDashboard: boolOr(fm.ShowOnDashboard, true),
			})
		}
		for _, fi := range fc.Indicators {
			cam.Indicators = append(cam.Indicators, IndicatorConfig{
				ID:              fi.ID,
				Name:            strOr(fi.Name, fi.ID),
				Perspective:     fi.Perspective.toPerspective(),
				Mode:            strOr(fi.Detection.Mode, ModeBrightness),
				Threshold:       intOr(fi.Detection.Threshold, DefaultIndicatorThreshold),
				OnColor:         strOr(fi.Detection.OnColor, ChannelRed),
				RatioThreshold:  floatOr(fi.Detection.RatioThreshold, DefaultRatioThreshold),
				ShowOnDashboard: boolOr(fi.ShowOnDashboard, true),
			})
		}
		cfg.Cameras = append(cfg.Cameras, cam)
	}
	return cfg
}

func (p filePerspective) toPerspective() Perspective {
	out := Perspective{
		OutputWidth:  DefaultOutputWidth,
		OutputHeight: DefaultOutputHeight,
	}
	if len(p.OutputSize) == 2 {
		out.OutputWidth = p.OutputSize[0]
		out.OutputHeight = p.OutputSize[1]
	}
	for i, fp := range p.Points {
		if i >= 4 {
			break
		}
		if len(fp) == 2 {
			out.Points[i] = Point{X: fp[0], Y: fp[1]}
		}
	}
	out.Points = NormalizePoints(out.Points)
	return out
}

// NormalizePoints reorders four corners into TL, TR, BR, BL using the
// sort-by-y-then-x rule: the two highest points form the top edge, the two
// lowest the bottom edge, each edge ordered left to right.
func NormalizePoints(pts [4]Point) [4]Point {
	s := pts[:]
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Y != s[j].Y {
			return s[i].Y < s[j].Y
		}
		return s[i].X < s[j].X
	})
	top := []Point{s[0], s[1]}
	bottom := []Point{s[2], s[3]}
	if top[0].X > top[1].X {
		top[0], top[1] = top[1], top[0]
	}
	if bottom[0].X > bottom[1].X {
		bottom[0], bottom[1] = bottom[1], bottom[0]
	}
	return [4]Point{top[0], top[1], bottom[1], bottom[0]}
}

// ── Validation ──

func (c *Config) validate() error {
	camIDs := map[string]bool{}
	for i, cam := range c.Cameras {
		p := fmt.Sprintf("cameras[%d]", i)
		if cam.ID == "" {
			return errAt(p+".id", "missing")
		}
		if len(cam.ID) > 64 {
			return errAt(p+".id", "longer than 64 characters")
		}
		if camIDs[cam.ID] {
			return errAt(p+".id", "duplicate camera id %q", cam.ID)
		}
		camIDs[cam.ID] = true
		if cam.URL == "" {
			return errAt(p+".url", "missing")
		}
		if cam.ProcessingInterval < 0.1 {
			return errAt(p+".processing_interval_seconds", "must be >= 0.1, got %g", cam.ProcessingInterval)
		}

		meterIDs := map[string]bool{}
		for j, m := range cam.Meters {
			mp := fmt.Sprintf("%s.meters[%d]", p, j)
			if m.ID == "" {
				return errAt(mp+".id", "missing")
			}
			if meterIDs[m.ID] {
				return errAt(mp+".id", "duplicate meter id %q", m.ID)
			}
			meterIDs[m.ID] = true
			if err := validatePerspective(m.Perspective, mp+".perspective"); err != nil {
				return err
			}
			switch m.DisplayMode {
			case DisplayLightOnDark, DisplayDarkOnLight:
			default:
				return errAt(mp+".recognition.display_mode", "unknown mode %q", m.DisplayMode)
			}
			switch m.ColorChannel {
			case ChannelRed, ChannelGreen, ChannelBlue, ChannelGray:
			default:
				return errAt(mp+".recognition.color_channel", "unknown channel %q", m.ColorChannel)
			}
			if m.Threshold < 0 || m.Threshold > 255 {
				return errAt(mp+".recognition.threshold", "must be in [0,255], got %d", m.Threshold)
			}
			if m.ExpectedDigits < 0 {
				return errAt(mp+".expected_digits", "must be >= 0")
			}
			if m.DecimalPlaces < 0 {
				return errAt(mp+".decimal_places", "must be >= 0")
			}
		}

		indIDs := map[string]bool{}
		for j, ind := range cam.Indicators {
			ip := fmt.Sprintf("%s.indicators[%d]", p, j)
			if ind.ID == "" {
				return errAt(ip+".id", "missing")
			}
			if indIDs[ind.ID] {
				return errAt(ip+".id", "duplicate indicator id %q", ind.ID)
			}
			indIDs[ind.ID] = true
			if err := validatePerspective(ind.Perspective, ip+".perspective"); err != nil {
				return err
			}
			switch ind.Mode {
			case ModeBrightness, ModeColor:
			default:
				return errAt(ip+".detection.mode", "unknown mode %q", ind.Mode)
			}
			if ind.Threshold < 0 || ind.Threshold > 255 {
				return errAt(ip+".detection.threshold", "must be in [0,255], got %d", ind.Threshold)
			}
			switch ind.OnColor {
			case ChannelRed, ChannelGreen, ChannelBlue, "yellow":
			default:
				return errAt(ip+".detection.on_color", "unknown color %q", ind.OnColor)
			}
			if ind.RatioThreshold < 0 || ind.RatioThreshold > 1 {
				return errAt(ip+".detection.ratio_threshold", "must be in [0,1], got %g", ind.RatioThreshold)
			}
		}
	}

	e := c.Export
	if e.HTTP.Enabled {
		if e.HTTP.URL == "" {
			return errAt("export.http.url", "missing")
		}
		if e.HTTP.BatchSize < 1 {
			return errAt("export.http.batch_size", "must be >= 1")
		}
		if e.HTTP.IntervalSeconds <= 0 {
			return errAt("export.http.interval_seconds", "must be > 0")
		}
		if e.HTTP.TimeoutSeconds <= 0 {
			return errAt("export.http.timeout_seconds", "must be > 0")
		}
	}
	if e.Database.Enabled {
		switch e.Database.Type {
		case "sqlite", "postgresql":
		default:
			return errAt("export.database.type", "unknown type %q", e.Database.Type)
		}
		if e.Database.Type == "postgresql" && e.Database.ConnectionString == "" {
			return errAt("export.database.connection_string", "missing")
		}
		if e.Database.RetentionDays < 0 {
			return errAt("export.database.retention_days", "must be >= 0")
		}
	}
	if e.MQTT.Enabled {
		if e.MQTT.Broker == "" {
			return errAt("export.mqtt.broker", "missing")
		}
		if e.MQTT.Port < 1 || e.MQTT.Port > 65535 {
			return errAt("export.mqtt.port", "must be in [1,65535], got %d", e.MQTT.Port)
		}
		if e.MQTT.QoS < 0 || e.MQTT.QoS > 2 {
			return errAt("export.mqtt.qos", "must be 0, 1 or 2, got %d", e.MQTT.QoS)
		}
	}
	if c.Server.Enabled {
		if c.Server.Port < 1 || c.Server.Port > 65535 {
			return errAt("server.port", "must be in [1,65535], got %d", c.Server.Port)
		}
	}
	return nil
}

func validatePerspective(p Perspective, path string) error {
	for _, pt := range p.Points {
		if pt.X < 0 || pt.Y < 0 {
			return errAt(path+".points", "coordinates must be non-negative")
		}
	}
	if p.OutputWidth < 16 || p.OutputHeight < 16 {
		return errAt(path+".output_size", "width and height must be >= 16, got %dx%d",
			p.OutputWidth, p.OutputHeight)
	}
	return nil
}

func strOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
