// Package config defines the MeterEye configuration model and its YAML
// loader. Loading produces an immutable snapshot: the running service never
// mutates a Config, it only swaps whole snapshots on reload.
package config

import "fmt"

// Enum values accepted by the loader.
const (
	DisplayLightOnDark = "light_on_dark"
	DisplayDarkOnLight = "dark_on_light"

	ChannelRed   = "red"
	ChannelGreen = "green"
	ChannelBlue  = "blue"
	ChannelGray  = "gray"

	ModeBrightness = "brightness"
	ModeColor      = "color"
)

// Defaults applied by the loader when a key is absent.
const (
	DefaultOutputWidth  = 400
	DefaultOutputHeight = 100

	DefaultProcessingInterval = 1.0

	DefaultIndicatorThreshold = 128
	DefaultRatioThreshold     = 0.2

	DefaultHTTPInterval = 5.0
	DefaultHTTPBatch    = 10
	DefaultHTTPTimeout  = 10.0

	DefaultDBType      = "sqlite"
	DefaultDBPath      = "./readings.db"
	DefaultDBRetention = 30

	DefaultMQTTBroker = "localhost"
	DefaultMQTTPort   = 1883
	DefaultMQTTTopic  = "ctme/{camera_id}/{meter_id}"
	DefaultMQTTQoS    = 1

	DefaultServerHost = "0.0.0.0"
	DefaultServerPort = 8000
)

// Point is one perspective corner in source-image coordinates.
type Point struct {
	X int
	Y int
}

// Perspective maps a quadrilateral in the source frame onto an axis-aligned
// output rectangle. Points are kept in TL, TR, BR, BL order; the loader
// normalizes whatever order the file supplied.
type Perspective struct {
	Points       [4]Point
	OutputWidth  int
	OutputHeight int
}

// MeterConfig describes one seven-segment readout on a camera.
type MeterConfig struct {
	ID              string
	Name            string
	Perspective     Perspective
	DisplayMode     string // light_on_dark | dark_on_light
	ColorChannel    string // red | green | blue | gray
	Threshold       int    // 0..255, 0 = Otsu auto-threshold
	ExpectedDigits  int    // 0 = accept any count
	DecimalPlaces   int
	Unit            string
	ShowOnDashboard bool
}

// IndicatorConfig describes one on/off lamp on a camera.
type IndicatorConfig struct {
	ID              string
	Name            string
	Perspective     Perspective
	Mode            string // brightness | color
	Threshold       int    // brightness mode: 0..255, 0 = Otsu
	OnColor         string // color mode: red | green | blue | yellow
	RatioThreshold  float64
	ShowOnDashboard bool
}

// CameraConfig describes one RTSP (or snapshot) video source and the meters
// and indicators read from it.
type CameraConfig struct {
	ID                 string
	Name               string
	URL                string
	Enabled            bool
	ProcessingInterval float64 // seconds between processed frames, >= 0.1
	Meters             []MeterConfig
	Indicators         []IndicatorConfig
}

// HTTPExportConfig configures the HTTP batch sink.
type HTTPExportConfig struct {
	Enabled         bool
	URL             string
	IntervalSeconds float64
	BatchSize       int
	Headers         map[string]string
	TimeoutSeconds  float64
}

// DatabaseExportConfig configures the database sink.
type DatabaseExportConfig struct {
	Enabled          bool
	Type             string // sqlite | postgresql
	Path             string // sqlite file path
	ConnectionString string // postgresql DSN
	RetentionDays    int
}

// MQTTExportConfig configures the MQTT sink. TopicTemplate substitutes
// {camera_id} and {meter_id}/{indicator_id} per message.
type MQTTExportConfig struct {
	Enabled       bool
	Broker        string
	Port          int
	TopicTemplate string
	QoS           int
	Username      string
	Password      string
}

// ExportConfig groups the three sinks.
type ExportConfig struct {
	HTTP     HTTPExportConfig
	Database DatabaseExportConfig
	MQTT     MQTTExportConfig
}

// ServerConfig configures the REST/streaming surface.
type ServerConfig struct {
	Enabled bool
	Host    string
	Port    int
}

// Config is one immutable configuration snapshot.
type Config struct {
	Cameras []CameraConfig
	Export  ExportConfig
	Server  ServerConfig
}

// Camera returns the camera with the given id, or nil.
func (c *Config) Camera(id string) *CameraConfig {
	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			return &c.Cameras[i]
		}
	}
	return nil
}

// ConfigError reports an invalid configuration value. Path addresses the
// first offending field, e.g. "cameras[0].meters[1].perspective.points".
type ConfigError struct {
	Path string
	Msg  string
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return "config: " + e.Msg
	}
	return fmt.Sprintf("config: %s: %s", e.Path, e.Msg)
}

func errAt(path, format string, args ...any) *ConfigError {
	return &ConfigError{Path: path, Msg: fmt.Sprintf(format, args...)}
}
