package server

import (
	"metereye/internal/config"
	"metereye/internal/model"
)

// JSON views of the configuration entities. The YAML file format stays in
// internal/config; these mirror it for the REST surface.

type perspectiveDTO struct {
	Points     [][2]int `json:"points"`
	OutputSize [2]int   `json:"output_size"`
}

type recognitionDTO struct {
	DisplayMode  string `json:"display_mode"`
	ColorChannel string `json:"color_channel"`
	Threshold    int    `json:"threshold"`
}

type meterDTO struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Perspective     perspectiveDTO `json:"perspective"`
	Recognition     recognitionDTO `json:"recognition"`
	ExpectedDigits  int            `json:"expected_digits"`
	DecimalPlaces   int            `json:"decimal_places"`
	Unit            string         `json:"unit"`
	ShowOnDashboard bool           `json:"show_on_dashboard"`
}

type detectionDTO struct {
	Mode           string  `json:"mode"`
	Threshold      int     `json:"threshold"`
	OnColor        string  `json:"on_color,omitempty"`
	RatioThreshold float64 `json:"ratio_threshold"`
}

type indicatorDTO struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Perspective     perspectiveDTO `json:"perspective"`
	Detection       detectionDTO   `json:"detection"`
	ShowOnDashboard bool           `json:"show_on_dashboard"`
}

type cameraDTO struct {
	ID                 string              `json:"id"`
	Name               string              `json:"name"`
	URL                string              `json:"url"`
	Enabled            bool                `json:"enabled"`
	ProcessingInterval float64             `json:"processing_interval_seconds"`
	State              string              `json:"state"`
	LastError          string              `json:"last_error,omitempty"`
	Meters             []meterDTO          `json:"meters"`
	Indicators         []indicatorDTO      `json:"indicators"`
	Status             *model.CameraStatus `json:"status,omitempty"`
}

func toPerspectiveDTO(p config.Perspective) perspectiveDTO {
	var d perspectiveDTO
	d.Points = make([][2]int, 4)
	for i, pt := range p.Points {
		d.Points[i] = [2]int{pt.X, pt.Y}
	}
	d.OutputSize = [2]int{p.OutputWidth, p.OutputHeight}
	return d
}

func (d perspectiveDTO) toConfig() config.Perspective {
	var pts [4]config.Point
	n := len(d.Points)
	for i := 0; i < 4 && i < n; i++ {
		pts[i] = config.Point{X: d.Points[i][0], Y: d.Points[i][1]}
	}
	w, h := d.OutputSize[0], d.OutputSize[1]
	if w == 0 {
		w = config.DefaultOutputWidth
	}
	if h == 0 {
		h = config.DefaultOutputHeight
	}
	return config.Perspective{
		Points:       config.NormalizePoints(pts),
		OutputWidth:  w,
		OutputHeight: h,
	}
}

func toMeterDTO(m config.MeterConfig) meterDTO {
	return meterDTO{
		ID:          m.ID,
		Name:        m.Name,
		Perspective: toPerspectiveDTO(m.Perspective),
		Recognition: recognitionDTO{
			DisplayMode:  m.DisplayMode,
			ColorChannel: m.ColorChannel,
			Threshold:    m.Threshold,
		},
		ExpectedDigits:  m.ExpectedDigits,
		DecimalPlaces:   m.DecimalPlaces,
		Unit:            m.Unit,
		ShowOnDashboard: m.ShowOnDashboard,
	}
}

func (d meterDTO) toConfig() config.MeterConfig {
	mode := d.Recognition.DisplayMode
	if mode == "" {
		mode = config.DisplayLightOnDark
	}
	channel := d.Recognition.ColorChannel
	if channel == "" {
		channel = config.ChannelGray
	}
	return config.MeterConfig{
		ID:              d.ID,
		Name:            d.Name,
		Perspective:     d.Perspective.toConfig(),
		DisplayMode:     mode,
		ColorChannel:    channel,
		Threshold:       d.Recognition.Threshold,
		ExpectedDigits:  d.ExpectedDigits,
		DecimalPlaces:   d.DecimalPlaces,
		Unit:            d.Unit,
		ShowOnDashboard: d.ShowOnDashboard,
	}
}

func toIndicatorDTO(ind config.IndicatorConfig) indicatorDTO {
	return indicatorDTO{
		ID:          ind.ID,
		Name:        ind.Name,
		Perspective: toPerspectiveDTO(ind.Perspective),
		Detection: detectionDTO{
			Mode:           ind.Mode,
			Threshold:      ind.Threshold,
			OnColor:        ind.OnColor,
			RatioThreshold: ind.RatioThreshold,
		},
		ShowOnDashboard: ind.ShowOnDashboard,
	}
}

func (d indicatorDTO) toConfig() config.IndicatorConfig {
	mode := d.Detection.Mode
	if mode == "" {
		mode = config.ModeBrightness
	}
	ratio := d.Detection.RatioThreshold
	if ratio == 0 {
		ratio = config.DefaultRatioThreshold
	}
	return config.IndicatorConfig{
		ID:              d.ID,
		Name:            d.Name,
		Perspective:     d.Perspective.toConfig(),
		Mode:            mode,
		Threshold:       d.Detection.Threshold,
		OnColor:         d.Detection.OnColor,
		RatioThreshold:  ratio,
		ShowOnDashboard: d.ShowOnDashboard,
	}
}

func toCameraDTO(cam config.CameraConfig, st *model.CameraStatus) cameraDTO {
	d := cameraDTO{
		ID:                 cam.ID,
		Name:               cam.Name,
		URL:                cam.URL,
		Enabled:            cam.Enabled,
		ProcessingInterval: cam.ProcessingInterval,
		State:              model.CameraDisabled.String(),
		Meters:             make([]meterDTO, 0, len(cam.Meters)),
		Indicators:         make([]indicatorDTO, 0, len(cam.Indicators)),
		Status:             st,
	}
	if st != nil {
		d.State = st.State.String()
		d.LastError = st.LastError
	}
	for _, m := range cam.Meters {
		d.Meters = append(d.Meters, toMeterDTO(m))
	}
	for _, ind := range cam.Indicators {
		d.Indicators = append(d.Indicators, toIndicatorDTO(ind))
	}
	return d
}
