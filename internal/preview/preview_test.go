package preview

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
	"time"

	"metereye/internal/config"
	"metereye/internal/model"
	"metereye/internal/registry"
)

func quad() config.Perspective {
	return config.Perspective{
		Points:       [4]config.Point{{X: 0, Y: 0}, {X: 63, Y: 0}, {X: 63, Y: 31}, {X: 0, Y: 31}},
		OutputWidth:  64,
		OutputHeight: 32,
	}
}

func regWithFrame(t *testing.T, level uint8) *registry.Registry {
	t.Helper()
	cfg := &config.Config{Cameras: []config.CameraConfig{{
		ID: "cam-01", URL: "rtsp://x", Enabled: true, ProcessingInterval: 1,
	}}}
	reg := registry.New(cfg)

	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			img.Set(x, y, color.RGBA{level, level, level, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		t.Fatal(err)
	}
	reg.PublishFrame("cam-01", registry.FrameRecord{
		Raw: buf.Bytes(), Annotated: buf.Bytes(), TS: time.Now().UTC(),
	})
	return reg
}

func TestMeterPreviewReturnsDebugImages(t *testing.T) {
	reg := regWithFrame(t, 40)

	p, err := Meter(reg, "cam-01", config.MeterConfig{
		ID: "m1", Perspective: quad(),
		DisplayMode: config.DisplayLightOnDark, ColorChannel: config.ChannelGray,
		Threshold: 128, Unit: "kPa",
	})
	if err != nil {
		t.Fatalf("Meter: %v", err)
	}

	// Dim uniform frame: recognition fails but the pipeline artifacts exist.
	if p.Result.Value != nil || p.Result.Confidence != 0 {
		t.Errorf("uniform frame should not decode, got %v", p.Result.Value)
	}
	if p.Result.Unit != "kPa" || p.Result.CameraID != "cam-01" {
		t.Errorf("result identity wrong: %+v", p.Result)
	}

	for name, data := range map[string][]byte{
		"warped":      p.Debug.WarpedPNG,
		"thresholded": p.Debug.ThresholdedPNG,
	} {
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("%s is not valid PNG: %v", name, err)
		}
		if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 32 {
			t.Errorf("%s size = %dx%d, want 64x32", name, b.Dx(), b.Dy())
		}
	}
}

func TestIndicatorPreview(t *testing.T) {
	reg := regWithFrame(t, 200)

	p, err := Indicator(reg, "cam-01", config.IndicatorConfig{
		ID: "lamp", Perspective: quad(),
		Mode: config.ModeBrightness, Threshold: 100,
	})
	if err != nil {
		t.Fatalf("Indicator: %v", err)
	}
	if !p.Result.State {
		t.Errorf("bright frame over threshold 100 should be on, score=%g", p.Result.Score)
	}
	if len(p.Debug.WarpedPNG) == 0 || len(p.Debug.ThresholdedPNG) == 0 {
		t.Error("missing debug artifacts")
	}
}

func TestPreviewWithoutFrame(t *testing.T) {
	cfg := &config.Config{Cameras: []config.CameraConfig{{
		ID: "cam-01", URL: "rtsp://x", Enabled: true, ProcessingInterval: 1,
	}}}
	reg := registry.New(cfg)

	_, err := Meter(reg, "cam-01", config.MeterConfig{ID: "m1", Perspective: quad(),
		DisplayMode: config.DisplayLightOnDark, ColorChannel: config.ChannelGray})
	if !errors.Is(err, registry.ErrNoFrame) {
		t.Errorf("err = %v, want ErrNoFrame", err)
	}

	var regErr *model.RegistryError
	_, err = Meter(reg, "nope", config.MeterConfig{ID: "m1", Perspective: quad(),
		DisplayMode: config.DisplayLightOnDark, ColorChannel: config.ChannelGray})
	if !errors.As(err, &regErr) {
		t.Errorf("unknown camera: err = %v, want RegistryError", err)
	}
}
