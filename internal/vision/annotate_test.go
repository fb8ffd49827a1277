package vision

import (
	"image"
	"testing"

	"metereye/internal/config"
)

func TestAnnotateDrawsOutlines(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 100, 80))
	cam := config.CameraConfig{
		ID: "cam-01",
		Meters: []config.MeterConfig{{
			ID:   "m1",
			Name: "Pressure",
			Perspective: config.Perspective{
				Points:       [4]config.Point{{X: 10, Y: 10}, {X: 60, Y: 10}, {X: 60, Y: 40}, {X: 10, Y: 40}},
				OutputWidth:  50,
				OutputHeight: 30,
			},
		}},
		Indicators: []config.IndicatorConfig{{
			ID:   "lamp",
			Name: "Alarm",
			Perspective: config.Perspective{
				Points:       [4]config.Point{{X: 70, Y: 50}, {X: 90, Y: 50}, {X: 90, Y: 70}, {X: 70, Y: 70}},
				OutputWidth:  20,
				OutputHeight: 20,
			},
		}},
	}

	out := Annotate(src, cam)
	if out.Bounds() != src.Bounds() {
		t.Fatalf("bounds = %v, want %v", out.Bounds(), src.Bounds())
	}
	if out.RGBAAt(30, 10) != meterOutline {
		t.Errorf("meter top edge not drawn: %v", out.RGBAAt(30, 10))
	}
	if out.RGBAAt(10, 25) != meterOutline {
		t.Errorf("meter left edge not drawn: %v", out.RGBAAt(10, 25))
	}
	if out.RGBAAt(80, 50) != indicatorOutline {
		t.Errorf("indicator top edge not drawn: %v", out.RGBAAt(80, 50))
	}
	// Interior pixels stay untouched.
	if got := out.RGBAAt(35, 25); got == meterOutline {
		t.Error("interior should not be painted")
	}
}

func TestAnnotateClipsOutOfBounds(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 20, 20))
	cam := config.CameraConfig{
		ID: "cam-01",
		Meters: []config.MeterConfig{{
			ID: "m1",
			Perspective: config.Perspective{
				Points:       [4]config.Point{{X: 10, Y: 10}, {X: 500, Y: 10}, {X: 500, Y: 400}, {X: 10, Y: 400}},
				OutputWidth:  50,
				OutputHeight: 30,
			},
		}},
	}
	// Must not panic on quads larger than the frame.
	Annotate(src, cam)
}
