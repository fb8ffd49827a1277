package vision

import (
	"image"
	"math"

	"metereye/internal/config"
)

// Canonical hues for color-mode detection, degrees on the HSV wheel.
var canonicalHue = map[string]float64{
	config.ChannelRed:   0,
	"yellow":            60,
	config.ChannelGreen: 120,
	config.ChannelBlue:  240,
}

const (
	hueTolerance  = 15.0
	minSaturation = 0.4
	minValue      = 0.3
)

// IndicatorResult is the outcome of reading one lamp from one frame. Score
// is the mean gray level (brightness mode, 0..255) or the matching-pixel
// ratio (color mode, 0..1).
type IndicatorResult struct {
	State bool
	Score float64
}

// IndicatorDebug carries the intermediate images for preview and
// diagnostics. Threshold is the decision threshold actually used.
type IndicatorDebug struct {
	Warped    *image.RGBA
	Mask      *image.Gray
	Threshold float64
}

// DetectIndicator reads one lamp's on/off state. No debouncing is applied;
// callers wanting flicker suppression layer their own policy on top.
func DetectIndicator(frame image.Image, cfg config.IndicatorConfig) (IndicatorResult, *IndicatorDebug, error) {
	if cfg.Mode == config.ModeColor {
		return detectByColor(frame, cfg)
	}
	return detectByBrightness(frame, cfg)
}

func detectByBrightness(frame image.Image, cfg config.IndicatorConfig) (IndicatorResult, *IndicatorDebug, error) {
	warped, err := WarpRGBA(frame, cfg.Perspective)
	if err != nil {
		return IndicatorResult{}, nil, err
	}
	gray, err := WarpChannel(frame, cfg.Perspective, config.ChannelGray)
	if err != nil {
		return IndicatorResult{}, nil, err
	}

	var sum float64
	n := len(gray.Pix)
	for _, v := range gray.Pix {
		sum += float64(v)
	}
	mean := 0.0
	if n > 0 {
		mean = sum / float64(n)
	}

	t := float64(cfg.Threshold)
	if cfg.Threshold == 0 {
		t = float64(OtsuThreshold(gray))
	}
	mask, _ := Binarize(gray, config.DisplayLightOnDark, int(t))

	return IndicatorResult{State: mean >= t, Score: mean},
		&IndicatorDebug{Warped: warped, Mask: mask, Threshold: t}, nil
}

func detectByColor(frame image.Image, cfg config.IndicatorConfig) (IndicatorResult, *IndicatorDebug, error) {
	warped, err := WarpRGBA(frame, cfg.Perspective)
	if err != nil {
		return IndicatorResult{}, nil, err
	}

	target, ok := canonicalHue[cfg.OnColor]
	if !ok {
		target = canonicalHue[config.ChannelRed]
	}

	b := warped.Bounds()
	total := b.Dx() * b.Dy()
	mask := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	matched := 0
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			i := y*warped.Stride + x*4
			h, s, v := rgbToHSV(warped.Pix[i], warped.Pix[i+1], warped.Pix[i+2])
			if s >= minSaturation && v >= minValue && hueDistance(h, target) <= hueTolerance {
				mask.Pix[y*mask.Stride+x] = 255
				matched++
			}
		}
	}

	ratio := 0.0
	if total > 0 {
		ratio = float64(matched) / float64(total)
	}
	return IndicatorResult{State: ratio >= cfg.RatioThreshold, Score: ratio},
		&IndicatorDebug{Warped: warped, Mask: mask, Threshold: cfg.RatioThreshold}, nil
}

// rgbToHSV converts 8-bit RGB to hue (degrees), saturation and value in
// [0,1].
func rgbToHSV(r, g, b uint8) (float64, float64, float64) {
	rf := float64(r) / 255
	gf := float64(g) / 255
	bf := float64(b) / 255

	max := math.Max(rf, math.Max(gf, bf))
	min := math.Min(rf, math.Min(gf, bf))
	delta := max - min

	v := max
	s := 0.0
	if max > 0 {
		s = delta / max
	}

	h := 0.0
	if delta > 0 {
		switch max {
		case rf:
			h = 60 * math.Mod((gf-bf)/delta, 6)
		case gf:
			h = 60 * ((bf-rf)/delta + 2)
		case bf:
			h = 60 * ((rf-gf)/delta + 4)
		}
		if h < 0 {
			h += 360
		}
	}
	return h, s, v
}

// hueDistance is the angular distance between two hues, wrapping at 360 so
// red near 0 and red near 360 compare close.
func hueDistance(a, b float64) float64 {
	d := math.Abs(a - b)
	if d > 180 {
		d = 360 - d
	}
	return d
}
