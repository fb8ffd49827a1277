package vision

import (
	"image"
	"sort"
	"strconv"
	"strings"

	"metereye/internal/config"
)

// Segment sample regions as ratios of a digit's bounding box, in
// a, b, c, d, e, f, g order:
//
//	 aaaa
//	f    b
//	f    b
//	 gggg
//	e    c
//	e    c
//	 dddd
//
// Each entry is (x1, y1, x2, y2).
var segmentBoxes = [7][4]float64{
	{0.20, 0.02, 0.80, 0.12}, // a: top
	{0.70, 0.15, 0.98, 0.42}, // b: top-right
	{0.70, 0.58, 0.98, 0.85}, // c: bottom-right
	{0.20, 0.88, 0.80, 0.98}, // d: bottom
	{0.02, 0.58, 0.30, 0.85}, // e: bottom-left
	{0.02, 0.15, 0.30, 0.42}, // f: top-left
	{0.20, 0.44, 0.80, 0.56}, // g: middle
}

// segmentPatterns maps which segments are on to the digit they form.
var segmentPatterns = map[[7]bool]byte{
	seg(1, 1, 1, 1, 1, 1, 0): '0',
	seg(0, 1, 1, 0, 0, 0, 0): '1',
	seg(1, 1, 0, 1, 1, 0, 1): '2',
	seg(1, 1, 1, 1, 0, 0, 1): '3',
	seg(0, 1, 1, 0, 0, 1, 1): '4',
	seg(1, 0, 1, 1, 0, 1, 1): '5',
	seg(1, 0, 1, 1, 1, 1, 1): '6',
	seg(1, 1, 1, 0, 0, 0, 0): '7',
	seg(1, 1, 1, 1, 1, 1, 1): '8',
	seg(1, 1, 1, 1, 0, 1, 1): '9',
}

func seg(a, b, c, d, e, f, g int) [7]bool {
	return [7]bool{a == 1, b == 1, c == 1, d == 1, e == 1, f == 1, g == 1}
}

const (
	segmentOnRatio = 0.5 // lit fraction above which a segment counts as on

	minDigitHeightRatio = 0.4  // of output height
	minDigitAreaRatio   = 0.02 // of output area
	maxDotHeightRatio   = 0.3  // of output height

	// A bounding box this much narrower than tall carries no left-column
	// or middle geometry; it can only be a 1.
	narrowDigitRatio = 0.35
)

// MeterResult is the outcome of reading one meter from one frame. Value is
// nil when recognition failed; RawText may still carry a partial decode.
type MeterResult struct {
	Value      *float64
	RawText    string
	Confidence float64
}

// MeterDebug carries the intermediate images for preview and diagnostics.
type MeterDebug struct {
	Warped      *image.Gray
	Thresholded *image.Gray
	Threshold   uint8
}

// RecognizeMeter runs the full pipeline for one meter: perspective warp,
// channel extraction, thresholding, digit segmentation and seven-segment
// classification. The only error case is an unusable perspective quad;
// everything else degrades to a failure result (Value nil, Confidence 0).
func RecognizeMeter(frame image.Image, cfg config.MeterConfig) (MeterResult, *MeterDebug, error) {
	warped, err := WarpChannel(frame, cfg.Perspective, cfg.ColorChannel)
	if err != nil {
		return MeterResult{}, nil, err
	}
	bin, t := Binarize(warped, cfg.DisplayMode, cfg.Threshold)
	debug := &MeterDebug{Warped: warped, Thresholded: bin, Threshold: t}

	outW := cfg.Perspective.OutputWidth
	outH := cfg.Perspective.OutputHeight
	minHeight := minDigitHeightRatio * float64(outH)
	minArea := minDigitAreaRatio * float64(outW) * float64(outH)
	maxDotHeight := maxDotHeightRatio * float64(outH)

	var digits, dots []Component
	for _, c := range FindComponents(bin) {
		switch {
		case float64(c.Height()) >= minHeight && float64(c.Area) >= minArea:
			digits = append(digits, c)
		case float64(c.Height()) < maxDotHeight:
			dots = append(dots, c)
		}
	}
	sort.SliceStable(digits, func(i, j int) bool { return digits[i].CentroidX < digits[j].CentroidX })

	if len(digits) == 0 {
		return MeterResult{Confidence: 0}, debug, nil
	}

	// A decimal point is a small isolated blob to the right of a digit.
	leftmost := digits[0].CentroidX
	kept := dots[:0]
	for _, d := range dots {
		if d.CentroidX > leftmost {
			kept = append(kept, d)
		}
	}
	dots = kept

	type glyph struct {
		x    float64
		ch   byte
		conf float64
	}
	glyphs := make([]glyph, 0, len(digits)+len(dots))
	unmatched := false
	for _, d := range digits {
		ch, conf := classifyDigit(bin, d)
		if ch == '?' {
			unmatched = true
		}
		glyphs = append(glyphs, glyph{x: d.CentroidX, ch: ch, conf: conf})
	}
	for _, d := range dots {
		glyphs = append(glyphs, glyph{x: d.CentroidX, ch: '.'})
	}
	sort.SliceStable(glyphs, func(i, j int) bool { return glyphs[i].x < glyphs[j].x })

	var sb strings.Builder
	var confSum float64
	for _, g := range glyphs {
		sb.WriteByte(g.ch)
		if g.ch != '.' {
			confSum += g.conf
		}
	}
	raw := sb.String()

	failed := unmatched ||
		len(dots) > 1 ||
		(cfg.ExpectedDigits > 0 && len(digits) != cfg.ExpectedDigits)
	if failed {
		return MeterResult{RawText: raw, Confidence: 0}, debug, nil
	}

	text := insertDecimal(raw, cfg.DecimalPlaces)
	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return MeterResult{RawText: raw, Confidence: 0}, debug, nil
	}
	return MeterResult{
		Value:      &value,
		RawText:    raw,
		Confidence: confSum / float64(len(digits)),
	}, debug, nil
}

// classifyDigit samples the seven segment regions of a component's bounding
// box and matches the on/off pattern against the digit table. Returns '?'
// with confidence 0 when no pattern matches. Confidence is the mean segment
// clarity: 1.0 when every segment is clearly on or clearly off.
func classifyDigit(bin *image.Gray, c Component) (byte, float64) {
	w, h := c.Width(), c.Height()

	if float64(w) < narrowDigitRatio*float64(h) {
		// Bare vertical bar: only b and c are readable, sampled as the
		// top and bottom halves of the box.
		mid := c.MinY + h/2
		rb := litFraction(bin, c.MinX, c.MinY, c.MaxX+1, mid)
		rc := litFraction(bin, c.MinX, mid, c.MaxX+1, c.MaxY+1)
		return '1', (5 + clarity(rb) + clarity(rc)) / 7
	}

	var pattern [7]bool
	var sum float64
	for i, box := range segmentBoxes {
		x0 := c.MinX + int(box[0]*float64(w))
		y0 := c.MinY + int(box[1]*float64(h))
		x1 := c.MinX + int(box[2]*float64(w))
		y1 := c.MinY + int(box[3]*float64(h))
		r := litFraction(bin, x0, y0, x1, y1)
		pattern[i] = r > segmentOnRatio
		sum += clarity(r)
	}
	ch, ok := segmentPatterns[pattern]
	if !ok {
		return '?', 0
	}
	return ch, sum / 7
}

// clarity maps a lit fraction to [0,1]: 1 when the region is fully on or
// fully off, 0 at the ambiguous midpoint.
func clarity(r float64) float64 {
	m := r
	if 1-r < m {
		m = 1 - r
	}
	return 1 - 2*m
}

// insertDecimal places a decimal point before the last `places` characters,
// zero-padding so the integer part keeps at least one digit: "123" with
// places=2 becomes "1.23", "23" with places=3 becomes "0.023". Text already
// containing a point is returned unchanged.
func insertDecimal(text string, places int) string {
	if places <= 0 || strings.Contains(text, ".") {
		return text
	}
	for len(text) <= places {
		text = "0" + text
	}
	i := len(text) - places
	return text[:i] + "." + text[i:]
}
