package vision

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"testing"

	"metereye/internal/config"
)

// Synthetic seven-segment renderer. Segments span to the digit cell edges
// the way a real display's glyph does, so a component's bounding box equals
// the cell; verticals are thick enough to fill their sample regions. A "1"
// renders as a bare right-hand bar.
var renderSegs = [7][4]float64{
	{0.00, 0.00, 1.00, 0.12}, // a
	{0.70, 0.00, 1.00, 0.50}, // b
	{0.70, 0.50, 1.00, 1.00}, // c
	{0.00, 0.88, 1.00, 1.00}, // d
	{0.00, 0.50, 0.30, 1.00}, // e
	{0.00, 0.00, 0.30, 0.50}, // f
	{0.00, 0.44, 1.00, 0.56}, // g
}

var renderPatterns = func() map[byte][7]bool {
	m := make(map[byte][7]bool, len(segmentPatterns))
	for pat, ch := range segmentPatterns {
		m[ch] = pat
	}
	return m
}()

func fillRect(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	draw.Draw(img, image.Rect(x0, y0, x1, y1), image.NewUniform(c), image.Point{}, draw.Src)
}

func drawDigit(img *image.RGBA, ch byte, x0, y0, w, h int, c color.RGBA) {
	if ch == '1' {
		fillRect(img, x0+int(0.70*float64(w)), y0, x0+w, y0+h, c)
		return
	}
	pat := renderPatterns[ch]
	for i, on := range pat {
		if !on {
			continue
		}
		r := renderSegs[i]
		fillRect(img,
			x0+int(r[0]*float64(w)), y0+int(r[1]*float64(h)),
			x0+int(r[2]*float64(w)), y0+int(r[3]*float64(h)), c)
	}
}

const (
	testW = 160
	testH = 64
)

// testFrame renders the given digits (and '.' dots) onto a frame the same
// size as the meter's output rect, so the identity perspective below hands
// the recognizer exactly these pixels.
func testFrame(text string, fg, bg color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, testW, testH))
	fillRect(img, 0, 0, testW, testH, bg)

	cellW, gap := 36, 10
	x := 6
	for i := 0; i < len(text); i++ {
		if text[i] == '.' {
			fillRect(img, x-7, testH-6, x-3, testH-2, fg)
			continue
		}
		drawDigit(img, text[i], x, 0, cellW, testH, fg)
		x += cellW + gap
	}
	return img
}

func identityMeter() config.MeterConfig {
	return config.MeterConfig{
		ID: "m1",
		Perspective: config.Perspective{
			Points:       [4]config.Point{{X: 0, Y: 0}, {X: testW - 1, Y: 0}, {X: testW - 1, Y: testH - 1}, {X: 0, Y: testH - 1}},
			OutputWidth:  testW,
			OutputHeight: testH,
		},
		DisplayMode:  config.DisplayLightOnDark,
		ColorChannel: config.ChannelRed,
		Threshold:    128,
	}
}

var (
	white = color.RGBA{255, 255, 255, 255}
	black = color.RGBA{0, 0, 0, 255}
)

func TestRecognizeHappyPath(t *testing.T) {
	frame := testFrame("123", white, black)
	cfg := identityMeter()
	cfg.ExpectedDigits = 3
	cfg.DecimalPlaces = 2

	res, dbg, err := RecognizeMeter(frame, cfg)
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if res.RawText != "123" {
		t.Errorf("raw_text = %q, want 123", res.RawText)
	}
	if res.Value == nil {
		t.Fatalf("value = nil, want 1.23 (confidence %g)", res.Confidence)
	}
	if math.Abs(*res.Value-1.23) > 1e-9 {
		t.Errorf("value = %g, want 1.23", *res.Value)
	}
	if res.Confidence < 0.9 {
		t.Errorf("confidence = %g, want >= 0.9", res.Confidence)
	}
	if dbg == nil || dbg.Warped == nil || dbg.Thresholded == nil {
		t.Error("debug images missing")
	}
}

func TestRecognizeAllDigits(t *testing.T) {
	for _, text := range []string{"0", "2", "3", "4", "5", "6", "7", "8", "9", "1"} {
		frame := testFrame(text, white, black)
		res, _, err := RecognizeMeter(frame, identityMeter())
		if err != nil {
			t.Fatalf("%s: %v", text, err)
		}
		if res.RawText != text {
			t.Errorf("raw_text = %q, want %q", res.RawText, text)
		}
		if res.Value == nil {
			t.Errorf("%s: value = nil", text)
		}
	}
}

func TestRecognizeDarkOnLight(t *testing.T) {
	frame := testFrame("123", black, white)
	cfg := identityMeter()
	cfg.DisplayMode = config.DisplayDarkOnLight
	cfg.Threshold = 200

	res, _, err := RecognizeMeter(frame, cfg)
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if res.RawText != "123" {
		t.Errorf("raw_text = %q, want 123", res.RawText)
	}
}

func TestRecognizeOtsuAuto(t *testing.T) {
	frame := testFrame("123", color.RGBA{230, 230, 230, 255}, color.RGBA{20, 20, 20, 255})
	cfg := identityMeter()
	cfg.Threshold = 0 // auto

	res, dbg, err := RecognizeMeter(frame, cfg)
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if res.RawText != "123" {
		t.Errorf("raw_text = %q, want 123 (otsu T=%d)", res.RawText, dbg.Threshold)
	}
}

func TestRecognizeDigitCountMismatch(t *testing.T) {
	frame := testFrame("12", white, black)
	cfg := identityMeter()
	cfg.ExpectedDigits = 3

	res, _, err := RecognizeMeter(frame, cfg)
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if res.Value != nil {
		t.Errorf("value = %v, want nil", *res.Value)
	}
	if res.Confidence != 0 {
		t.Errorf("confidence = %g, want 0", res.Confidence)
	}
	if res.RawText != "12" {
		t.Errorf("partial raw_text = %q, want 12", res.RawText)
	}
}

func TestRecognizeDecimalPoint(t *testing.T) {
	frame := testFrame("12.3", white, black)
	res, _, err := RecognizeMeter(frame, identityMeter())
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if res.RawText != "12.3" {
		t.Fatalf("raw_text = %q, want 12.3", res.RawText)
	}
	if res.Value == nil || math.Abs(*res.Value-12.3) > 1e-9 {
		t.Errorf("value = %v, want 12.3", res.Value)
	}
}

func TestRecognizeDetectedPointWinsOverDecimalPlaces(t *testing.T) {
	frame := testFrame("12.3", white, black)
	cfg := identityMeter()
	cfg.DecimalPlaces = 2 // ignored: the display already shows a point

	res, _, err := RecognizeMeter(frame, cfg)
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if res.Value == nil || math.Abs(*res.Value-12.3) > 1e-9 {
		t.Errorf("value = %v, want 12.3", res.Value)
	}
}

func TestRecognizeEmptyFrame(t *testing.T) {
	frame := testFrame("", white, black)
	res, _, err := RecognizeMeter(frame, identityMeter())
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if res.Value != nil || res.RawText != "" || res.Confidence != 0 {
		t.Errorf("empty frame: got %+v, want nil/\"\"/0", res)
	}
}

func TestClassifyUnknownPattern(t *testing.T) {
	// A "T" shape: top bar plus center column. Lights segment a only, which
	// matches no digit.
	img := image.NewGray(image.Rect(0, 0, 40, 64))
	for y := 0; y < 8; y++ {
		for x := 0; x < 40; x++ {
			img.Pix[y*img.Stride+x] = 255
		}
	}
	for y := 8; y < 64; y++ {
		for x := 16; x < 25; x++ {
			img.Pix[y*img.Stride+x] = 255
		}
	}
	c := Component{MinX: 0, MinY: 0, MaxX: 39, MaxY: 63}
	ch, conf := classifyDigit(img, c)
	if ch != '?' || conf != 0 {
		t.Errorf("classify = %q conf %g, want '?' 0", ch, conf)
	}
}

func TestInsertDecimal(t *testing.T) {
	cases := []struct {
		text   string
		places int
		want   string
	}{
		{"123", 2, "1.23"},
		{"123", 0, "123"},
		{"23", 3, "0.023"},
		{"5", 1, "0.5"},
		{"12.3", 1, "12.3"},
	}
	for _, c := range cases {
		if got := insertDecimal(c.text, c.places); got != c.want {
			t.Errorf("insertDecimal(%q, %d) = %q, want %q", c.text, c.places, got, c.want)
		}
	}
}

func TestClarity(t *testing.T) {
	cases := []struct{ r, want float64 }{
		{0, 1}, {1, 1}, {0.5, 0}, {0.25, 0.5}, {0.75, 0.5},
	}
	for _, c := range cases {
		if got := clarity(c.r); math.Abs(got-c.want) > 1e-12 {
			t.Errorf("clarity(%g) = %g, want %g", c.r, got, c.want)
		}
	}
}

func TestRecognizeDeterministic(t *testing.T) {
	frame := testFrame("42", white, black)
	cfg := identityMeter()

	first, _, err := RecognizeMeter(frame, cfg)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		res, _, err := RecognizeMeter(frame, cfg)
		if err != nil {
			t.Fatal(err)
		}
		if res.RawText != first.RawText || res.Confidence != first.Confidence {
			t.Fatalf("run %d differs: %+v vs %+v", i, res, first)
		}
		if (res.Value == nil) != (first.Value == nil) {
			t.Fatalf("run %d value presence differs", i)
		}
		if res.Value != nil && *res.Value != *first.Value {
			t.Fatalf("run %d value differs: %g vs %g", i, *res.Value, *first.Value)
		}
	}
}
