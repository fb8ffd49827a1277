package vision

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"metereye/internal/config"
)

var (
	meterOutline     = color.RGBA{0, 220, 60, 255}
	indicatorOutline = color.RGBA{250, 200, 0, 255}
)

// Annotate copies the frame and draws each meter and indicator region as a
// quad outline with its name at the top-left corner. Used for the annotated
// snapshot the streaming surface serves.
func Annotate(src image.Image, cam config.CameraConfig) *image.RGBA {
	b := src.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), src, b.Min, draw.Src)

	for _, m := range cam.Meters {
		drawQuad(out, m.Perspective.Points, meterOutline)
		drawLabel(out, m.Perspective.Points[0], m.Name, meterOutline)
	}
	for _, ind := range cam.Indicators {
		drawQuad(out, ind.Perspective.Points, indicatorOutline)
		drawLabel(out, ind.Perspective.Points[0], ind.Name, indicatorOutline)
	}
	return out
}

func drawQuad(img *image.RGBA, pts [4]config.Point, c color.RGBA) {
	for i := 0; i < 4; i++ {
		p0 := pts[i]
		p1 := pts[(i+1)%4]
		drawLine(img, p0.X, p0.Y, p1.X, p1.Y, c)
	}
}

// drawLine is Bresenham's algorithm; out-of-bounds pixels are skipped.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx := 1
	if x0 > x1 {
		sx = -1
	}
	sy := 1
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	for {
		if image.Pt(x0, y0).In(img.Bounds()) {
			img.SetRGBA(x0, y0, c)
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func drawLabel(img *image.RGBA, at config.Point, text string, c color.RGBA) {
	if text == "" {
		return
	}
	y := at.Y - 4
	if y < basicfont.Face7x13.Ascent {
		y = at.Y + basicfont.Face7x13.Height + 4
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(at.X), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
