// Package vision holds the pure image-processing path: perspective warp,
// thresholding, digit segmentation, seven-segment classification and
// indicator detection. Nothing in here touches shared state or blocks;
// given identical input bytes and configuration the output is identical
// bit for bit.
package vision

import (
	"image"
	"image/color"

	"gonum.org/v1/gonum/mat"

	"metereye/internal/config"
)

// Homography is a 3x3 projective transform in row-major order.
type Homography [3][3]float64

// Apply maps (x, y) through the transform, returning source coordinates.
func (h Homography) Apply(x, y float64) (float64, float64) {
	d := h[2][0]*x + h[2][1]*y + h[2][2]
	u := (h[0][0]*x + h[0][1]*y + h[0][2]) / d
	v := (h[1][0]*x + h[1][1]*y + h[1][2]) / d
	return u, v
}

// PerspectiveMatrix solves the homography that maps the four src corners to
// the four dst corners. Corners correspond pairwise. Fails if the points are
// degenerate (three or more collinear).
func PerspectiveMatrix(src, dst [4][2]float64) (Homography, error) {
	// Eight unknowns h00..h21 with h22 fixed at 1; two equations per
	// correspondence.
	a := mat.NewDense(8, 8, nil)
	b := mat.NewVecDense(8, nil)
	for i := 0; i < 4; i++ {
		x, y := src[i][0], src[i][1]
		u, v := dst[i][0], dst[i][1]
		a.SetRow(2*i, []float64{x, y, 1, 0, 0, 0, -u * x, -u * y})
		a.SetRow(2*i+1, []float64{0, 0, 0, x, y, 1, -v * x, -v * y})
		b.SetVec(2*i, u)
		b.SetVec(2*i+1, v)
	}

	var h mat.VecDense
	if err := h.SolveVec(a, b); err != nil {
		return Homography{}, &BadQuadError{Err: err}
	}
	return Homography{
		{h.AtVec(0), h.AtVec(1), h.AtVec(2)},
		{h.AtVec(3), h.AtVec(4), h.AtVec(5)},
		{h.AtVec(6), h.AtVec(7), 1},
	}, nil
}

// BadQuadError reports perspective points that do not form a usable
// quadrilateral.
type BadQuadError struct {
	Err error
}

func (e *BadQuadError) Error() string { return "vision: degenerate perspective quad: " + e.Err.Error() }
func (e *BadQuadError) Unwrap() error { return e.Err }

// inverseTransform returns the homography mapping output-rectangle pixels
// back into the source quad, suitable for inverse-mapped sampling. The quad
// corners are TL, TR, BR, BL; they land on the output corners
// (0,0), (w-1,0), (w-1,h-1), (0,h-1).
func inverseTransform(p config.Perspective) (Homography, error) {
	w := float64(p.OutputWidth)
	h := float64(p.OutputHeight)
	dst := [4][2]float64{
		{0, 0},
		{w - 1, 0},
		{w - 1, h - 1},
		{0, h - 1},
	}
	src := [4][2]float64{}
	for i, pt := range p.Points {
		src[i] = [2]float64{float64(pt.X), float64(pt.Y)}
	}
	// Solve in the output->source direction so sampling needs no matrix
	// inversion.
	return PerspectiveMatrix(dst, src)
}

// WarpRGBA warps the source quad into an RGBA image of the configured
// output size using nearest-neighbor sampling. Pixels that map outside the
// source bounds come out black.
func WarpRGBA(src image.Image, p config.Perspective) (*image.RGBA, error) {
	inv, err := inverseTransform(p)
	if err != nil {
		return nil, err
	}
	bounds := src.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, p.OutputWidth, p.OutputHeight))
	for y := 0; y < p.OutputHeight; y++ {
		for x := 0; x < p.OutputWidth; x++ {
			sx, sy := inv.Apply(float64(x), float64(y))
			px := bounds.Min.X + int(sx+0.5)
			py := bounds.Min.Y + int(sy+0.5)
			if px < bounds.Min.X || px >= bounds.Max.X || py < bounds.Min.Y || py >= bounds.Max.Y {
				continue
			}
			out.Set(x, y, src.At(px, py))
		}
	}
	return out, nil
}

// WarpChannel warps the source quad and extracts a single channel into a
// grayscale image. Channel is one of config.ChannelRed/Green/Blue/Gray;
// gray uses the standard luminance weights 0.299R + 0.587G + 0.114B.
func WarpChannel(src image.Image, p config.Perspective, channel string) (*image.Gray, error) {
	inv, err := inverseTransform(p)
	if err != nil {
		return nil, err
	}
	bounds := src.Bounds()
	out := image.NewGray(image.Rect(0, 0, p.OutputWidth, p.OutputHeight))
	for y := 0; y < p.OutputHeight; y++ {
		row := out.Pix[y*out.Stride:]
		for x := 0; x < p.OutputWidth; x++ {
			sx, sy := inv.Apply(float64(x), float64(y))
			px := bounds.Min.X + int(sx+0.5)
			py := bounds.Min.Y + int(sy+0.5)
			if px < bounds.Min.X || px >= bounds.Max.X || py < bounds.Min.Y || py >= bounds.Max.Y {
				row[x] = 0
				continue
			}
			row[x] = extractChannel(src.At(px, py), channel)
		}
	}
	return out, nil
}

func extractChannel(c color.Color, channel string) uint8 {
	r, g, b, _ := c.RGBA()
	r8, g8, b8 := uint32(r>>8), uint32(g>>8), uint32(b>>8)
	switch channel {
	case config.ChannelRed:
		return uint8(r8)
	case config.ChannelGreen:
		return uint8(g8)
	case config.ChannelBlue:
		return uint8(b8)
	default: // gray
		return uint8((299*r8 + 587*g8 + 114*b8) / 1000)
	}
}
