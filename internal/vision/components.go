package vision

import "image"

// Component is one 4-connected region of lit pixels in a binary image.
type Component struct {
	MinX, MinY int
	MaxX, MaxY int // inclusive
	Area       int
	CentroidX  float64
	CentroidY  float64
}

// Width returns the bounding-box width in pixels.
func (c Component) Width() int { return c.MaxX - c.MinX + 1 }

// Height returns the bounding-box height in pixels.
func (c Component) Height() int { return c.MaxY - c.MinY + 1 }

// FindComponents labels 4-connected regions of nonzero pixels. Components
// are returned in row-major discovery order; callers sort as needed. The
// scan is deterministic.
func FindComponents(bin *image.Gray) []Component {
	w := bin.Bounds().Dx()
	h := bin.Bounds().Dy()
	if w == 0 || h == 0 {
		return nil
	}

	visited := make([]bool, w*h)
	lit := func(x, y int) bool { return bin.Pix[y*bin.Stride+x] != 0 }

	var comps []Component
	stack := make([][2]int, 0, 256)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if visited[y*w+x] || !lit(x, y) {
				continue
			}
			c := Component{MinX: x, MinY: y, MaxX: x, MaxY: y}
			var sumX, sumY int

			stack = stack[:0]
			stack = append(stack, [2]int{x, y})
			visited[y*w+x] = true
			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				px, py := p[0], p[1]

				c.Area++
				sumX += px
				sumY += py
				if px < c.MinX {
					c.MinX = px
				}
				if px > c.MaxX {
					c.MaxX = px
				}
				if py < c.MinY {
					c.MinY = py
				}
				if py > c.MaxY {
					c.MaxY = py
				}

				for _, d := range [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
					nx, ny := px+d[0], py+d[1]
					if nx < 0 || nx >= w || ny < 0 || ny >= h {
						continue
					}
					if visited[ny*w+nx] || !lit(nx, ny) {
						continue
					}
					visited[ny*w+nx] = true
					stack = append(stack, [2]int{nx, ny})
				}
			}

			c.CentroidX = float64(sumX) / float64(c.Area)
			c.CentroidY = float64(sumY) / float64(c.Area)
			comps = append(comps, c)
		}
	}
	return comps
}

// litFraction returns the share of nonzero pixels inside the given region
// of the binary image. Coordinates are clamped to the image; an empty
// region yields 0.
func litFraction(bin *image.Gray, x0, y0, x1, y1 int) float64 {
	w := bin.Bounds().Dx()
	h := bin.Bounds().Dy()
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if x1 > w {
		x1 = w
	}
	if y1 > h {
		y1 = h
	}
	if x1 <= x0 || y1 <= y0 {
		return 0
	}
	lit := 0
	for y := y0; y < y1; y++ {
		row := bin.Pix[y*bin.Stride:]
		for x := x0; x < x1; x++ {
			if row[x] != 0 {
				lit++
			}
		}
	}
	return float64(lit) / float64((x1-x0)*(y1-y0))
}
