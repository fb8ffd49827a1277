package vision

import (
	"image"

	"metereye/internal/config"
)

// OtsuThreshold picks the binarization threshold that maximizes inter-class
// variance of the gray histogram. The returned value T is meant for a
// "lit when v >= T" rule: internally the split puts values <= t in the dark
// class and the smallest maximizing t wins, so T = t+1.
func OtsuThreshold(img *image.Gray) uint8 {
	var hist [256]int
	b := img.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return 1
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[(y-b.Min.Y)*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			hist[row[x]]++
		}
	}

	var sum float64
	for i, n := range hist {
		sum += float64(i) * float64(n)
	}

	var sumB, wB float64
	var best float64
	bestT := 0
	for t := 0; t < 256; t++ {
		wB += float64(hist[t])
		if wB == 0 {
			continue
		}
		wF := float64(total) - wB
		if wF == 0 {
			break
		}
		sumB += float64(t) * float64(hist[t])
		mB := sumB / wB
		mF := (sum - sumB) / wF
		between := wB * wF * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			bestT = t
		}
	}
	if bestT >= 255 {
		return 255
	}
	return uint8(bestT + 1)
}

// Binarize thresholds a grayscale image into 0/255. In light_on_dark mode a
// pixel is lit when its value >= T; in dark_on_light when < T. T is the
// configured threshold, or Otsu's automatic threshold when threshold is 0.
// Returns the binary image and the threshold actually used.
func Binarize(img *image.Gray, displayMode string, threshold int) (*image.Gray, uint8) {
	t := uint8(threshold)
	if threshold == 0 {
		t = OtsuThreshold(img)
	}
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	invert := displayMode == config.DisplayDarkOnLight
	for y := 0; y < b.Dy(); y++ {
		src := img.Pix[y*img.Stride:]
		dst := out.Pix[y*out.Stride:]
		for x := 0; x < b.Dx(); x++ {
			lit := src[x] >= t
			if invert {
				lit = !lit
			}
			if lit {
				dst[x] = 255
			} else {
				dst[x] = 0
			}
		}
	}
	return out, t
}
