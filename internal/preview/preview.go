// Package preview runs ad-hoc recognition against a camera's latest frame
// so the web UI can tune a meter or indicator definition before saving it.
// It shares nothing with the worker loop beyond reading that frame.
package preview

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"time"

	"metereye/internal/config"
	"metereye/internal/model"
	"metereye/internal/registry"
	"metereye/internal/vision"
)

// Debug carries the intermediate pipeline images, PNG-encoded for the
// HTTP response.
type Debug struct {
	WarpedPNG      []byte `json:"-"`
	ThresholdedPNG []byte `json:"-"`
	Threshold      uint8  `json:"threshold"`
}

// MeterPreview is the result of one ad-hoc meter recognition.
type MeterPreview struct {
	Result model.Reading `json:"result"`
	Debug  Debug         `json:"debug"`
}

// IndicatorPreview is the result of one ad-hoc indicator detection.
type IndicatorPreview struct {
	Result model.IndicatorReading `json:"result"`
	Debug  Debug                  `json:"debug"`
}

// Meter borrows the camera's latest raw frame and runs the recognizer with
// the supplied (not necessarily saved) meter definition. Returns
// registry.ErrNoFrame when the camera has not produced a frame yet.
func Meter(reg *registry.Registry, cameraID string, m config.MeterConfig) (*MeterPreview, error) {
	frame, ts, err := latestImage(reg, cameraID)
	if err != nil {
		return nil, err
	}

	res, dbg, err := vision.RecognizeMeter(frame, m)
	if err != nil {
		return nil, fmt.Errorf("preview: %w", err)
	}

	out := &MeterPreview{
		Result: model.Reading{
			CameraID:   cameraID,
			MeterID:    m.ID,
			Value:      res.Value,
			RawText:    res.RawText,
			Unit:       m.Unit,
			Confidence: res.Confidence,
			Timestamp:  ts,
		},
	}
	if dbg != nil {
		out.Debug.Threshold = dbg.Threshold
		if out.Debug.WarpedPNG, err = encodePNG(dbg.Warped); err != nil {
			return nil, err
		}
		if out.Debug.ThresholdedPNG, err = encodePNG(dbg.Thresholded); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Indicator is the detector counterpart of Meter.
func Indicator(reg *registry.Registry, cameraID string, ind config.IndicatorConfig) (*IndicatorPreview, error) {
	frame, ts, err := latestImage(reg, cameraID)
	if err != nil {
		return nil, err
	}

	res, dbg, err := vision.DetectIndicator(frame, ind)
	if err != nil {
		return nil, fmt.Errorf("preview: %w", err)
	}

	out := &IndicatorPreview{
		Result: model.IndicatorReading{
			CameraID:    cameraID,
			IndicatorID: ind.ID,
			State:       res.State,
			Score:       res.Score,
			Timestamp:   ts,
		},
	}
	if dbg != nil {
		if out.Debug.WarpedPNG, err = encodePNG(dbg.Warped); err != nil {
			return nil, err
		}
		if out.Debug.ThresholdedPNG, err = encodePNG(dbg.Mask); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// latestImage decodes the camera's stored raw JPEG back into an image.
func latestImage(reg *registry.Registry, cameraID string) (image.Image, time.Time, error) {
	rec, err := reg.LatestFrame(cameraID)
	if err != nil {
		return nil, time.Time{}, err
	}
	img, err := jpeg.Decode(bytes.NewReader(rec.Raw))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("preview: decode stored frame: %w", err)
	}
	return img, rec.TS, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("preview: encode png: %w", err)
	}
	return buf.Bytes(), nil
}
