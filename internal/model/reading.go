package model

import (
	"encoding/json"
	"time"
)

// Reading is one decoded meter value at one instant. A failed recognition
// still produces a Reading with Value=nil, Confidence=0 and whatever partial
// RawText was decoded, so sinks can record failures.
type Reading struct {
	CameraID   string    `json:"camera_id"`
	MeterID    string    `json:"meter_id"`
	Value      *float64  `json:"value"` // nil when recognition failed
	RawText    string    `json:"raw_text"`
	Unit       string    `json:"unit"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Key returns "camera_id/meter_id", the registry key for this reading.
func (r Reading) Key() string {
	return r.CameraID + "/" + r.MeterID
}

// IndicatorReading is one on/off lamp observation. Score is the mean gray
// value (brightness mode, 0..255) or the matching-pixel ratio (color mode,
// 0..1).
type IndicatorReading struct {
	CameraID    string    `json:"camera_id"`
	IndicatorID string    `json:"indicator_id"`
	State       bool      `json:"state"`
	Score       float64   `json:"score"`
	Timestamp   time.Time `json:"timestamp"`
}

// Key returns "camera_id/indicator_id".
func (r IndicatorReading) Key() string {
	return r.CameraID + "/" + r.IndicatorID
}

// Event carries either a meter Reading or an IndicatorReading through the
// export pipeline. Exactly one of the two fields is set.
type Event struct {
	Reading   *Reading
	Indicator *IndicatorReading
}

// ReadingEvent wraps a Reading as an Event.
func ReadingEvent(r Reading) Event { return Event{Reading: &r} }

// IndicatorEvent wraps an IndicatorReading as an Event.
func IndicatorEvent(r IndicatorReading) Event { return Event{Indicator: &r} }

// Key returns the registry key of the wrapped value.
func (e Event) Key() string {
	if e.Reading != nil {
		return e.Reading.Key()
	}
	if e.Indicator != nil {
		return e.Indicator.Key()
	}
	return ""
}

// Time returns the timestamp of the wrapped value.
func (e Event) Time() time.Time {
	if e.Reading != nil {
		return e.Reading.Timestamp
	}
	if e.Indicator != nil {
		return e.Indicator.Timestamp
	}
	return time.Time{}
}

// MarshalJSON encodes the wrapped value as its wire payload.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Reading != nil {
		return json.Marshal(e.Reading)
	}
	return json.Marshal(e.Indicator)
}
