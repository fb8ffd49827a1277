package model

import (
	"image"
	"time"
)

// Frame is one decoded video frame from a camera source.
type Frame struct {
	Image image.Image
	TS    time.Time // wall-clock time the frame was decoded
	Seq   uint64    // per-source sequence number
}

// CameraState is the connection state of a camera worker, reported on the
// status surface.
type CameraState int32

const (
	CameraDisabled CameraState = iota
	CameraConnecting
	CameraRunning
	CameraBackoff
	CameraStopping
)

func (s CameraState) String() string {
	switch s {
	case CameraConnecting:
		return "connecting"
	case CameraRunning:
		return "running"
	case CameraBackoff:
		return "backoff"
	case CameraStopping:
		return "stopping"
	default:
		return "disabled"
	}
}

// MarshalJSON encodes the state as its lowercase string form.
func (s CameraState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// CameraStatus is the per-camera health record kept by the registry.
type CameraStatus struct {
	CameraID  string      `json:"camera_id"`
	State     CameraState `json:"state"`
	LastError string      `json:"last_error,omitempty"`
	LastFrame time.Time   `json:"last_frame,omitempty"`
	Frames    uint64      `json:"frames"`
	Since     time.Time   `json:"since"`
}
