package model

import "fmt"

// StreamError reports a camera source failure. It drives the worker state
// machine and is surfaced only as a status flag on the camera.
type StreamError struct {
	Op  string // "connect", "read", "decode"
	URL string
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// RecognitionError is caught at the worker boundary and converted into a
// failure Reading; it never propagates further.
type RecognitionError struct {
	Kind string // "warp", "segment", "classify", "decode"
	Err  error
}

func (e *RecognitionError) Error() string {
	return fmt.Sprintf("recognition %s: %v", e.Kind, e.Err)
}

func (e *RecognitionError) Unwrap() error { return e.Err }

// ExportError reports a sink failure. Transient errors trigger per-sink
// backoff; permanent ones drop the item.
type ExportError struct {
	Sink      string
	Transient bool
	Err       error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export %s: %v", e.Sink, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }

// RegistryError reports a lookup of an id the registry does not know.
// It indicates a programming or routing error and fails fast at the caller.
type RegistryError struct {
	Kind string // "camera", "reading"
	ID   string
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry: unknown %s %q", e.Kind, e.ID)
}
