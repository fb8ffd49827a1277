package model

import "context"

// ── Port Interfaces ──
// These interfaces decouple the pipeline from concrete implementations
// (RTSP vs snapshot sources, HTTP vs database vs MQTT sinks).

// FrameSource yields decoded frames from a camera stream.
type FrameSource interface {
	// Open establishes the connection. Blocks until connected or ctx is done.
	Open(ctx context.Context) error

	// Read returns the next frame. Implementations skip to the newest
	// available frame; a stale queue is never replayed.
	Read(ctx context.Context) (Frame, error)

	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Sink is an export destination for readings. Submit never blocks the
// caller: each sink owns a bounded queue and drops on overflow.
type Sink interface {
	// Name identifies the sink in logs and metrics ("http", "database", "mqtt").
	Name() string

	// Start launches the sink's consumer. Blocks until ctx is cancelled.
	Start(ctx context.Context)

	// Submit enqueues one event. Non-blocking.
	Submit(ev Event)

	// Flush forces any buffered batch out.
	Flush()

	// Stop flushes and releases resources. Called after Start has returned.
	Stop()
}

// Subscriber receives every event published to the registry. Used by the
// export dispatcher and the streaming surface.
type Subscriber func(ev Event)
