// Package camera runs one capture worker per enabled camera: it opens the
// video source, paces processing, fans each frame over the configured
// meters and indicators and publishes the results.
package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // snapshot endpoints may serve PNG
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"

	"metereye/internal/model"
)

// frameTimeout is how long Read waits for a new frame before reporting a
// stream failure (drives the worker into Backoff).
const frameTimeout = 5 * time.Second

// NewSource selects a frame source by URL scheme: rtsp:// streams are read
// with an RTSP client (MJPEG track), http:// and https:// URLs are polled
// as still snapshots.
func NewSource(rawURL string) (model.FrameSource, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &model.StreamError{Op: "connect", URL: rawURL, Err: err}
	}
	switch u.Scheme {
	case "rtsp", "rtsps":
		return newRTSPSource(rawURL), nil
	case "http", "https":
		return newSnapshotSource(rawURL), nil
	default:
		return nil, &model.StreamError{Op: "connect", URL: rawURL,
			Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
}

// ── RTSP ──

// rtspSource reads an MJPEG track over RTSP. Decoded frames land in a
// capacity-1 handoff channel that always holds the newest frame; stale
// frames are evicted and counted so the worker never processes backlog.
type rtspSource struct {
	url string

	// OnDrop is invoked once per stale frame evicted from the handoff.
	OnDrop func()

	mu     sync.Mutex
	client *gortsplib.Client

	frames chan model.Frame
	seq    atomic.Uint64
}

func newRTSPSource(rawURL string) *rtspSource {
	return &rtspSource{
		url:    rawURL,
		frames: make(chan model.Frame, 1),
	}
}

// Open connects to the RTSP server, sets up the MJPEG track and starts
// playback. Frames begin arriving on the handoff channel once it returns.
func (s *rtspSource) Open(ctx context.Context) error {
	u, err := base.ParseURL(s.url)
	if err != nil {
		return &model.StreamError{Op: "connect", URL: s.url, Err: err}
	}

	c := &gortsplib.Client{
		ReadTimeout:  frameTimeout,
		WriteTimeout: frameTimeout,
	}
	if err := c.Start(u.Scheme, u.Host); err != nil {
		return &model.StreamError{Op: "connect", URL: s.url, Err: err}
	}

	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	desc, _, err := c.Describe(u)
	if err != nil {
		return &model.StreamError{Op: "connect", URL: s.url, Err: err}
	}

	var mjpeg *format.MJPEG
	medi := desc.FindFormat(&mjpeg)
	if medi == nil {
		return &model.StreamError{Op: "connect", URL: s.url,
			Err: fmt.Errorf("no MJPEG track in stream")}
	}

	dec, err := mjpeg.CreateDecoder()
	if err != nil {
		return &model.StreamError{Op: "connect", URL: s.url, Err: err}
	}

	if _, err := c.Setup(desc.BaseURL, medi, 0, 0); err != nil {
		return &model.StreamError{Op: "connect", URL: s.url, Err: err}
	}

	c.OnPacketRTP(medi, mjpeg, func(pkt *rtp.Packet) {
		enc, err := dec.Decode(pkt)
		if err != nil {
			// Partial frame or mid-stream join; decoder resyncs itself.
			return
		}
		img, err := jpeg.Decode(bytes.NewReader(enc))
		if err != nil {
			return
		}
		s.offer(model.Frame{Image: img, TS: time.Now().UTC(), Seq: s.seq.Add(1)})
	})

	if _, err := c.Play(nil); err != nil {
		return &model.StreamError{Op: "connect", URL: s.url, Err: err}
	}

	ok = true
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
	return nil
}

// offer replaces whatever frame the handoff currently holds.
func (s *rtspSource) offer(f model.Frame) {
	for {
		select {
		case s.frames <- f:
			return
		default:
		}
		select {
		case <-s.frames:
			if s.OnDrop != nil {
				s.OnDrop()
			}
		default:
		}
	}
}

// Read returns the newest available frame, waiting up to the frame timeout
// for one to arrive.
func (s *rtspSource) Read(ctx context.Context) (model.Frame, error) {
	timer := time.NewTimer(frameTimeout)
	defer timer.Stop()

	select {
	case f := <-s.frames:
		return f, nil
	case <-timer.C:
		return model.Frame{}, &model.StreamError{Op: "read", URL: s.url,
			Err: fmt.Errorf("no frame within %s", frameTimeout)}
	case <-ctx.Done():
		return model.Frame{}, ctx.Err()
	}
}

// Close stops playback and releases the connection.
func (s *rtspSource) Close() error {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mu.Unlock()
	if c != nil {
		c.Close()
	}
	return nil
}

// ── HTTP snapshot ──

// snapshotSource polls a still-image URL. Each Read is one GET + decode,
// so the newest-frame guarantee holds trivially.
type snapshotSource struct {
	url    string
	client *http.Client
	seq    atomic.Uint64
}

func newSnapshotSource(rawURL string) *snapshotSource {
	return &snapshotSource{
		url:    rawURL,
		client: &http.Client{Timeout: frameTimeout},
	}
}

// Open fetches one frame to verify the endpoint answers and decodes.
func (s *snapshotSource) Open(ctx context.Context) error {
	if _, err := s.fetch(ctx); err != nil {
		return &model.StreamError{Op: "connect", URL: s.url, Err: err}
	}
	return nil
}

func (s *snapshotSource) Read(ctx context.Context) (model.Frame, error) {
	img, err := s.fetch(ctx)
	if err != nil {
		return model.Frame{}, &model.StreamError{Op: "read", URL: s.url, Err: err}
	}
	return model.Frame{Image: img, TS: time.Now().UTC(), Seq: s.seq.Add(1)}, nil
}

func (s *snapshotSource) fetch(ctx context.Context) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot status %d", resp.StatusCode)
	}
	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return img, nil
}

func (s *snapshotSource) Close() error { return nil }
