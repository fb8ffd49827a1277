package camera

import (
	"bytes"
	"context"
	"image/jpeg"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"metereye/internal/config"
	"metereye/internal/metrics"
	"metereye/internal/model"
	"metereye/internal/registry"
	"metereye/internal/vision"
)

const (
	backoffBase = 1 * time.Second
	backoffCap  = 30 * time.Second

	jpegQuality = 80

	// Identical recognition failures are logged at most once per meter
	// per this window.
	errLogWindow = time.Minute
)

// Worker is the capture loop for one camera. The supervisor spawns one per
// enabled camera and stops it cooperatively via Stop; the worker re-reads
// its CameraConfig from the registry snapshot at every frame boundary, so
// a hot reload takes effect without a restart unless the supervisor
// decided the definition changed structurally.
type Worker struct {
	cameraID string
	reg      *registry.Registry
	dispatch func(model.Event)
	mx       *metrics.Metrics

	// newSource is a seam for tests; defaults to NewSource.
	newSource func(url string) (model.FrameSource, error)

	stop chan struct{}
	once sync.Once
	done chan struct{}

	state    atomic.Int32
	frames   atomic.Uint64
	since    time.Time
	statusMu sync.Mutex
	lastErr  string
	lastTS   time.Time

	logMu   sync.Mutex
	lastLog map[string]time.Time
}

// NewWorker creates a worker for one camera id. Run must be called on its
// own goroutine.
func NewWorker(cameraID string, reg *registry.Registry, dispatch func(model.Event), mx *metrics.Metrics) *Worker {
	w := &Worker{
		cameraID:  cameraID,
		reg:       reg,
		dispatch:  dispatch,
		mx:        mx,
		newSource: NewSource,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		since:     time.Now().UTC(),
		lastLog:   make(map[string]time.Time),
	}
	w.state.Store(int32(model.CameraConnecting))
	return w
}

// Stop requests a cooperative stop. It returns immediately; Done closes
// when the loop has exited.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stop) })
}

// Done is closed when the frame loop has exited and the source is released.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Status reports the worker's state for the REST surface and the health
// rollup.
func (w *Worker) Status() model.CameraStatus {
	w.statusMu.Lock()
	lastErr, lastTS := w.lastErr, w.lastTS
	w.statusMu.Unlock()
	return model.CameraStatus{
		CameraID:  w.cameraID,
		State:     model.CameraState(w.state.Load()),
		LastError: lastErr,
		LastFrame: lastTS,
		Frames:    w.frames.Load(),
		Since:     w.since,
	}
}

func (w *Worker) setState(s model.CameraState) {
	w.state.Store(int32(s))
	if s == model.CameraRunning {
		w.mx.CameraUp.WithLabelValues(w.cameraID).Set(1)
	} else {
		w.mx.CameraUp.WithLabelValues(w.cameraID).Set(0)
	}
}

func (w *Worker) setError(err error) {
	w.statusMu.Lock()
	if err != nil {
		w.lastErr = err.Error()
	} else {
		w.lastErr = ""
	}
	w.statusMu.Unlock()
}

func (w *Worker) stopped() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// Run is the state machine: Connecting -> Running -> Backoff -> Connecting,
// with Stopping reachable from anywhere via Stop. Blocks until stopped.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	defer w.setState(model.CameraStopping)
	defer w.mx.CameraUp.WithLabelValues(w.cameraID).Set(0)

	backoff := backoffBase
	for {
		if w.stopped() || ctx.Err() != nil {
			return
		}

		cam := w.cameraConfig()
		if cam == nil {
			return
		}

		w.setState(model.CameraConnecting)
		w.mx.Reconnects.WithLabelValues(w.cameraID).Inc()
		src, err := w.openSource(ctx, cam.URL)
		if err != nil {
			w.setError(err)
			log.Printf("[camera %s] connect failed: %v (retry in %s)", w.cameraID, err, backoff)
			w.setState(model.CameraBackoff)
			if !w.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		w.setError(nil)
		w.setState(model.CameraRunning)
		log.Printf("[camera %s] stream open: %s", w.cameraID, cam.URL)
		backoff = backoffBase

		err = w.frameLoop(ctx, src)
		src.Close()
		if w.stopped() || ctx.Err() != nil {
			return
		}

		w.setError(err)
		log.Printf("[camera %s] stream lost: %v (retry in %s)", w.cameraID, err, backoff)
		w.setState(model.CameraBackoff)
		if !w.sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

// cameraConfig reads this camera's definition from the current snapshot.
// Returns nil when the camera was removed or disabled by a reload.
func (w *Worker) cameraConfig() *config.CameraConfig {
	cam := w.reg.Config().Camera(w.cameraID)
	if cam == nil || !cam.Enabled {
		return nil
	}
	return cam
}

func (w *Worker) openSource(ctx context.Context, url string) (model.FrameSource, error) {
	src, err := w.newSource(url)
	if err != nil {
		return nil, err
	}
	if rs, ok := src.(*rtspSource); ok {
		rs.OnDrop = func() { w.mx.FramesDropped.WithLabelValues(w.cameraID).Inc() }
	}
	if err := src.Open(ctx); err != nil {
		src.Close()
		return nil, err
	}
	return src, nil
}

// frameLoop processes frames until the stream fails or a stop is
// requested. Returns the stream error that ended it.
func (w *Worker) frameLoop(ctx context.Context, src model.FrameSource) error {
	var lastProcess time.Time
	for {
		if w.stopped() || ctx.Err() != nil {
			return nil
		}

		// Pace to the configured interval; the config is re-read every
		// iteration so a reload changes the cadence at the next frame.
		cam := w.cameraConfig()
		if cam == nil {
			w.Stop()
			return nil
		}
		interval := time.Duration(cam.ProcessingInterval * float64(time.Second))
		if !lastProcess.IsZero() {
			if wait := time.Until(lastProcess.Add(interval)); wait > 0 {
				if !w.sleep(ctx, wait) {
					return nil
				}
			}
		}

		frame, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.mx.FrameFailures.WithLabelValues(w.cameraID).Inc()
			return err
		}
		lastProcess = time.Now()

		// Snapshot the config once for the whole frame so meters and
		// indicators of one iteration agree on the definition.
		cam = w.cameraConfig()
		if cam == nil {
			w.Stop()
			return nil
		}
		w.processFrame(frame, cam)
	}
}

func (w *Worker) processFrame(frame model.Frame, cam *config.CameraConfig) {
	start := time.Now()
	now := time.Now().UTC()

	for _, m := range cam.Meters {
		reading := w.readMeter(frame, cam.ID, m, now)
		ev := model.ReadingEvent(reading)
		w.reg.PublishReading(ev)
		w.dispatch(ev)
		w.mx.ReadingsTotal.Inc()
		if reading.Value == nil {
			w.mx.ReadFailures.Inc()
		}
	}

	for _, ind := range cam.Indicators {
		reading := w.readIndicator(frame, cam.ID, ind, now)
		ev := model.IndicatorEvent(reading)
		w.reg.PublishReading(ev)
		w.dispatch(ev)
		w.mx.IndicatorsTotal.Inc()
	}

	w.publishFrame(frame, cam)

	w.frames.Add(1)
	w.statusMu.Lock()
	w.lastTS = frame.TS
	w.statusMu.Unlock()
	w.mx.FramesTotal.WithLabelValues(w.cameraID).Inc()
	w.mx.ProcessDur.Observe(time.Since(start).Seconds())
}

// readMeter never fails: a recognition error degrades to a failure Reading
// with a throttled log line.
func (w *Worker) readMeter(frame model.Frame, cameraID string, m config.MeterConfig, ts time.Time) model.Reading {
	r := model.Reading{
		CameraID:  cameraID,
		MeterID:   m.ID,
		Unit:      m.Unit,
		Timestamp: ts,
	}
	res, _, err := vision.RecognizeMeter(frame.Image, m)
	if err != nil {
		w.logThrottled(m.ID+"/warp", "meter %s: %v", m.ID, err)
		return r
	}
	r.Value = res.Value
	r.RawText = res.RawText
	r.Confidence = res.Confidence
	return r
}

func (w *Worker) readIndicator(frame model.Frame, cameraID string, ind config.IndicatorConfig, ts time.Time) model.IndicatorReading {
	r := model.IndicatorReading{
		CameraID:    cameraID,
		IndicatorID: ind.ID,
		Timestamp:   ts,
	}
	res, _, err := vision.DetectIndicator(frame.Image, ind)
	if err != nil {
		w.logThrottled(ind.ID+"/warp", "indicator %s: %v", ind.ID, err)
		return r
	}
	r.State = res.State
	r.Score = res.Score
	return r
}

// publishFrame stores the JPEG-encoded raw and annotated frame pair so the
// snapshot and MJPEG endpoints can serve them.
func (w *Worker) publishFrame(frame model.Frame, cam *config.CameraConfig) {
	var raw bytes.Buffer
	if err := jpeg.Encode(&raw, frame.Image, &jpeg.Options{Quality: jpegQuality}); err != nil {
		w.logThrottled("frame/encode", "jpeg encode: %v", err)
		return
	}

	var annotated bytes.Buffer
	if err := jpeg.Encode(&annotated, vision.Annotate(frame.Image, *cam), &jpeg.Options{Quality: jpegQuality}); err != nil {
		w.logThrottled("frame/annotate", "jpeg encode annotated: %v", err)
		annotated.Reset()
		annotated.Write(raw.Bytes())
	}

	w.reg.PublishFrame(cam.ID, registry.FrameRecord{
		Raw:       raw.Bytes(),
		Annotated: annotated.Bytes(),
		TS:        frame.TS,
	})
}

// logThrottled logs one line per key per errLogWindow.
func (w *Worker) logThrottled(key, format string, args ...any) {
	w.logMu.Lock()
	last, seen := w.lastLog[key]
	now := time.Now()
	if seen && now.Sub(last) < errLogWindow {
		w.logMu.Unlock()
		return
	}
	w.lastLog[key] = now
	w.logMu.Unlock()
	log.Printf("[camera "+w.cameraID+"] "+format, args...)
}

// sleep waits for d, a stop request or ctx, whichever first. Returns false
// when the worker should exit.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-w.stop:
		return false
	case <-ctx.Done():
		return false
	}
}
