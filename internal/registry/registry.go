// Package registry holds the process-wide runtime state: the current
// config snapshot, worker handles, the freshest frame and reading per id,
// and the subscriber lists that feed the export and streaming layers.
package registry

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"metereye/internal/config"
	"metereye/internal/model"
)

// ErrNoFrame is returned when a camera is configured but has not yet
// published a frame. The HTTP layer maps it to 409.
var ErrNoFrame = errors.New("no frame yet")

// FrameRecord is the latest encoded frame pair for one camera. The byte
// slices are replaced wholesale on every publish and never mutated, so
// readers may hold them without copying.
type FrameRecord struct {
	Raw       []byte // JPEG, quality 80
	Annotated []byte // JPEG with region outlines and labels
	TS        time.Time
}

// WorkerHandle is what the supervisor registers per running camera worker.
// The registry treats it as opaque state for the status surface.
type WorkerHandle interface {
	Status() model.CameraStatus
}

type frameEntry struct {
	mu  sync.RWMutex
	rec FrameRecord
	set bool
}

type readingSub struct {
	id uint64
	fn func(model.Event)
}

type frameSub struct {
	id uint64
	fn func(cameraID string, rec FrameRecord)
}

// Registry is safe for concurrent use by workers, sinks and HTTP handlers.
// The config snapshot swaps atomically; frames take a per-camera lock so a
// publish never blocks readers of other cameras; subscriber lists are
// copy-on-write so publishing readings stays lock-free on the hot path.
type Registry struct {
	cfg atomic.Pointer[config.Config]

	framesMu sync.RWMutex
	frames   map[string]*frameEntry

	readingsMu sync.RWMutex
	readings   map[string]model.Event

	workersMu sync.RWMutex
	workers   map[string]WorkerHandle

	subMu       sync.Mutex
	nextSubID   uint64
	readingSubs atomic.Pointer[[]readingSub]
	frameSubs   atomic.Pointer[[]frameSub]
}

// New creates a registry seeded with the initial config snapshot.
func New(cfg *config.Config) *Registry {
	r := &Registry{
		frames:   make(map[string]*frameEntry),
		readings: make(map[string]model.Event),
		workers:  make(map[string]WorkerHandle),
	}
	r.cfg.Store(cfg)
	return r
}

// Config returns the current config snapshot. Snapshots are immutable;
// callers must not modify the returned value.
func (r *Registry) Config() *config.Config {
	return r.cfg.Load()
}

// SetConfig swaps in a new config snapshot.
func (r *Registry) SetConfig(cfg *config.Config) {
	r.cfg.Store(cfg)
}

// ── Frames ──

// PublishFrame stores the latest frame pair for a camera and notifies
// frame subscribers. Subscribers run synchronously and must not block.
func (r *Registry) PublishFrame(cameraID string, rec FrameRecord) {
	e := r.frameEntry(cameraID)
	e.mu.Lock()
	e.rec = rec
	e.set = true
	e.mu.Unlock()

	if subs := r.frameSubs.Load(); subs != nil {
		for _, s := range *subs {
			s.fn(cameraID, rec)
		}
	}
}

// LatestFrame returns the newest frame pair for a camera. It returns
// ErrNoFrame for a configured camera that has not produced a frame yet and
// RegistryError for an id the config does not know.
func (r *Registry) LatestFrame(cameraID string) (FrameRecord, error) {
	r.framesMu.RLock()
	e := r.frames[cameraID]
	r.framesMu.RUnlock()

	if e != nil {
		e.mu.RLock()
		rec, ok := e.rec, e.set
		e.mu.RUnlock()
		if ok {
			return rec, nil
		}
	}
	if cfg := r.cfg.Load(); cfg != nil && cfg.Camera(cameraID) != nil {
		return FrameRecord{}, ErrNoFrame
	}
	return FrameRecord{}, &model.RegistryError{Kind: "camera", ID: cameraID}
}

func (r *Registry) frameEntry(cameraID string) *frameEntry {
	r.framesMu.RLock()
	e := r.frames[cameraID]
	r.framesMu.RUnlock()
	if e != nil {
		return e
	}

	r.framesMu.Lock()
	defer r.framesMu.Unlock()
	if e = r.frames[cameraID]; e == nil {
		e = &frameEntry{}
		r.frames[cameraID] = e
	}
	return e
}

// ── Readings ──

// PublishReading stores the event under its key and then notifies reading
// subscribers, so a subscriber always observes the registry already
// holding the value it was called with.
func (r *Registry) PublishReading(ev model.Event) {
	key := ev.Key()
	if key == "" {
		return
	}

	r.readingsMu.Lock()
	r.readings[key] = ev
	r.readingsMu.Unlock()

	if subs := r.readingSubs.Load(); subs != nil {
		for _, s := range *subs {
			s.fn(ev)
		}
	}
}

// LatestReading returns the newest event for "camera_id/meter_id" or
// "camera_id/indicator_id".
func (r *Registry) LatestReading(key string) (model.Event, error) {
	r.readingsMu.RLock()
	ev, ok := r.readings[key]
	r.readingsMu.RUnlock()
	if !ok {
		return model.Event{}, &model.RegistryError{Kind: "reading", ID: key}
	}
	return ev, nil
}

// LatestReadings returns every stored event sorted by key.
func (r *Registry) LatestReadings() []model.Event {
	r.readingsMu.RLock()
	out := make([]model.Event, 0, len(r.readings))
	for _, ev := range r.readings {
		out = append(out, ev)
	}
	r.readingsMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// ── Subscribers ──

// Subscribe registers a callback invoked on every published reading and
// returns its unsubscribe function. Callbacks run on the publisher's
// goroutine and must not block.
func (r *Registry) Subscribe(fn func(model.Event)) func() {
	r.subMu.Lock()
	r.nextSubID++
	id := r.nextSubID
	old := r.readingSubs.Load()
	next := make([]readingSub, 0, subLen(old)+1)
	if old != nil {
		next = append(next, *old...)
	}
	next = append(next, readingSub{id: id, fn: fn})
	r.readingSubs.Store(&next)
	r.subMu.Unlock()

	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		cur := r.readingSubs.Load()
		if cur == nil {
			return
		}
		kept := make([]readingSub, 0, len(*cur))
		for _, s := range *cur {
			if s.id != id {
				kept = append(kept, s)
			}
		}
		r.readingSubs.Store(&kept)
	}
}

// SubscribeFrames registers a callback invoked on every published frame,
// used by the MJPEG streaming layer. Same contract as Subscribe.
func (r *Registry) SubscribeFrames(fn func(cameraID string, rec FrameRecord)) func() {
	r.subMu.Lock()
	r.nextSubID++
	id := r.nextSubID
	old := r.frameSubs.Load()
	next := make([]frameSub, 0, frameSubLen(old)+1)
	if old != nil {
		next = append(next, *old...)
	}
	next = append(next, frameSub{id: id, fn: fn})
	r.frameSubs.Store(&next)
	r.subMu.Unlock()

	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		cur := r.frameSubs.Load()
		if cur == nil {
			return
		}
		kept := make([]frameSub, 0, len(*cur))
		for _, s := range *cur {
			if s.id != id {
				kept = append(kept, s)
			}
		}
		r.frameSubs.Store(&kept)
	}
}

func subLen(s *[]readingSub) int {
	if s == nil {
		return 0
	}
	return len(*s)
}

func frameSubLen(s *[]frameSub) int {
	if s == nil {
		return 0
	}
	return len(*s)
}

// ── Workers ──

// RegisterWorker records the handle for a spawned camera worker.
func (r *Registry) RegisterWorker(cameraID string, h WorkerHandle) {
	r.workersMu.Lock()
	r.workers[cameraID] = h
	r.workersMu.Unlock()
}

// RemoveWorker drops a stopped worker's handle.
func (r *Registry) RemoveWorker(cameraID string) {
	r.workersMu.Lock()
	delete(r.workers, cameraID)
	r.workersMu.Unlock()
}

// Worker returns the handle of a running camera worker.
func (r *Registry) Worker(cameraID string) (WorkerHandle, error) {
	r.workersMu.RLock()
	h, ok := r.workers[cameraID]
	r.workersMu.RUnlock()
	if !ok {
		return nil, &model.RegistryError{Kind: "camera", ID: cameraID}
	}
	return h, nil
}

// Statuses returns the status of every registered worker sorted by id.
func (r *Registry) Statuses() []model.CameraStatus {
	r.workersMu.RLock()
	out := make([]model.CameraStatus, 0, len(r.workers))
	for _, h := range r.workers {
		out = append(out, h.Status())
	}
	r.workersMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

// ── Pruning ──

// Prune drops frames and readings whose camera, meter or indicator no
// longer exists in cfg. The supervisor calls it after a reconcile so the
// latest-reading surface only shows configured ids.
func (r *Registry) Prune(cfg *config.Config) {
	live := make(map[string]bool)
	liveCams := make(map[string]bool)
	for _, cam := range cfg.Cameras {
		if !cam.Enabled {
			continue
		}
		liveCams[cam.ID] = true
		for _, m := range cam.Meters {
			live[cam.ID+"/"+m.ID] = true
		}
		for _, ind := range cam.Indicators {
			live[cam.ID+"/"+ind.ID] = true
		}
	}

	r.readingsMu.Lock()
	for key := range r.readings {
		if !live[key] {
			delete(r.readings, key)
		}
	}
	r.readingsMu.Unlock()

	r.framesMu.Lock()
	for id := range r.frames {
		if !liveCams[id] {
			delete(r.frames, id)
		}
	}
	r.framesMu.Unlock()
}
