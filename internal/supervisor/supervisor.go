// Package supervisor reconciles the set of running camera workers against
// the current config snapshot and owns reload and shutdown.
package supervisor

import (
	"context"
	"log"
	"reflect"
	"sync"
	"time"

	"metereye/internal/camera"
	"metereye/internal/config"
	"metereye/internal/export"
	"metereye/internal/metrics"
	"metereye/internal/model"
	"metereye/internal/registry"
)

const (
	// How long a cooperative stop waits before the worker is abandoned.
	stopTimeout = 5 * time.Second

	// Total grace period for shutdown drain.
	shutdownTimeout = 10 * time.Second

	statsInterval = time.Minute
)

type workerEntry struct {
	worker *camera.Worker
	cfg    config.CameraConfig // definition the worker was spawned with
	cancel context.CancelFunc
}

// Supervisor owns the camera workers. All mutations of the worker set go
// through reconcile under one mutex; reads of worker state go through the
// registry.
type Supervisor struct {
	reg        *registry.Registry
	dispatcher *export.Dispatcher
	mx         *metrics.Metrics
	health     *metrics.HealthStatus
	configPath string

	ctx context.Context

	mu      sync.Mutex
	workers map[string]*workerEntry
}

// New creates a supervisor. configPath is re-read on Reload.
func New(reg *registry.Registry, d *export.Dispatcher, mx *metrics.Metrics, health *metrics.HealthStatus, configPath string) *Supervisor {
	return &Supervisor{
		reg:        reg,
		dispatcher: d,
		mx:         mx,
		health:     health,
		configPath: configPath,
		workers:    make(map[string]*workerEntry),
	}
}

// Start performs the initial reconcile and launches the stats logger.
// Workers inherit ctx: cancelling it stops every frame loop.
func (s *Supervisor) Start(ctx context.Context) {
	s.ctx = ctx
	s.reconcile(s.reg.Config())
	go s.statsLoop(ctx)
}

// Reload loads the config file again and, if it validates, swaps the
// snapshot and reconciles workers. A failed load leaves the running
// snapshot and the worker set untouched.
func (s *Supervisor) Reload() error {
	cfg, err := config.Load(s.configPath)
	if err != nil {
		log.Printf("[supervisor] reload rejected: %v", err)
		return err
	}
	s.Apply(cfg)
	return nil
}

// Apply swaps in an already-validated snapshot and reconciles. Used by
// Reload and by the REST config PUT.
func (s *Supervisor) Apply(cfg *config.Config) {
	s.reg.SetConfig(cfg)
	s.reconcile(cfg)
	s.reg.Prune(cfg)
	log.Printf("[supervisor] applied config: %d cameras, %d running", len(cfg.Cameras), s.runningCount())
}

// reconcile diffs the running worker set against the target snapshot:
// spawn missing, stop removed or disabled, replace changed definitions,
// leave unchanged ones alone.
func (s *Supervisor) reconcile(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := make(map[string]config.CameraConfig)
	for _, cam := range cfg.Cameras {
		if cam.Enabled {
			target[cam.ID] = cam
		}
	}

	for id, entry := range s.workers {
		want, ok := target[id]
		switch {
		case !ok:
			log.Printf("[supervisor] stopping camera %s (removed or disabled)", id)
			s.stopLocked(id, entry)
		case !reflect.DeepEqual(entry.cfg, want):
			log.Printf("[supervisor] restarting camera %s (definition changed)", id)
			s.stopLocked(id, entry)
		}
	}

	for id, cam := range target {
		if _, running := s.workers[id]; running {
			continue
		}
		s.spawnLocked(id, cam)
	}

	s.updateHealthLocked(len(target))
}

func (s *Supervisor) spawnLocked(id string, cam config.CameraConfig) {
	ctx, cancel := context.WithCancel(s.ctx)
	w := camera.NewWorker(id, s.reg, s.dispatcher.Dispatch, s.mx)
	s.workers[id] = &workerEntry{worker: w, cfg: cam, cancel: cancel}
	s.reg.RegisterWorker(id, w)
	go w.Run(ctx)
	log.Printf("[supervisor] started camera %s (%s)", id, cam.Name)
}

// stopLocked requests a cooperative stop and waits up to stopTimeout.
// A worker that does not exit in time is abandoned and logged as a leak.
func (s *Supervisor) stopLocked(id string, entry *workerEntry) {
	entry.worker.Stop()
	entry.cancel()
	select {
	case <-entry.worker.Done():
	case <-time.After(stopTimeout):
		log.Printf("[supervisor] WARNING: camera %s did not stop within %s, abandoning (leaked goroutine)", id, stopTimeout)
	}
	delete(s.workers, id)
	s.reg.RemoveWorker(id)
}

// Shutdown stops every worker (target = empty set) within the shutdown
// grace period.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := time.Now().Add(shutdownTimeout)
	for _, entry := range s.workers {
		entry.worker.Stop()
		entry.cancel()
	}
	for id, entry := range s.workers {
		wait := time.Until(deadline)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-entry.worker.Done():
		case <-time.After(wait):
			log.Printf("[supervisor] WARNING: camera %s did not stop before shutdown deadline", id)
		}
		delete(s.workers, id)
		s.reg.RemoveWorker(id)
	}
	log.Println("[supervisor] all camera workers stopped")
}

func (s *Supervisor) runningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

func (s *Supervisor) updateHealthLocked(total int) {
	running := 0
	for _, entry := range s.workers {
		if entry.worker.Status().State == model.CameraRunning {
			running++
		}
	}
	s.health.SetCameras(running, total)
}

// statsLoop logs pipeline counters once a minute and keeps the health
// camera tally fresh.
func (s *Supervisor) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.dispatcher.Stats()
			statuses := s.reg.Statuses()
			running := 0
			var frames uint64
			var newest time.Time
			for _, cs := range statuses {
				if cs.State == model.CameraRunning {
					running++
				}
				frames += cs.Frames
				if cs.LastFrame.After(newest) {
					newest = cs.LastFrame
				}
			}
			s.health.SetCameras(running, len(statuses))
			if !newest.IsZero() {
				s.health.SetLastFrameTime(newest)
			}
			log.Printf("[supervisor] stats: cameras=%d/%d frames=%d emitted=%d delivered=%d dropped=%d queue=%d/%d",
				running, len(statuses), frames, st.Emitted, st.Delivered, st.Dropped, st.Queued, st.Capacity)
		}
	}
}
