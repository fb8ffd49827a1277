package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"metereye/internal/config"
	"metereye/internal/metrics"
	"metereye/internal/model"
)

const (
	sinkQueueSize  = 1000
	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second
)

// HTTPSink batches readings and POSTs them as
// {"readings":[...],"count":N} to a webhook-style endpoint. A batch goes
// out when it reaches cfg.BatchSize or when cfg.IntervalSeconds has
// passed since its first item, whichever comes first. Transient failures
// (network, 5xx) retry with exponential backoff while keeping the batch;
// 4xx responses drop it.
type HTTPSink struct {
	cfg     config.HTTPExportConfig
	client  *http.Client
	queue   chan model.Event
	flushCh chan struct{}
	mx      *metrics.Metrics

	batch []model.Event // owned by the Start goroutine
}

// NewHTTPSink creates the sink. Start must be running before Submit is
// useful; submitted events wait in the queue until then.
func NewHTTPSink(cfg config.HTTPExportConfig, mx *metrics.Metrics) *HTTPSink {
	return &HTTPSink{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds * float64(time.Second)),
		},
		queue:   make(chan model.Event, sinkQueueSize),
		flushCh: make(chan struct{}, 1),
		mx:      mx,
	}
}

func (s *HTTPSink) Name() string { return "http" }

// Submit enqueues one event. Non-blocking; a full queue evicts its oldest
// entry.
func (s *HTTPSink) Submit(ev model.Event) {
	s.mx.SinkSubmitted.WithLabelValues("http").Inc()
	offer(s.queue, ev, func() {
		s.mx.SinkQueueDrops.WithLabelValues("http").Inc()
	})
}

// Flush asks the batch loop for an immediate delivery.
func (s *HTTPSink) Flush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

// Stop releases idle connections. The final batch already went out when
// Start returned.
func (s *HTTPSink) Stop() {
	s.client.CloseIdleConnections()
}

// Start runs the batch loop. Blocks until ctx is cancelled, then drains
// the queue and makes one final delivery attempt.
func (s *HTTPSink) Start(ctx context.Context) {
	interval := time.Duration(s.cfg.IntervalSeconds * float64(time.Second))
	timer := time.NewTimer(time.Hour)
	stopTimer(timer)

	for {
		select {
		case <-ctx.Done():
			s.drain()
			s.finalFlush()
			return

		case ev := <-s.queue:
			s.batch = append(s.batch, ev)
			if len(s.batch) == 1 {
				timer.Reset(interval)
			}
			if len(s.batch) >= s.cfg.BatchSize {
				s.flushWithRetry(ctx)
				stopTimer(timer)
			}

		case <-timer.C:
			s.flushWithRetry(ctx)

		case <-s.flushCh:
			s.flushWithRetry(ctx)
			stopTimer(timer)
		}
	}
}

func (s *HTTPSink) drain() {
	for {
		select {
		case ev := <-s.queue:
			s.batch = append(s.batch, ev)
		default:
			return
		}
	}
}

// finalFlush makes a single attempt with its own deadline; the run context
// is already cancelled by the time it is called.
func (s *HTTPSink) finalFlush() {
	if len(s.batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.post(ctx); err != nil {
		log.Printf("[export-http] final flush dropped %d readings: %v", len(s.batch), err)
	}
	s.batch = nil
}

func (s *HTTPSink) flushWithRetry(ctx context.Context) {
	if len(s.batch) == 0 {
		return
	}
	backoff := initialBackoff
	for {
		err := s.post(ctx)
		if err == nil {
			s.batch = s.batch[:0]
			return
		}
		s.mx.SinkFailures.WithLabelValues("http").Inc()

		var xerr *model.ExportError
		if errors.As(err, &xerr) && !xerr.Transient {
			log.Printf("[export-http] dropping batch of %d: %v", len(s.batch), err)
			s.batch = s.batch[:0]
			return
		}

		log.Printf("[export-http] flush of %d failed, retrying in %s: %v", len(s.batch), backoff, err)
		select {
		case <-ctx.Done():
			// Keep the batch; the shutdown path gets a final attempt.
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *HTTPSink) post(ctx context.Context) error {
	payload := struct {
		Readings []model.Event `json:"readings"`
		Count    int           `json:"count"`
	}{Readings: s.batch, Count: len(s.batch)}

	body, err := json.Marshal(payload)
	if err != nil {
		return &model.ExportError{Sink: "http", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return &model.ExportError{Sink: "http", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "MeterEye/1.0")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return &model.ExportError{Sink: "http", Transient: true, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		s.mx.HTTPFlushDur.Observe(time.Since(start).Seconds())
		return nil
	case resp.StatusCode >= 500:
		return &model.ExportError{Sink: "http", Transient: true, Err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		return &model.ExportError{Sink: "http", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
}

// stopTimer stops t and drains a pending fire so a later Reset starts
// clean.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
