package server

import (
	"errors"
	"fmt"
	"net/http"

	"metereye/internal/model"
	"metereye/internal/registry"
)

const mjpegBoundary = "metereyeframe"

// handleStream serves multipart/x-mixed-replace MJPEG for one camera. Each
// published frame becomes one part; a slow client skips frames rather than
// backing up the worker.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, cameraID string, annotated bool) {
	// Fail early for unknown cameras and 409 before the first byte.
	if _, err := s.reg.LatestFrame(cameraID); err != nil {
		writeFrameError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	frames := make(chan registry.FrameRecord, 1)
	unsubscribe := s.reg.SubscribeFrames(func(id string, rec registry.FrameRecord) {
		if id != cameraID {
			return
		}
		// Keep only the newest frame for this client.
		select {
		case frames <- rec:
		default:
			select {
			case <-frames:
			default:
			}
			select {
			case frames <- rec:
			default:
			}
		}
	})
	defer unsubscribe()

	// Seed with the frame we already verified exists.
	if rec, err := s.reg.LatestFrame(cameraID); err == nil {
		select {
		case frames <- rec:
		default:
		}
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-frames:
			data := rec.Raw
			if annotated {
				data = rec.Annotated
			}
			if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(data)); err != nil {
				return
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			if _, err := fmt.Fprint(w, "\r\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeFrameError maps frame lookup failures: unknown camera is 404, a
// configured camera with no frame yet is 409.
func writeFrameError(w http.ResponseWriter, err error) {
	var regErr *model.RegistryError
	switch {
	case errors.Is(err, registry.ErrNoFrame):
		writeJSONError(w, http.StatusConflict, "no frame yet")
	case errors.As(err, &regErr):
		writeJSONError(w, http.StatusNotFound, regErr.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}
