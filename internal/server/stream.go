package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Tyrowin/mcphub/internal/hub"
)

// handleStream is the push-stream adapter. It registers a stream listener
// and drains its queue to the response as server-sent events until the
// client goes away, the hub drops the listener, or a write fails.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	listener, err := g.hub.Register(hub.KindStream, r.RemoteAddr)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "shutting down"})
		return
	}
	defer g.hub.Deregister(listener)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		g.logger.Error("stream flush unsupported", "error", err)
		return
	}

	logger := g.logger.With("listener_id", listener.ID(), "addr", listener.Addr())
	ticker := time.NewTicker(g.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Info("stream client disconnected")
			return

		case message, ok := <-listener.Messages():
			if !ok {
				return
			}
			if err := writeEvent(rc, w, "message", message); err != nil {
				logger.Warn("stream write failed", "error", err)
				return
			}

		case <-ticker.C:
			if err := writeComment(rc, w, "ping"); err != nil {
				logger.Debug("stream keepalive failed", "error", err)
				return
			}
		}
	}
}

// formatSSEEvent frames one payload with the standard event/data fields.
func formatSSEEvent(event string, data []byte) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)
}

func writeEvent(rc *http.ResponseController, w http.ResponseWriter, event string, data []byte) error {
	return writeFrame(rc, w, formatSSEEvent(event, data))
}

func writeComment(rc *http.ResponseController, w http.ResponseWriter, comment string) error {
	return writeFrame(rc, w, ": "+comment+"\n\n")
}

// writeFrame bounds each write by writeWait so a stalled client cannot hold
// its listener forever.
func writeFrame(rc *http.ResponseController, w http.ResponseWriter, frame string) error {
	if err := rc.SetWriteDeadline(deadline()); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := fmt.Fprint(w, frame); err != nil {
		return err
	}
	return rc.Flush()
}
