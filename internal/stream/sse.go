package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const DefaultHeartbeat = 15 * time.Second

var ErrStreamingUnsupported = errors.New("streaming not supported")

func WriteFrame(w http.ResponseWriter, event string, id string, payload any) error {
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", blob); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// ServeSSE writes the ready frame and then every event of sub until the
// subscription closes or ctx is done. It returns nil when the stream ends
// normally and ctx.Err() when the observer went away.
func ServeSSE(ctx context.Context, w http.ResponseWriter, sub *Subscription, ready any, heartbeat time.Duration) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := WriteFrame(w, "ready", "", ready); err != nil {
		return err
	}

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := WriteFrame(w, string(ev.Type), ev.ID, ev); err != nil {
				return err
			}
		}
	}
}
