package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/stillframe/shoebox/internal/events"
	"github.com/stillframe/shoebox/internal/faults"
)

// sseKeepAliveInterval spaces the comment lines that keep idle proxies from
// closing the stream.
const sseKeepAliveInterval = 15 * time.Second

// sseBufferSize bounds the per-client event queue. A client that cannot keep
// up loses events rather than stalling the publisher.
const sseBufferSize = 16

// handleEvents streams bus events to the client as server-sent events. Each
// client gets a greeting with its id, then every thumbnail-generated event,
// with keep-alive comments in between.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeFault(w, r, faults.New(faults.KindInternal, "", "streaming unsupported by connection"))

		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientID := uuid.NewString()
	feed := make(chan []byte, sseBufferSize)

	subID := s.opts.Bus.Subscribe(events.TopicThumbnailGenerated, func(_ context.Context, payload any) error {
		body, err := json.Marshal(payload)
		if err != nil {
			return err
		}

		select {
		case feed <- formatEvent(events.TopicThumbnailGenerated, body):
		default:
			// Slow client; drop rather than block the publisher.
		}

		return nil
	})
	defer s.opts.Bus.Unsubscribe(subID)

	greeting, err := json.Marshal(map[string]string{"clientId": clientID})
	if err != nil {
		s.writeFault(w, r, err)

		return
	}

	if _, err := w.Write(formatEvent(events.TopicConnected, greeting)); err != nil {
		return
	}

	flusher.Flush()

	s.logger.Debug("sse client connected", slog.String("client_id", clientID))

	ticker := time.NewTicker(sseKeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("sse client disconnected", slog.String("client_id", clientID))

			return
		case <-s.closing:
			return
		case msg := <-feed:
			if _, err := w.Write(msg); err != nil {
				return
			}

			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}

			flusher.Flush()
		}
	}
}

// formatEvent renders one SSE frame.
func formatEvent(topic string, data []byte) []byte {
	return fmt.Appendf(nil, "event: %s\ndata: %s\n\n", topic, data)
}
