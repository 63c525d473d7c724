// Package event exposes the engine's event stream to external observers
// over server-sent events.
package event

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/mergeguild/internal/eventbus"
)

const subscriberBuffer = 64

type Handler struct {
	bus *eventbus.Bus
}

func NewHandler(bus *eventbus.Bus) *Handler {
	return &Handler{bus: bus}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/events", h.stream)
}

// stream pushes every engine event to the client as an SSE message until
// the client disconnects. Slow consumers drop events rather than stall the
// publishers.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id, events := h.bus.Subscribe(subscriberBuffer)
	defer h.bus.Unsubscribe(id)
	slog.Debug("event stream opened", "subscriber", id)

	for {
		select {
		case <-r.Context().Done():
			slog.Debug("event stream closed", "subscriber", id)
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				slog.Error("failed to marshal event", "error", err)
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data)
			flusher.Flush()
		}
	}
}
