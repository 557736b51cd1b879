package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/airweave/airweave/internal/api/middleware"
	"github.com/airweave/airweave/internal/events"
	"github.com/airweave/airweave/pkg/models"
)

// Search runs the retrieval pipeline against one collection and returns the
// final response in one shot.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	org := middleware.GetOrg(r.Context())

	var req models.SearchRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}

	resp, err := h.search.Search(r.Context(), org, chi.URLParam(r, "readableID"), userPrincipal(r), req, events.Nop{})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// SearchStream runs the same pipeline but streams every operation lifecycle
// event over SSE, terminated by an event carrying the full response.
func (h *Handlers) SearchStream(w http.ResponseWriter, r *http.Request) {
	org := middleware.GetOrg(r.Context())

	var req models.SearchRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, fmt.Errorf("streaming unsupported by connection"))
		return
	}

	requestID := chimw.GetReqID(r.Context())
	if requestID == "" {
		requestID = uuid.NewString()
	}
	topic := "search:" + requestID

	ch, cancel := h.bus.Subscribe(topic)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emitter := events.NewEmitter(h.bus, topic, requestID)
	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := h.search.Search(r.Context(), org, chi.URLParam(r, "readableID"), userPrincipal(r), req, emitter)
		terminal := models.Event{
			RequestID: requestID,
			TS:        time.Now().UTC(),
			Kind:      models.EventOperationCompleted,
			Operation: "search",
		}
		if err != nil {
			terminal.Kind = models.EventOperationFailed
			terminal.Payload = map[string]any{"error": err.Error()}
		} else {
			terminal.Payload = map[string]any{"response": resp}
		}
		h.bus.Publish(topic, terminal)
	}()

	write := func(e models.Event) {
		fmt.Fprintf(w, "data: %s\n\n", e.Encode())
		flusher.Flush()
	}

	for {
		select {
		case e, open := <-ch:
			if !open {
				return
			}
			write(e)
		case <-r.Context().Done():
			<-done
			return
		case <-done:
			// Drain whatever the pipeline emitted before finishing.
			for {
				select {
				case e, open := <-ch:
					if !open {
						return
					}
					write(e)
				default:
					return
				}
			}
		}
	}
}

// userPrincipal derives the querying principal from the X-User-ID header.
// Bare ids are namespaced as user principals; empty means no access filter.
func userPrincipal(r *http.Request) string {
	u := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if u == "" {
		return ""
	}
	if strings.Contains(u, ":") {
		return u
	}
	return "user:" + u
}
