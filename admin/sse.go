package admin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// heartbeatInterval is the keep-alive comment period on each stream.
const heartbeatInterval = 39 * time.Second

// SSE distributes lifecycle events to any number of HTTP receivers
// using the text/event-stream framing. A receiver that cannot keep up
// is skipped, not blocked on.
type SSE struct {
	start time.Time

	// nextID is the monotonic event id, shared by all receivers.
	nextID atomic.Uint64

	mu        sync.Mutex
	receivers map[chan []byte]struct{}

	log *slog.Logger
}

func NewSSE() *SSE {
	return &SSE{
		start:     time.Now().UTC(),
		receivers: make(map[chan []byte]struct{}),
		log:       slog.Default().With("context", "SSE"),
	}
}

// Emit frames and fans out one event. The data payload is extended with
// nothing; callers include their own "at" timestamp.
func (s *SSE) Emit(event string, data map[string]any) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.log.Error("event payload not serializable", "event", event, "error", err)
		return
	}
	id := s.nextID.Add(1)
	frame := []byte(fmt.Sprintf("event: %s\nid: %d\ndata: %s\n\n", event, id, payload))

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.receivers {
		select {
		case ch <- frame:
		default:
			// Receiver is offline or slow; skip silently.
		}
	}
}

func (s *SSE) register() chan []byte {
	ch := make(chan []byte, 16)
	s.mu.Lock()
	s.receivers[ch] = struct{}{}
	n := len(s.receivers)
	s.mu.Unlock()
	s.log.Info("event receiver registered", "receivers", n)
	return ch
}

func (s *SSE) unregister(ch chan []byte) {
	s.mu.Lock()
	delete(s.receivers, ch)
	n := len(s.receivers)
	s.mu.Unlock()
	s.log.Info("event receiver gone", "receivers", n)
}

// ServeHTTP streams events to one receiver until it disconnects. Every
// stream opens with a bridge-start greeting carrying the distributor's
// start time and gets a ":keep-alive" comment every 39 seconds.
func (s *SSE) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	greeting, _ := json.Marshal(map[string]any{"at": s.start.Format(time.RFC3339)})
	fmt.Fprintf(w, "event: bridge-start\nid: %d\ndata: %s\n\n", s.nextID.Add(1), greeting)
	flusher.Flush()

	ch := s.register()
	defer s.unregister(ch)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ":keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case frame := <-ch:
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
