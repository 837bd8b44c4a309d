package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"telemetry-service/internal/observability/metrics"
	"telemetry-service/internal/telemetry/application/events"
)

const clientBuffer = 16

// Subscription is one connected stream client.
type Subscription struct {
	ch       chan []byte
	deviceID string
}

// Events yields JSON-encoded records until the subscription is removed.
func (s *Subscription) Events() <-chan []byte {
	return s.ch
}

// SSEBroker fans out recorded telemetry to connected clients. Slow clients drop messages.
type SSEBroker struct {
	mu      sync.Mutex
	clients map[*Subscription]struct{}
}

// NewSSEBroker constructs a broker.
func NewSSEBroker() *SSEBroker {
	return &SSEBroker{clients: make(map[*Subscription]struct{})}
}

// HandleRecorded fans a recorded record out to stream clients. Register it
// with eventbus.On.
func (b *SSEBroker) HandleRecorded(_ context.Context, evt events.TelemetryRecorded) error {
	if b == nil {
		return nil
	}
	payload, err := json.Marshal(evt.Record)
	if err != nil {
		return err
	}
	b.broadcast(evt.Record.DeviceID, payload)
	return nil
}

// Subscribe registers a client. An empty deviceID receives every record.
func (b *SSEBroker) Subscribe(deviceID string) *Subscription {
	if b == nil {
		return nil
	}
	client := &Subscription{ch: make(chan []byte, clientBuffer), deviceID: deviceID}
	b.mu.Lock()
	b.clients[client] = struct{}{}
	b.mu.Unlock()
	metrics.AddStreamClients(1)
	return client
}

// Unsubscribe removes a client.
func (b *SSEBroker) Unsubscribe(client *Subscription) {
	if b == nil || client == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.clients[client]
	delete(b.clients, client)
	b.mu.Unlock()
	if ok {
		close(client.ch)
		metrics.AddStreamClients(-1)
	}
}

func (b *SSEBroker) broadcast(deviceID string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for client := range b.clients {
		if client.deviceID != "" && client.deviceID != deviceID {
			continue
		}
		select {
		case client.ch <- payload:
		default:
		}
	}
}

// StreamHandler serves the SSE telemetry stream.
type StreamHandler struct {
	broker *SSEBroker
}

// NewStreamHandler constructs a stream handler.
func NewStreamHandler(broker *SSEBroker) *StreamHandler {
	return &StreamHandler{broker: broker}
}

// ServeHTTP handles GET /api/telemetry/stream.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.broker == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := h.broker.Subscribe(r.URL.Query().Get("device_id"))
	defer h.broker.Unsubscribe(client)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	notify := r.Context().Done()
	for {
		select {
		case payload, ok := <-client.ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("event: telemetry\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-notify:
			return
		}
	}
}
