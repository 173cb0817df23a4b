package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"aurigraph/approval-core/core/events"
	"aurigraph/approval-core/native/approval"
)

// eventStream fans EventBus activity out to WebSocket clients, best-effort.
// A slow or disconnected client is dropped rather than allowed to stall
// delivery to anyone else.
type eventStream struct {
	bus    *approval.EventBus
	logger *log.Logger
}

func newEventStream(bus *approval.EventBus, logger *log.Logger) *eventStream {
	if logger == nil {
		logger = log.Default()
	}
	return &eventStream{bus: bus, logger: logger}
}

func (s *eventStream) serveHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan []byte, 64)
	unsubscribe := s.bus.Subscribe("*", func(e events.Event) {
		encoded, err := json.Marshal(struct {
			Event string      `json:"event"`
			Data  interface{} `json:"data"`
		}{Event: e.EventType(), Data: e})
		if err != nil {
			return
		}
		select {
		case out <- encoded:
		default:
			// slow consumer: drop the message rather than block the bus
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case msg := <-out:
			writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			writeCancel()
			if err != nil {
				return
			}
		}
	}
}
