package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sharedllm/sharedllm/internal/bus"
	"github.com/sharedllm/sharedllm/internal/infra/metrics"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser dashboards connect from arbitrary LAN origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebsocket upgrades the connection and streams bus events to the
// client as JSON text frames until either side goes away. Writes are
// single-threaded through the sender loop; the reader only feeds the pong
// queue and detects disconnects.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe()
	defer sub.Close()
	metrics.BusSubscribers.Inc()
	defer metrics.BusSubscribers.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	pongs := make(chan string, 8)
	events := make(chan []byte, 16)

	// Pump bus events into the sender's channel. A lag signal means the
	// client missed events; it keeps its connection and resumes.
	go func() {
		defer close(events)
		for {
			ev, err := sub.Recv(ctx)
			if err != nil {
				var lag *bus.LagError
				if errors.As(err, &lag) {
					s.log.WithField("skipped", lag.Skipped).Warn("event subscriber lagged")
					continue
				}
				cancel()
				return
			}
			payload, err := bus.Marshal(ev)
			if err != nil {
				continue
			}
			select {
			case events <- payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	conn.SetPingHandler(func(appData string) error {
		select {
		case pongs <- appData:
		default:
		}
		return nil
	})

	// Reader: consumes frames so control handlers run and exits on close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-pongs:
			if err := conn.WriteControl(websocket.PongMessage, []byte(p), time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case payload, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
