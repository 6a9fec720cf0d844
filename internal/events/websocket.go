package events

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// writeTimeout bounds a single websocket write.
const writeTimeout = 10 * time.Second

// WSHandler streams committed allocations to websocket clients as JSON.
type WSHandler struct {
	bus *Bus
	log zerolog.Logger
}

// NewWSHandler creates a websocket broadcast handler backed by the bus.
func NewWSHandler(bus *Bus, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		bus: bus,
		log: log.With().Str("component", "ws_handler").Logger(),
	}
}

// ServeHTTP upgrades the connection and forwards bus events until the client
// disconnects.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch, cancel := h.bus.Subscribe()
	defer cancel()

	h.log.Debug().Str("remote", r.RemoteAddr).Msg("Websocket subscriber connected")
	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case alloc, ok := <-ch:
			if !ok {
				return
			}
			writeCtx, done := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, alloc)
			done()
			if err != nil {
				h.log.Debug().Err(err).Msg("Websocket write failed, dropping subscriber")
				return
			}
		}
	}
}
