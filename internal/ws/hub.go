// Package ws is the WebSocket transport for internal/events: it upgrades
// connections, lets clients switch which epoch topic they're watching, and
// pumps envelopes out over the socket. The room bookkeeping lives in
// events.Broker; this package is just upgrader/writePump/readPump plumbing
// on top of it.
package ws

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"gridsettle/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Handler struct {
	broker *events.Broker
}

func NewHandler(broker *events.Broker) *Handler { return &Handler{broker: broker} }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	topic := r.URL.Query().Get("epoch_id")
	if topic == "" {
		topic = events.GlobalTopic
	}
	sub := h.broker.Subscribe(topic)

	go h.writePump(conn, sub)
	h.readPump(conn, sub)
}

func (h *Handler) writePump(conn *websocket.Conn, sub *events.Subscriber) {
	defer conn.Close()
	for env := range sub.C() {
		b, err := json.Marshal(env)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}

func (h *Handler) readPump(conn *websocket.Conn, sub *events.Subscriber) {
	defer func() {
		h.broker.Unsubscribe(sub)
		conn.Close()
	}()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd struct {
			Action  string `json:"action"`
			EpochID string `json:"epoch_id"`
		}
		if err := json.Unmarshal(msg, &cmd); err != nil {
			continue
		}
		if cmd.Action == "watch" && cmd.EpochID != "" {
			h.broker.Resubscribe(sub, cmd.EpochID)
		}
	}
}
