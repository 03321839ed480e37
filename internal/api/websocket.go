package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"execution-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamTopics are forwarded to websocket clients.
var streamTopics = []events.Event{
	events.EventBar,
	events.EventSignal,
	events.EventOrderFilled,
	events.EventOrderRejected,
	events.EventPositionChange,
	events.EventRiskAlert,
	events.EventContractRoll,
}

type streamMessage struct {
	Topic events.Event `json:"topic"`
	Data  any          `json:"data"`
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	// A read error means the client went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	out := make(chan streamMessage, 100)
	for _, topic := range streamTopics {
		ch, unsub := s.Bus.Subscribe(topic, 100)
		defer unsub()
		go func() {
			for v := range ch {
				select {
				case out <- streamMessage{Topic: topic, Data: v}:
				case <-gone:
					return
				}
			}
		}()
	}

	for {
		select {
		case <-gone:
			return
		case msg := <-out:
			if err := conn.WriteJSON(msg); err != nil {
				s.log.Debug("ws write failed", zap.Error(err))
				return
			}
		}
	}
}
