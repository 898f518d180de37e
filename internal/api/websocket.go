package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"broker-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket streams price ticks and the caller's order events. Browsers
// cannot set headers on WebSocket requests, so the token rides in the query
// string.
func (s *Server) websocket(c *gin.Context) {
	userID, err := parseToken(c.Query("token"), s.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   gin.H{"code": "INVALID_TOKEN", "message": "invalid or expired token"},
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("ws upgrade error")
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	ticks, unsubTicks := s.Bus.Subscribe(events.EventPriceTick, 100)
	defer unsubTicks()

	orderTopics := []events.Event{
		events.EventOrderAccepted,
		events.EventOrderRejected,
		events.EventOrderPartial,
		events.EventOrderFilled,
		events.EventOrderCancelled,
	}
	merged := make(chan any, 100)
	done := make(chan struct{})
	defer close(done)

	for _, topic := range orderTopics {
		stream, unsub := s.Bus.Subscribe(events.UserTopic(topic, userID), 100)
		defer unsub()
		go func(ch <-chan any) {
			for {
				select {
				case <-done:
					return
				case msg, open := <-ch:
					if !open {
						return
					}
					select {
					case merged <- msg:
					default:
					}
				}
			}
		}(stream)
	}

	for {
		select {
		case msg, open := <-ticks:
			if !open {
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case msg := <-merged:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
