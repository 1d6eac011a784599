package bridge

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/cargoline/opsdash/internal/feed"
)

const (
	streamWriteWait = 10 * time.Second

	// StreamMessageSnapshot is the type of every state message on the stream.
	StreamMessageSnapshot = "snapshot"
)

// StreamMessage is a frame sent to stream clients.
type StreamMessage struct {
	Type string        `json:"type"`
	Data feed.Snapshot `json:"data"`
}

// stream pushes the full state on connect and after every change. Slow
// clients skip intermediate states and only see the latest one.
func (s *Server) stream(c *gin.Context) {
	log := s.logger.WithContext(c.Request.Context())

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.originAllowed,
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("failed to upgrade stream connection", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	updates := make(chan feed.Snapshot, 1)
	unsubscribe := s.service.Subscribe(func(snapshot feed.Snapshot) {
		// Keep only the newest pending snapshot.
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- snapshot:
		default:
		}
	})
	defer unsubscribe()

	pongWait := 2 * s.opts.StreamPingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("stream client read error", slog.String("error", err.Error()))
				}
				return
			}
		}
	}()

	if err := s.writeSnapshot(conn, s.service.Snapshot()); err != nil {
		return
	}

	ticker := time.NewTicker(s.opts.StreamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case snapshot := <-updates:
			if err := s.writeSnapshot(conn, snapshot); err != nil {
				log.Debug("stream write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-s.closing.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case <-done:
			return
		}
	}
}

func (s *Server) writeSnapshot(conn *websocket.Conn, snapshot feed.Snapshot) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(StreamMessage{Type: StreamMessageSnapshot, Data: snapshot})
}
