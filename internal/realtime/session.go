package realtime

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/riderpresence/internal/presence/broadcast"
)

// Session is one websocket connection. Outbound events queue in a bounded
// buffer drained by the write pump; a slow client loses events, it never
// blocks the publisher.
type Session struct {
	*broadcast.ChannelSubscriber
	conn  *websocket.Conn
	cfg   Config
	token string
}

func newSession(id string, conn *websocket.Conn, cfg Config, token string) *Session {
	return &Session{
		ChannelSubscriber: broadcast.NewChannelSubscriber(id, cfg.SendBuffer),
		conn:              conn,
		cfg:               cfg,
		token:             token,
	}
}

// writePump is the only writer of the connection.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-s.Events():
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// prepareRead bounds frame size and keeps the read deadline alive on pongs.
func (s *Session) prepareRead() {
	s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})
}
