package transcript

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait bounds one write to the peer.
	writeWait = 10 * time.Second
	// pongWait is how long the peer has to answer a ping.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize bounds inbound messages; clients only send control
	// frames on this stream.
	maxMessageSize = 512
)

// Streamer upgrades HTTP requests to WebSocket connections fed from the
// hub.
type Streamer struct {
	hub      *Hub
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewStreamer creates a streamer for the given hub. allowedOrigins
// controls the upgrade origin check; "*" admits any origin.
func NewStreamer(hub *Hub, allowedOrigins []string, log *zap.Logger) *Streamer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Streamer{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		log: log,
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// ServeWS upgrades the request and streams the transcript of requestID
// until the client disconnects or the hub closes. The upgrader writes
// the error response itself when the handshake fails.
func (s *Streamer) ServeWS(w http.ResponseWriter, r *http.Request, requestID string) error {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sub := s.hub.Subscribe(requestID)
	go s.writePump(conn, sub, requestID)
	go s.readPump(conn, sub, requestID)
	return nil
}

// writePump forwards events to the peer and keeps the connection alive
// with pings.
func (s *Streamer) writePump(conn *websocket.Conn, sub *Subscription, requestID string) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case evt, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"))
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("Transcript write failed",
					zap.String("request_id", requestID),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection so control frames are processed and
// tears the subscription down when the peer goes away.
func (s *Streamer) readPump(conn *websocket.Conn, sub *Subscription, requestID string) {
	defer func() {
		sub.Close()
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Debug("Transcript client closed unexpectedly",
					zap.String("request_id", requestID),
					zap.Error(err))
			}
			return
		}
	}
}
