package api

import (
	"errors"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var errAuthFrameExpected = errors.New("expected auth event")

// wsSession is one authenticated WebSocket connection. Frames are queued on
// send and written by writePump only.
type wsSession struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	log    log.FieldLogger
}

func newWSSession(id, userID string, conn *websocket.Conn, buffer int, logger log.FieldLogger) *wsSession {
	return &wsSession{
		id:     id,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		log: logger.WithFields(log.Fields{
			"connection":  id,
			"user":        userID,
			"remote_addr": conn.RemoteAddr().String(),
			"transport":   "websocket",
		}),
	}
}

// Deliver queues a notification without blocking.
func (s *wsSession) Deliver(payload []byte) bool {
	return s.enqueue(encodeFrame(eventNotification, payload))
}

func (s *wsSession) enqueue(msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

func (s *wsSession) Close() {
	s.once.Do(func() { close(s.done) })
}

// readPump keeps the connection alive and returns when the peer goes away.
// Client frames after the handshake are ignored.
func (s *wsSession) readPump() {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.WithError(err).Warn("websocket read error")
			} else {
				s.log.Debug("websocket closed by peer")
			}
			return
		}
	}
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
		_ = s.conn.Close()
	}()
	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.log.WithError(err).Warn("websocket write error")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.log.WithError(err).Debug("websocket ping failed")
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

// readAuthFrame waits for the client's auth event and returns its token.
func readAuthFrame(conn *websocket.Conn, timeout time.Duration) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	var f frame
	if err := sonic.Unmarshal(msg, &f); err != nil || f.Event != eventAuth {
		return "", errAuthFrameExpected
	}
	var data authData
	if err := sonic.Unmarshal(f.Data, &data); err != nil {
		return "", errAuthFrameExpected
	}
	if data.Token == "" {
		return "", errMissingToken
	}
	return data.Token, nil
}

// rejectWebSocket tells the client why it was refused and closes the socket.
func rejectWebSocket(conn *websocket.Conn, err error) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, connectErrorFrame(err))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"))
	_ = conn.Close()
}
