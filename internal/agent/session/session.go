// Package session manages the WebSocket connection to one remote agent.
package session

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/common/logger"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/agent"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// ErrSessionClosed is returned by Send after Close.
var ErrSessionClosed = errors.New("session: closed")

// ErrSendBufferFull is returned when the agent is not draining its queue.
var ErrSendBufferFull = errors.New("session: send buffer full")

// FrameHandler consumes frames an agent sends after registration.
type FrameHandler func(msg *agent.Message)

// Session is one agent's persistent connection. Writes go through the send
// channel so only the write pump touches the conn.
type Session struct {
	AgentID string

	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
	logger    *logger.Logger
}

// New wraps an upgraded connection.
func New(agentID string, conn *websocket.Conn, log *logger.Logger) *Session {
	return &Session{
		AgentID: agentID,
		conn:    conn,
		send:    make(chan []byte, 256),
		closed:  make(chan struct{}),
		logger:  log.WithFields(zap.String("agent_id", agentID)),
	}
}

// Send queues a frame for delivery. It never blocks; a full buffer counts
// as a failed delivery.
func (s *Session) Send(msg *agent.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	select {
	case s.send <- data:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close terminates the session. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// Closed reports whether the session has been shut down.
func (s *Session) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// ReadPump reads frames from the agent until the connection drops, handing
// each parsed message to the handler. Blocks; run on the connection's
// goroutine. onClose fires exactly once when the pump exits.
func (s *Session) ReadPump(handler FrameHandler, onClose func()) {
	defer func() {
		s.Close()
		if onClose != nil {
			onClose()
		}
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("agent connection read error", zap.Error(err))
			}
			return
		}

		var msg agent.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Error("malformed agent frame", zap.Error(err))
			continue
		}

		// Protocol-level pong; application frames go to the handler.
		if msg.Type == agent.TypePong {
			s.conn.SetReadDeadline(time.Now().Add(pongWait))
			continue
		}
		handler(&msg)
	}
}

// WritePump drains the send queue onto the connection and keeps the
// connection alive with periodic pings.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case <-s.closed:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
