package service

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/InsulaLabs/onvm/internal/events"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 512                 // Maximum message size allowed from peer.
)

// eventSession forwards bus events to one websocket client.
type eventSession struct {
	conn    *websocket.Conn
	topics  []string
	service *Service

	mu     sync.Mutex
	send   chan []byte
	closed bool
	unsubs []events.Unsubscriber
}

// enqueue drops the message when the client is not keeping up.
func (es *eventSession) enqueue(message []byte) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.closed {
		return
	}
	select {
	case es.send <- message:
	default:
		es.service.logger.Warn("Subscriber send channel full, message dropped", "topics", es.topics)
	}
}

func (es *eventSession) close() {
	es.mu.Lock()
	if es.closed {
		es.mu.Unlock()
		return
	}
	es.closed = true
	unsubs := es.unsubs
	es.unsubs = nil
	close(es.send)
	es.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// requestedTopics reads ?topic= (repeatable). No topic means every
// permitted topic.
func (s *Service) requestedTopics(r *http.Request) ([]string, bool) {
	permitted, err := s.bus.GetPermittedTopics()
	if err != nil {
		return nil, false
	}
	requested := r.URL.Query()["topic"]
	if len(requested) == 0 {
		return permitted, true
	}
	for _, t := range requested {
		if !slices.Contains(permitted, t) {
			return nil, false
		}
	}
	return requested, true
}

func (s *Service) eventSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	topics, ok := s.requestedTopics(r)
	if !ok {
		writeErrorResponse(w, http.StatusBadRequest, "INVALID_TOPIC", "unknown topic requested")
		return
	}

	s.wsConnectionLock.Lock()
	if s.activeWsConnections >= s.cfg.Sessions.MaxConnections {
		s.wsConnectionLock.Unlock()
		s.logger.Warn("Max WebSocket connections reached, rejecting new connection", "current", s.activeWsConnections, "max", s.cfg.Sessions.MaxConnections)
		writeErrorResponse(w, http.StatusServiceUnavailable, "TOO_MANY_CONNECTIONS", "Too many connections")
		return
	}
	s.activeWsConnections++
	s.wsConnectionLock.Unlock()

	// Subscribe before the handshake completes so nothing published after
	// the client sees the upgrade is missed.
	session := &eventSession{
		topics:  topics,
		service: s,
		send:    make(chan []byte, s.cfg.Sessions.EventChannelSize),
	}
	forward := events.SubscriberFunc(func(ctx context.Context, event events.Event) {
		message, err := json.Marshal(event)
		if err != nil {
			s.logger.Error("Failed to marshal event for WebSocket dispatch", "topic", event.Topic, "error", err)
			return
		}
		session.enqueue(message)
	})
	for _, topic := range topics {
		unsub, err := s.bus.Subscribe(topic, forward)
		if err != nil {
			s.logger.Error("Failed to subscribe session to topic", "topic", topic, "error", err)
			continue
		}
		session.unsubs = append(session.unsubs, unsub)
	}

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		session.close()
		s.releaseConnection()
		s.logger.Error("Failed to upgrade WebSocket connection", "error", err)
		return
	}
	session.conn = conn
	s.logger.Info("WebSocket connection upgraded", "remote_addr", conn.RemoteAddr().String(), "topics", topics)

	go session.writePump()
	go session.readPump()
}

func (s *Service) releaseConnection() {
	s.wsConnectionLock.Lock()
	defer s.wsConnectionLock.Unlock()
	if s.activeWsConnections > 0 {
		s.activeWsConnections--
	}
}

// readPump only watches for the client going away. Anything the client
// sends is ignored.
func (es *eventSession) readPump() {
	defer func() {
		es.close()
		es.conn.Close()
		es.service.releaseConnection()
		es.service.logger.Info("WebSocket readPump finished, connection closed", "remote_addr", es.conn.RemoteAddr())
	}()
	es.conn.SetReadLimit(maxMessageSize)
	es.conn.SetReadDeadline(time.Now().Add(pongWait))
	es.conn.SetPongHandler(func(string) error {
		es.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := es.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				es.service.logger.Error("WebSocket read error", "remote_addr", es.conn.RemoteAddr(), "error", err)
			}
			return
		}
	}
}

func (es *eventSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		es.conn.Close()
	}()
	for {
		select {
		case message, ok := <-es.send:
			es.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				es.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := es.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				es.service.logger.Error("WebSocket message write error", "remote_addr", es.conn.RemoteAddr(), "error", err)
				return
			}
		case <-ticker.C:
			es.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := es.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				es.service.logger.Error("WebSocket ping write error", "remote_addr", es.conn.RemoteAddr(), "error", err)
				return
			}
		case <-es.service.appCtx.Done():
			es.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}
